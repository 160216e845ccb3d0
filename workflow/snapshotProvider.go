package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/transfer_engine/allocation"
	"github.com/mmdatafocus/transfer_engine/models"
	"gorm.io/gorm"
)

// SnapshotProvider reads the outlet directory, catalog and inventory once for a run.
type SnapshotProvider interface {
	Load(ctx context.Context, maxProducts int, now time.Time) (*allocation.Snapshot, error)
}

type DBSnapshotProvider struct {
	DB         *gorm.DB
	WindowDays int
}

func NewDBSnapshotProvider(db *gorm.DB, windowDays int) *DBSnapshotProvider {
	if windowDays <= 0 {
		windowDays = allocation.DefaultWindowDays
	}
	return &DBSnapshotProvider{DB: db, WindowDays: windowDays}
}

func (p *DBSnapshotProvider) Load(ctx context.Context, maxProducts int, now time.Time) (*allocation.Snapshot, error) {
	outletRows, err := models.ListOutlets(ctx, p.DB)
	if err != nil {
		return nil, fmt.Errorf("load outlets: %w", err)
	}
	productRows, err := models.ListActiveProducts(ctx, p.DB, maxProducts)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	outlets := make([]allocation.Outlet, 0, len(outletRows))
	for _, o := range outletRows {
		outlets = append(outlets, toAllocationOutlet(o))
	}
	products := make([]allocation.Product, 0, len(productRows))
	productIds := make([]string, 0, len(productRows))
	for _, pr := range productRows {
		products = append(products, toAllocationProduct(pr))
		productIds = append(productIds, pr.ID)
	}

	snap := allocation.NewSnapshot(outlets, products, now, p.WindowDays)
	if len(productIds) == 0 {
		return snap, nil
	}

	positions, err := models.ListInventoryPositions(ctx, p.DB, productIds)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	for _, pos := range positions {
		snap.SetPosition(pos.OutletId, pos.ProductId, pos.OnHand, pos.Reserved)
	}

	since := now.AddDate(0, 0, -p.WindowDays)
	totals, err := models.SumSalesSince(ctx, p.DB, since, productIds)
	if err != nil {
		return nil, fmt.Errorf("load sales: %w", err)
	}
	for _, total := range totals {
		snap.AddSales(total.OutletId, total.ProductId, total.Quantity)
	}
	return snap, nil
}

func toAllocationOutlet(o models.Outlet) allocation.Outlet {
	return allocation.Outlet{
		ID:          o.ID,
		Name:        o.Name,
		IsWarehouse: o.IsWarehouse,
		IsActive:    o.Active(),
		Settings:    o.Settings,
	}
}

func toAllocationProduct(p models.Product) allocation.Product {
	return allocation.Product{
		ID:             p.ID,
		Sku:            p.Sku,
		Name:           p.Name,
		Category:       p.Category,
		Classification: p.Classification,
		UnitCost:       p.UnitCost,
		UnitPrice:      p.UnitPrice,
		PackOuter:      p.PackOuter,
	}
}
