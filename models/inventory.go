package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// InventoryPosition is the stock of one product at one outlet.
type InventoryPosition struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	OutletId  string    `gorm:"uniqueIndex:idx_inventory_position,priority:1;size:64;not null" json:"outlet_id"`
	ProductId string    `gorm:"uniqueIndex:idx_inventory_position,priority:2;size:64;not null" json:"product_id"`
	OnHand    int       `gorm:"not null;default:0" json:"on_hand"`
	Reserved  int       `gorm:"not null;default:0" json:"reserved"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p InventoryPosition) Available() int {
	if avail := p.OnHand - p.Reserved; avail > 0 {
		return avail
	}
	return 0
}

// OutletSale is one sales history row used for trailing velocity.
type OutletSale struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	OutletId  string    `gorm:"index:idx_outlet_sale_lookup,priority:1;size:64;not null" json:"outlet_id"`
	ProductId string    `gorm:"index:idx_outlet_sale_lookup,priority:2;size:64;not null" json:"product_id"`
	Quantity  int       `gorm:"not null" json:"quantity"`
	SoldAt    time.Time `gorm:"index;not null" json:"sold_at"`
}

type SalesTotal struct {
	OutletId  string
	ProductId string
	Quantity  int
}

// ListInventoryPositions returns every position, or only those for productIds when given.
func ListInventoryPositions(ctx context.Context, db *gorm.DB, productIds []string) ([]InventoryPosition, error) {
	var positions []InventoryPosition
	q := db.WithContext(ctx).Order("outlet_id").Order("product_id")
	if len(productIds) > 0 {
		q = q.Where("product_id IN ?", productIds)
	}
	if err := q.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func ListOutletPositions(ctx context.Context, db *gorm.DB, outletId string, productIds []string) ([]InventoryPosition, error) {
	var positions []InventoryPosition
	q := db.WithContext(ctx).Where("outlet_id = ?", outletId)
	if len(productIds) > 0 {
		q = q.Where("product_id IN ?", productIds)
	}
	if err := q.Order("product_id").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// SumSalesSince aggregates sales per (outlet, product) with sold_at >= since.
func SumSalesSince(ctx context.Context, db *gorm.DB, since time.Time, productIds []string) ([]SalesTotal, error) {
	var totals []SalesTotal
	q := db.WithContext(ctx).Model(&OutletSale{}).
		Select("outlet_id, product_id, SUM(quantity) AS quantity").
		Where("sold_at >= ?", since)
	if len(productIds) > 0 {
		q = q.Where("product_id IN ?", productIds)
	}
	if err := q.Group("outlet_id, product_id").Scan(&totals).Error; err != nil {
		return nil, err
	}
	return totals, nil
}
