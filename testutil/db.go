package testutil

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenTestDB opens a migrated sqlite database under t.TempDir().
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// QuietLogger discards output.
func QuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func SeedOutlet(t *testing.T, db *gorm.DB, id string, warehouse bool) models.Outlet {
	t.Helper()
	active := true
	o := models.Outlet{ID: id, Name: id, IsWarehouse: warehouse, IsActive: &active}
	if err := db.Create(&o).Error; err != nil {
		t.Fatalf("seed outlet %s: %v", id, err)
	}
	return o
}

func SeedInactiveOutlet(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	inactive := false
	o := models.Outlet{ID: id, Name: id, IsActive: &inactive}
	if err := db.Create(&o).Error; err != nil {
		t.Fatalf("seed outlet %s: %v", id, err)
	}
}

func SeedProduct(t *testing.T, db *gorm.DB, id, sku string, unitCost int64) models.Product {
	t.Helper()
	active := true
	p := models.Product{ID: id, Sku: sku, Name: sku, UnitCost: decimal.NewFromInt(unitCost), UnitPrice: decimal.NewFromInt(unitCost * 2), IsActive: &active}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed product %s: %v", id, err)
	}
	return p
}

func SeedStock(t *testing.T, db *gorm.DB, outletId, productId string, onHand, reserved int) {
	t.Helper()
	pos := models.InventoryPosition{OutletId: outletId, ProductId: productId, OnHand: onHand, Reserved: reserved}
	if err := db.Create(&pos).Error; err != nil {
		t.Fatalf("seed stock %s/%s: %v", outletId, productId, err)
	}
}

// SeedSales records qty sold one day before now.
func SeedSales(t *testing.T, db *gorm.DB, outletId, productId string, qty int, now time.Time) {
	t.Helper()
	sale := models.OutletSale{OutletId: outletId, ProductId: productId, Quantity: qty, SoldAt: now.AddDate(0, 0, -1)}
	if err := db.Create(&sale).Error; err != nil {
		t.Fatalf("seed sales %s/%s: %v", outletId, productId, err)
	}
}

func CountRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
