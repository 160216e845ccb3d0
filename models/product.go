package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID             string          `gorm:"primaryKey;size:64" json:"id"`
	Sku            string          `gorm:"size:100;index;not null" json:"sku"`
	Name           string          `gorm:"size:255" json:"name"`
	UnitCost       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Category       string          `gorm:"size:100" json:"category"`
	Classification string          `gorm:"size:20" json:"classification"`
	PackOuter      int             `gorm:"not null;default:1" json:"pack_outer"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ListActiveProducts orders by sku then id. limit <= 0 loads everything.
func ListActiveProducts(ctx context.Context, db *gorm.DB, limit int) ([]Product, error) {
	var products []Product
	q := db.WithContext(ctx).Where("is_active = ?", true).Order("sku").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func ListProductsByIds(ctx context.Context, db *gorm.DB, ids []string) ([]Product, error) {
	var products []Product
	if len(ids) == 0 {
		return products, nil
	}
	if err := db.WithContext(ctx).Where("id IN ?", ids).Order("sku").Order("id").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}
