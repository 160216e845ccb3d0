package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/transfer_engine/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outlet is a store or a warehouse.
type Outlet struct {
	ID          string            `gorm:"primaryKey;size:64" json:"id"`
	Name        string            `gorm:"size:255;not null" json:"name"`
	IsWarehouse bool              `gorm:"not null;default:false" json:"is_warehouse"`
	IsActive    *bool             `gorm:"not null;default:true" json:"is_active"`
	Settings    datatypes.JSONMap `json:"settings"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o Outlet) Active() bool {
	return o.IsActive == nil || *o.IsActive
}

func ListOutlets(ctx context.Context, db *gorm.DB) ([]Outlet, error) {
	var outlets []Outlet
	if err := db.WithContext(ctx).Order("id").Find(&outlets).Error; err != nil {
		return nil, err
	}
	return outlets, nil
}

func GetOutlet(ctx context.Context, db *gorm.DB, id string) (*Outlet, error) {
	var outlet Outlet
	if err := db.WithContext(ctx).Where("id = ?", id).First(&outlet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("outlet", id)
		}
		return nil, err
	}
	return &outlet, nil
}
