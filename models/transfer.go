package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/transfer_engine/utils"
	"gorm.io/gorm"
)

type Transfer struct {
	ID                  int            `gorm:"primary_key" json:"id"`
	SourceOutletId      string         `gorm:"index;size:64;not null" json:"source_outlet_id"`
	DestinationOutletId string         `gorm:"index;size:64;not null" json:"destination_outlet_id"`
	TransferDate        time.Time      `gorm:"not null" json:"transfer_date"`
	Notes               string         `gorm:"type:text" json:"notes"`
	CreatedBy           string         `gorm:"size:100" json:"created_by"`
	Status              TransferStatus `gorm:"size:20;index;not null" json:"status"`
	IsSimulated         bool           `gorm:"not null;default:false" json:"is_simulated"`
	RunMode             string         `gorm:"size:30" json:"run_mode"`
	RunId               string         `gorm:"index;size:64" json:"run_id"`
	ExternalOrderId     *string        `gorm:"index;size:128" json:"external_order_id"`
	TotalQuantity       int            `gorm:"not null;default:0" json:"total_quantity"`
	ApprovedBy          string         `gorm:"size:100" json:"approved_by"`
	ApprovedAt          *time.Time     `json:"approved_at"`
	Lines               []TransferLine `gorm:"foreignKey:TransferId" json:"lines"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type TransferLine struct {
	ID                int       `gorm:"primary_key" json:"id"`
	TransferId        int       `gorm:"index;not null" json:"transfer_id"`
	LineNo            int       `gorm:"not null" json:"line_no"`
	ProductId         string    `gorm:"size:64;not null" json:"product_id"`
	QtyToTransfer     int       `gorm:"not null" json:"qty_to_transfer"`
	MinQtyToRemain    int       `gorm:"not null;default:0" json:"min_qty_to_remain"`
	DemandForecast    int       `gorm:"not null;default:0" json:"demand_forecast"`
	AvailableAtSource int       `gorm:"not null;default:0" json:"available_at_source"`
	Confidence        float64   `gorm:"not null;default:0" json:"confidence"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetTransfer loads a live transfer with its lines. Simulated rows are never returned.
func GetTransfer(ctx context.Context, db *gorm.DB, id int) (*Transfer, error) {
	var transfer Transfer
	err := db.WithContext(ctx).
		Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("line_no") }).
		Where("id = ? AND is_simulated = ?", id, false).
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("transfer", id)
		}
		return nil, err
	}
	return &transfer, nil
}

func ListTransfersByRun(ctx context.Context, db *gorm.DB, runId string) ([]Transfer, error) {
	var transfers []Transfer
	err := db.WithContext(ctx).
		Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("line_no") }).
		Where("run_id = ? AND is_simulated = ?", runId, false).
		Order("id").
		Find(&transfers).Error
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

func FindTransferByExternalOrder(ctx context.Context, db *gorm.DB, externalOrderId string) (*Transfer, error) {
	var transfer Transfer
	err := db.WithContext(ctx).
		Where("external_order_id = ? AND is_simulated = ?", externalOrderId, false).
		Order("id").
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("transfer for external order", externalOrderId)
		}
		return nil, err
	}
	return &transfer, nil
}

// UpdateTransferStatus moves a transfer along the lifecycle table in enums.go.
func UpdateTransferStatus(ctx context.Context, db *gorm.DB, id int, next TransferStatus) (*Transfer, error) {
	var out *Transfer
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		transfer, err := GetTransfer(ctx, tx, id)
		if err != nil {
			return err
		}
		if !transfer.Status.CanTransitionTo(next) {
			return utils.NewValidationError("status", "cannot move transfer %d from %s to %s", id, transfer.Status, next)
		}
		res := tx.Model(&Transfer{}).
			Where("id = ? AND status = ?", id, transfer.Status).
			Update("status", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("transfer %d changed concurrently", id)
		}
		transfer.Status = next
		out = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveTransfer moves a pending transfer to approved and records who approved it.
func ApproveTransfer(ctx context.Context, db *gorm.DB, id int, approvedBy string, at time.Time) (*Transfer, error) {
	var out *Transfer
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		transfer, err := GetTransfer(ctx, tx, id)
		if err != nil {
			return err
		}
		if !transfer.Status.CanTransitionTo(TransferStatusApproved) {
			return utils.NewValidationError("status", "transfer %d is %s and cannot be approved", id, transfer.Status)
		}
		res := tx.Model(&Transfer{}).
			Where("id = ? AND status = ?", id, transfer.Status).
			Updates(map[string]interface{}{
				"status":      TransferStatusApproved,
				"approved_by": approvedBy,
				"approved_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("transfer %d changed concurrently", id)
		}
		transfer.Status = TransferStatusApproved
		transfer.ApprovedBy = approvedBy
		transfer.ApprovedAt = &at
		out = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
