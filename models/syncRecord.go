package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/transfer_engine/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncRecord tracks one synchronization attempt chain with the order system.
// State transitions are owned by ordersync.Coordinator.
type SyncRecord struct {
	ID               uint          `gorm:"primary_key" json:"id"`
	SyncKey          string        `gorm:"uniqueIndex;size:191;not null" json:"sync_key"`
	ExternalOrderId  string        `gorm:"index;size:128" json:"external_order_id"`
	TransferId       *int          `gorm:"index" json:"transfer_id"`
	Direction        SyncDirection `gorm:"size:20;not null" json:"direction"`
	SyncType         SyncType      `gorm:"size:20;not null" json:"sync_type"`
	Status           SyncStatus    `gorm:"size:20;index:idx_sync_record_due,priority:1;not null" json:"status"`
	RetryCount       int           `gorm:"not null;default:0" json:"retry_count"`
	LastError        *string       `gorm:"type:text" json:"last_error"`
	NextRetryAt      *time.Time    `gorm:"index:idx_sync_record_due,priority:2" json:"next_retry_at"`
	PayloadJSON      []byte        `json:"payload"`
	ResponseJSON     []byte        `json:"response"`
	Confidence       float64       `gorm:"not null;default:0" json:"confidence"`
	AutoApproved     bool          `gorm:"not null;default:false" json:"auto_approved"`
	ProcessingTimeMs int64         `gorm:"not null;default:0" json:"processing_time_ms"`
	StartedAt        *time.Time    `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetSyncRecord(ctx context.Context, db *gorm.DB, id uint) (*SyncRecord, error) {
	var rec SyncRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("sync record", id)
		}
		return nil, err
	}
	return &rec, nil
}

// FindSyncRecordByKey returns (nil, nil) when the chain has not started yet.
func FindSyncRecordByKey(ctx context.Context, db *gorm.DB, key string) (*SyncRecord, error) {
	var rec SyncRecord
	if err := db.WithContext(ctx).Where("sync_key = ?", key).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ClaimDueSyncRecords moves up to limit retrying records whose next_retry_at has passed
// to processing and returns them. On MySQL the candidate rows are read with
// FOR UPDATE SKIP LOCKED so concurrent workers do not claim the same row.
func ClaimDueSyncRecords(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]SyncRecord, error) {
	var claimed []SyncRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", SyncStatusRetrying, now).
			Order("next_retry_at").
			Order("id").
			Limit(limit)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var due []SyncRecord
		if err := q.Find(&due).Error; err != nil {
			return err
		}
		for _, rec := range due {
			res := tx.Model(&SyncRecord{}).
				Where("id = ? AND status = ?", rec.ID, SyncStatusRetrying).
				Updates(map[string]interface{}{
					"status":     SyncStatusProcessing,
					"started_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			rec.Status = SyncStatusProcessing
			startedAt := now
			rec.StartedAt = &startedAt
			claimed = append(claimed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
