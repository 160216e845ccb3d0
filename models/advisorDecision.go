package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdvisorDecision logs one advisor consultation made for a committed run or an order sync.
type AdvisorDecision struct {
	ID                  uint              `gorm:"primary_key" json:"id"`
	RunId               string            `gorm:"index;size:64" json:"run_id"`
	SessionId           string            `gorm:"size:64" json:"session_id"`
	DecisionType        string            `gorm:"size:50;not null" json:"decision_type"`
	SourceOutletId      string            `gorm:"size:64" json:"source_outlet_id"`
	DestinationOutletId string            `gorm:"size:64" json:"destination_outlet_id"`
	Confidence          float64           `gorm:"not null;default:0" json:"confidence"`
	Strategy            string            `gorm:"size:50" json:"strategy"`
	Origin              AdvisorOrigin     `gorm:"size:20;not null" json:"origin"`
	Context             datatypes.JSONMap `json:"context"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

func CreateAdvisorDecisions(ctx context.Context, db *gorm.DB, decisions []AdvisorDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&decisions).Error
}
