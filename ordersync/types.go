package ordersync

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/shopspring/decimal"
)

type ExternalOrderItem struct {
	ProductId string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
}

// ExternalOrder is an order placed in the external order system that a store must fulfil.
type ExternalOrder struct {
	ID                  string              `json:"id" validate:"required"`
	Number              string              `json:"number"`
	SourceOutlet        string              `json:"source_outlet"`
	DestinationOutlet   string              `json:"destination_outlet" validate:"required"`
	CustomerType        string              `json:"customer_type"`
	TotalValue          decimal.Decimal     `json:"total_value"`
	SpecialInstructions string              `json:"special_instructions"`
	Items               []ExternalOrderItem `json:"items" validate:"required,min=1,dive"`
}

// SyncResult is what a sync operation reports for its record.
type SyncResult struct {
	Success          bool              `json:"success"`
	SyncId           uint              `json:"sync_id"`
	SyncKey          string            `json:"sync_key"`
	Status           models.SyncStatus `json:"status"`
	TransferId       *int              `json:"transfer_id,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	AutoApproved     bool              `json:"auto_approved"`
	ProductsSynced   int               `json:"products_synced,omitempty"`
	RetryCount       int               `json:"retry_count"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	Error            string            `json:"error,omitempty"`
	Response         json.RawMessage   `json:"response,omitempty"`
}

func resultFromRecord(rec *models.SyncRecord) *SyncResult {
	res := &SyncResult{
		Success:          rec.Status == models.SyncStatusCompleted,
		SyncId:           rec.ID,
		SyncKey:          rec.SyncKey,
		Status:           rec.Status,
		TransferId:       rec.TransferId,
		Confidence:       rec.Confidence,
		AutoApproved:     rec.AutoApproved,
		RetryCount:       rec.RetryCount,
		NextRetryAt:      rec.NextRetryAt,
		ProcessingTimeMs: rec.ProcessingTimeMs,
	}
	if rec.LastError != nil {
		res.Error = *rec.LastError
	}
	if len(rec.ResponseJSON) > 0 && json.Valid(rec.ResponseJSON) {
		res.Response = json.RawMessage(rec.ResponseJSON)
	}
	return res
}

type SyncKind string

const (
	SyncKindOrder     SyncKind = "order"
	SyncKindStatus    SyncKind = "status"
	SyncKindInventory SyncKind = "inventory"
	SyncKindResume    SyncKind = "resume"
)

// SyncRequest is the message carried by the sync transports.
type SyncRequest struct {
	Kind          SyncKind       `json:"kind"`
	Order         *ExternalOrder `json:"order,omitempty"`
	TransferId    int            `json:"transfer_id,omitempty"`
	ProductIds    []string       `json:"product_ids,omitempty"`
	RecordId      uint           `json:"record_id,omitempty"`
	CorrelationId string         `json:"correlation_id,omitempty"`
}

// Key identifies the request on the wire for partitioning and dedup.
func (r SyncRequest) Key() string {
	switch r.Kind {
	case SyncKindOrder:
		if r.Order != nil {
			return "order:" + r.Order.ID
		}
	case SyncKindStatus:
		return "status:" + strconv.Itoa(r.TransferId)
	}
	return string(r.Kind)
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type orderAckPayload struct {
	OrderId       string             `json:"order_id"`
	OrderNumber   string             `json:"order_number,omitempty"`
	TransferId    int                `json:"transfer_id"`
	Status        string             `json:"status"`
	SourceOutlet  string             `json:"source_outlet"`
	Confidence    float64            `json:"ai_confidence"`
	Strategy      string             `json:"allocation_strategy"`
	Lines         []transferLineWire `json:"lines"`
	SchemaVersion string             `json:"schema_version"`
}

type statusUpdatePayload struct {
	OrderId       string             `json:"order_id"`
	TransferId    int                `json:"transfer_id"`
	Status        string             `json:"status"`
	ApprovedBy    string             `json:"approved_by,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Lines         []transferLineWire `json:"lines"`
	SchemaVersion string             `json:"schema_version"`
}

type transferLineWire struct {
	ProductId string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type inventoryPayload struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Products  []inventoryProduct `json:"products"`
}

type inventoryProduct struct {
	ProductId string            `json:"product_id"`
	Sku       string            `json:"sku"`
	Outlets   []inventoryOutlet `json:"outlets"`
}

type inventoryOutlet struct {
	OutletId  string `json:"outlet_id"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

func linesToWire(lines []models.TransferLine) []transferLineWire {
	out := make([]transferLineWire, 0, len(lines))
	for _, l := range lines {
		out = append(out, transferLineWire{ProductId: l.ProductId, Quantity: l.QtyToTransfer})
	}
	return out
}
