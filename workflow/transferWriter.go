package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/transfer_engine/allocation"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type WriteMode int

const (
	// WriteSimulate writes inside a transaction that is always rolled back.
	WriteSimulate WriteMode = iota
	// WriteCommit writes pending transfers and commits.
	WriteCommit
)

func (m WriteMode) String() string {
	if m == WriteCommit {
		return "commit"
	}
	return "simulate"
}

type WriteRequest struct {
	Allocations     []allocation.Allocation
	Mode            WriteMode
	RunId           string
	RunMode         string
	Notes           string
	CreatedBy       string
	TransferDate    time.Time
	ExternalOrderId *string
}

type TransferResult struct {
	Transfers []models.Transfer
	Simulated bool
}

func (r *TransferResult) TotalLines() int {
	n := 0
	for _, t := range r.Transfers {
		n += len(t.Lines)
	}
	return n
}

var errSimulationRollback = errors.New("simulation rollback")

// TransferWriter owns the transaction boundary of a run's write phase.
type TransferWriter struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewTransferWriter(db *gorm.DB, logger *logrus.Logger) *TransferWriter {
	return &TransferWriter{DB: db, Logger: logger}
}

// Write groups allocations by (source, destination) in first-seen order and writes
// one transfer per group, all inside one transaction. In simulate mode the returned
// transfers carry the ids they would have had; nothing is visible afterwards.
func (w *TransferWriter) Write(ctx context.Context, req WriteRequest) (*TransferResult, error) {
	transfers := groupTransfers(req)
	result := &TransferResult{Simulated: req.Mode == WriteSimulate}
	if len(transfers) == 0 {
		return result, nil
	}

	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range transfers {
			t := &transfers[i]
			if err := tx.Omit("Lines").Create(t).Error; err != nil {
				config.LogError(w.Logger, "transferWriter.go", "Write", "CreateTransfer", t.SourceOutletId+"->"+t.DestinationOutletId, err)
				return err
			}
			for j := range t.Lines {
				t.Lines[j].TransferId = t.ID
			}
			if err := tx.Create(&t.Lines).Error; err != nil {
				config.LogError(w.Logger, "transferWriter.go", "Write", "CreateTransferLines", t.ID, err)
				return err
			}
		}
		if req.Mode == WriteSimulate {
			return errSimulationRollback
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSimulationRollback) {
		return nil, utils.NewPersistenceError("write transfers", err)
	}

	result.Transfers = transfers
	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"run_id":    req.RunId,
			"mode":      req.Mode.String(),
			"transfers": len(transfers),
			"lines":     result.TotalLines(),
		}).Info("transfers written")
	}
	return result, nil
}

func groupTransfers(req WriteRequest) []models.Transfer {
	status := models.TransferStatusPending
	if req.Mode == WriteSimulate {
		status = models.TransferStatusDraft
	}
	date := req.TransferDate
	if date.IsZero() {
		date = time.Now().UTC()
	}

	type pairKey struct{ source, dest string }
	index := map[pairKey]int{}
	var transfers []models.Transfer
	for _, a := range req.Allocations {
		if a.Quantity <= 0 {
			continue
		}
		k := pairKey{a.SourceID, a.DestinationID}
		i, ok := index[k]
		if !ok {
			i = len(transfers)
			index[k] = i
			transfers = append(transfers, models.Transfer{
				SourceOutletId:      a.SourceID,
				DestinationOutletId: a.DestinationID,
				TransferDate:        date,
				Notes:               req.Notes,
				CreatedBy:           req.CreatedBy,
				Status:              status,
				IsSimulated:         req.Mode == WriteSimulate,
				RunMode:             req.RunMode,
				RunId:               req.RunId,
				ExternalOrderId:     req.ExternalOrderId,
			})
		}
		t := &transfers[i]
		t.Lines = append(t.Lines, models.TransferLine{
			LineNo:            len(t.Lines) + 1,
			ProductId:         a.ProductID,
			QtyToTransfer:     a.Quantity,
			MinQtyToRemain:    max(a.AvailableAtSource-a.Quantity, 0),
			DemandForecast:    a.DemandAtDestination,
			AvailableAtSource: a.AvailableAtSource,
			Confidence:        a.Confidence,
		})
		t.TotalQuantity += a.Quantity
	}
	return transfers
}
