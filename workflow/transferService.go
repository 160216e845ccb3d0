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

type OrderLine struct {
	ProductId string
	Quantity  int
}

// OrderTransferRequest is an external order to be fulfilled by one transfer.
// An empty SourceOutlet lets the service pick the warehouse that covers the most units.
type OrderTransferRequest struct {
	ExternalOrderId string
	SourceOutlet    string
	DestOutlet      string
	Lines           []OrderLine
	Notes           string
	CreatedBy       string
}

// TransferService creates single transfers outside of a planning run.
type TransferService struct {
	DB     *gorm.DB
	Writer *TransferWriter
	Locker OutletLocker
	Policy config.EnginePolicy
	Logger *logrus.Logger
}

func NewTransferService(db *gorm.DB, policy config.EnginePolicy, logger *logrus.Logger) *TransferService {
	return &TransferService{DB: db, Writer: NewTransferWriter(db, logger), Policy: policy, Logger: logger}
}

// CreateOrderTransfer commits a pending transfer for an external order, with every
// line clipped to the source's available stock. An order that already has a live
// transfer returns that transfer.
func (s *TransferService) CreateOrderTransfer(ctx context.Context, req OrderTransferRequest) (*models.Transfer, error) {
	if req.ExternalOrderId == "" {
		return nil, utils.NewValidationError("order_id", "order id is required")
	}
	if req.DestOutlet == "" {
		return nil, utils.NewValidationError("dest_outlet", "destination outlet is required")
	}
	if len(req.Lines) == 0 {
		return nil, utils.NewValidationError("items", "order has no items")
	}

	existing, err := models.FindTransferByExternalOrder(ctx, s.DB, req.ExternalOrderId)
	if err == nil {
		return models.GetTransfer(ctx, s.DB, existing.ID)
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}

	dest, err := models.GetOutlet(ctx, s.DB, req.DestOutlet)
	if err != nil {
		return nil, err
	}

	quantities := map[string]int{}
	var productIds []string
	for _, line := range req.Lines {
		if line.ProductId == "" || line.Quantity <= 0 {
			return nil, utils.NewValidationError("items", "each item needs a product id and a positive quantity")
		}
		if _, seen := quantities[line.ProductId]; !seen {
			productIds = append(productIds, line.ProductId)
		}
		quantities[line.ProductId] += line.Quantity
	}

	sourceId := req.SourceOutlet
	if sourceId == "" {
		sourceId, err = s.pickSource(ctx, dest.ID, productIds, quantities)
		if err != nil {
			return nil, err
		}
	} else if _, err := models.GetOutlet(ctx, s.DB, sourceId); err != nil {
		return nil, err
	}
	if sourceId == dest.ID {
		return nil, utils.NewValidationError("source_outlet", "source and destination must differ")
	}

	if s.Locker != nil {
		release, err := s.Locker.Acquire(ctx, []string{sourceId}, s.Policy.LockTTL())
		if err != nil {
			return nil, err
		}
		defer release(context.WithoutCancel(ctx))
	}

	positions, err := models.ListOutletPositions(ctx, s.DB, sourceId, productIds)
	if err != nil {
		return nil, err
	}
	available := map[string]int{}
	for _, pos := range positions {
		available[pos.ProductId] = pos.Available()
	}

	var allocations []allocation.Allocation
	for _, productId := range productIds {
		qty := min(quantities[productId], available[productId])
		if qty <= 0 {
			continue
		}
		allocations = append(allocations, allocation.Allocation{
			SourceID:            sourceId,
			DestinationID:       dest.ID,
			ProductID:           productId,
			Quantity:            qty,
			AvailableAtSource:   available[productId],
			DemandAtDestination: quantities[productId],
		})
	}
	if len(allocations) == 0 {
		return nil, utils.ErrNothingToTransfer
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = s.Policy.CreatedBy
	}
	externalId := req.ExternalOrderId
	runId, _ := utils.GetRunIdFromContext(ctx)
	result, err := s.Writer.Write(ctx, WriteRequest{
		Allocations:     allocations,
		Mode:            WriteCommit,
		RunId:           runId,
		RunMode:         "external_order",
		Notes:           req.Notes,
		CreatedBy:       createdBy,
		TransferDate:    time.Now().UTC(),
		ExternalOrderId: &externalId,
	})
	if err != nil {
		return nil, err
	}
	transfer := result.Transfers[0]
	return &transfer, nil
}

// pickSource prefers the active warehouse that can ship the most requested units,
// lowest id on ties.
func (s *TransferService) pickSource(ctx context.Context, destId string, productIds []string, quantities map[string]int) (string, error) {
	outlets, err := models.ListOutlets(ctx, s.DB)
	if err != nil {
		return "", err
	}
	positions, err := models.ListInventoryPositions(ctx, s.DB, productIds)
	if err != nil {
		return "", err
	}
	covered := map[string]int{}
	for _, pos := range positions {
		covered[pos.OutletId] += min(pos.Available(), quantities[pos.ProductId])
	}

	best, bestUnits := "", 0
	for _, o := range outlets {
		if !o.IsWarehouse || !o.Active() || o.ID == destId {
			continue
		}
		if covered[o.ID] > bestUnits {
			best, bestUnits = o.ID, covered[o.ID]
		}
	}
	if best == "" {
		return "", utils.ErrNothingToTransfer
	}
	return best, nil
}
