package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/transfer_engine/advisor"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/mmdatafocus/transfer_engine/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

const AutoApprovedBy = "advisor_auto_approval"

// staleProcessingAfter lets a new attempt take over a chain whose worker died mid-flight.
const staleProcessingAfter = 5 * time.Minute

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrRetryScheduled is returned for a retrying chain whose next_retry_at has not passed.
	ErrRetryScheduled = errors.New("sync retry scheduled")
	// ErrSyncFailed is returned for a chain that has failed; only Resume restarts it.
	ErrSyncFailed = errors.New("sync chain failed; resume required")
)

var (
	tracer   = otel.Tracer("github.com/mmdatafocus/transfer_engine/ordersync")
	validate = validator.New()
)

type Advisor interface {
	Advise(ctx context.Context, req advisor.Request) advisor.Result
}

type OrderTransferCreator interface {
	CreateOrderTransfer(ctx context.Context, req workflow.OrderTransferRequest) (*models.Transfer, error)
}

// Coordinator owns every SyncRecord state transition.
type Coordinator struct {
	DB        *gorm.DB
	API       OrderAPI
	Transfers OrderTransferCreator
	Advisor   Advisor
	Config    config.SyncConfig
	Logger    *logrus.Logger
	Now       func() time.Time
}

func NewCoordinator(db *gorm.DB, api OrderAPI, transfers OrderTransferCreator, adv Advisor, cfg config.SyncConfig, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		DB:        db,
		API:       api,
		Transfers: transfers,
		Advisor:   adv,
		Config:    cfg,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

type syncOutcome struct {
	confidence     float64
	autoApproved   bool
	productsSynced int
	response       json.RawMessage
}

// syncStep performs the transform and external call for one attempt. It may set
// rec.TransferId; the id is kept even when the attempt fails.
type syncStep func(ctx context.Context, rec *models.SyncRecord) (*syncOutcome, error)

type syncChain struct {
	key             string
	direction       models.SyncDirection
	syncType        models.SyncType
	externalOrderId string
	transferId      *int
	payload         any
}

// SyncOutbound turns an external order into a committed transfer and acknowledges it.
func (c *Coordinator) SyncOutbound(ctx context.Context, order ExternalOrder) (*SyncResult, error) {
	if err := validate.Struct(order); err != nil {
		return nil, orderValidationError(err)
	}
	return c.start(ctx, "SyncOutbound", syncChain{
		key:             "order:" + order.ID,
		direction:       models.SyncDirectionOutbound,
		syncType:        models.SyncTypeOrder,
		externalOrderId: order.ID,
		payload:         order,
	}, c.orderStep(order))
}

// SyncStatusInbound pushes a transfer's current status and lines to the order system.
func (c *Coordinator) SyncStatusInbound(ctx context.Context, transferId int) (*SyncResult, error) {
	transfer, err := models.GetTransfer(ctx, c.DB, transferId)
	if err != nil {
		return nil, err
	}
	if transfer.ExternalOrderId == nil || *transfer.ExternalOrderId == "" {
		return nil, utils.NewValidationError("transfer_id", "transfer %d is not linked to an external order", transferId)
	}
	tid := transfer.ID
	return c.start(ctx, "SyncStatusInbound", syncChain{
		key:             fmt.Sprintf("status:%d:%s", transfer.ID, transfer.Status),
		direction:       models.SyncDirectionInbound,
		syncType:        models.SyncTypeStatus,
		externalOrderId: *transfer.ExternalOrderId,
		transferId:      &tid,
		payload:         map[string]any{"transfer_id": transfer.ID, "status": transfer.Status},
	}, c.statusStep())
}

// SyncInventory pushes per-outlet positions for productIds, or every active product.
// Each call is its own chain.
func (c *Coordinator) SyncInventory(ctx context.Context, productIds []string) (*SyncResult, error) {
	return c.start(ctx, "SyncInventory", syncChain{
		key:       "inventory:" + uuid.NewString(),
		direction: models.SyncDirectionOutbound,
		syncType:  models.SyncTypeInventory,
		payload:   map[string]any{"product_ids": productIds},
	}, c.inventoryStep(productIds))
}

// Retry re-runs a record already claimed by the retry worker.
func (c *Coordinator) Retry(ctx context.Context, rec *models.SyncRecord) (*SyncResult, error) {
	step, err := c.stepFor(rec)
	if err != nil {
		return c.fail(ctx, rec, &SyncError{Op: "Retry", Err: err}, c.now())
	}
	return c.execute(ctx, rec, step)
}

// Resume restarts a failed chain with a fresh attempt budget.
func (c *Coordinator) Resume(ctx context.Context, syncId uint) (*SyncResult, error) {
	rec, err := models.GetSyncRecord(ctx, c.DB, syncId)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case models.SyncStatusCompleted:
		return resultFromRecord(rec), nil
	case models.SyncStatusFailed, models.SyncStatusRetrying, models.SyncStatusPending:
	default:
		return resultFromRecord(rec), ErrSyncInProgress
	}

	now := c.now()
	res := c.DB.WithContext(ctx).Model(&models.SyncRecord{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(map[string]interface{}{
			"status":        models.SyncStatusProcessing,
			"retry_count":   0,
			"last_error":    nil,
			"next_retry_at": nil,
			"started_at":    now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSyncInProgress
	}
	rec.Status = models.SyncStatusProcessing
	rec.RetryCount = 0
	rec.LastError = nil
	rec.NextRetryAt = nil
	rec.StartedAt = &now

	step, err := c.stepFor(rec)
	if err != nil {
		return c.fail(ctx, rec, &SyncError{Op: "Resume", Err: err}, now)
	}
	return c.execute(ctx, rec, step)
}

// Dispatch runs a transport message.
func (c *Coordinator) Dispatch(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if req.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, req.CorrelationId)
	}
	switch req.Kind {
	case SyncKindOrder:
		if req.Order == nil {
			return nil, utils.NewValidationError("order", "order is required")
		}
		return c.SyncOutbound(ctx, *req.Order)
	case SyncKindStatus:
		return c.SyncStatusInbound(ctx, req.TransferId)
	case SyncKindInventory:
		return c.SyncInventory(ctx, req.ProductIds)
	case SyncKindResume:
		return c.Resume(ctx, req.RecordId)
	}
	return nil, utils.NewValidationError("kind", "unknown sync kind %q", req.Kind)
}

func (c *Coordinator) start(ctx context.Context, op string, chain syncChain, step syncStep) (*SyncResult, error) {
	ctx, span := tracer.Start(ctx, "ordersync."+op)
	defer span.End()
	span.SetAttributes(attribute.String("sync_key", chain.key))

	rec, err := c.begin(ctx, chain)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case models.SyncStatusCompleted:
		return resultFromRecord(rec), nil
	case models.SyncStatusFailed:
		return resultFromRecord(rec), ErrSyncFailed
	case models.SyncStatusRetrying:
		if rec.NextRetryAt != nil && rec.NextRetryAt.After(c.now()) {
			return resultFromRecord(rec), ErrRetryScheduled
		}
	}
	if err := c.claim(ctx, rec); err != nil {
		return resultFromRecord(rec), err
	}

	res, err := c.execute(ctx, rec, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// begin loads the record for chain.key, creating it at pending when absent.
func (c *Coordinator) begin(ctx context.Context, chain syncChain) (*models.SyncRecord, error) {
	rec, err := models.FindSyncRecordByKey(ctx, c.DB, chain.key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	payload, err := json.Marshal(chain.payload)
	if err != nil {
		return nil, err
	}
	rec = &models.SyncRecord{
		SyncKey:         chain.key,
		ExternalOrderId: chain.externalOrderId,
		TransferId:      chain.transferId,
		Direction:       chain.direction,
		SyncType:        chain.syncType,
		Status:          models.SyncStatusPending,
		PayloadJSON:     payload,
	}
	if err := c.DB.WithContext(ctx).Create(rec).Error; err != nil {
		// lost a race on sync_key
		if existing, ferr := models.FindSyncRecordByKey(ctx, c.DB, chain.key); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return rec, nil
}

// claim moves a pending or retrying chain to processing. A processing chain is only
// taken over once it has gone stale.
func (c *Coordinator) claim(ctx context.Context, rec *models.SyncRecord) error {
	now := c.now()
	if rec.Status == models.SyncStatusProcessing {
		if rec.StartedAt != nil && now.Sub(*rec.StartedAt) < staleProcessingAfter {
			return ErrSyncInProgress
		}
	}
	res := c.DB.WithContext(ctx).Model(&models.SyncRecord{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(map[string]interface{}{
			"status":     models.SyncStatusProcessing,
			"started_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSyncInProgress
	}
	rec.Status = models.SyncStatusProcessing
	rec.StartedAt = &now
	return nil
}

func (c *Coordinator) execute(ctx context.Context, rec *models.SyncRecord, step syncStep) (*SyncResult, error) {
	started := c.now()
	outcome, err := step(ctx, rec)
	if err != nil {
		return c.fail(ctx, rec, err, started)
	}

	now := c.now()
	elapsed := now.Sub(started).Milliseconds()
	updates := map[string]interface{}{
		"status":             models.SyncStatusCompleted,
		"transfer_id":        rec.TransferId,
		"confidence":         outcome.confidence,
		"auto_approved":      outcome.autoApproved,
		"processing_time_ms": elapsed,
		"response_json":      []byte(outcome.response),
		"last_error":         nil,
		"next_retry_at":      nil,
		"completed_at":       now,
	}
	if err := c.DB.WithContext(ctx).Model(&models.SyncRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		config.LogError(c.Logger, "coordinator.go", "execute", "MarkCompleted", rec.ID, err)
		return nil, err
	}

	rec.Status = models.SyncStatusCompleted
	rec.Confidence = outcome.confidence
	rec.AutoApproved = outcome.autoApproved
	rec.ProcessingTimeMs = elapsed
	rec.ResponseJSON = outcome.response
	rec.LastError = nil
	rec.NextRetryAt = nil
	rec.CompletedAt = &now

	c.entry(rec).Info("sync completed")
	res := resultFromRecord(rec)
	res.ProductsSynced = outcome.productsSynced
	return res, nil
}

// fail records a failed attempt. Retryable failures are rescheduled with exponential
// backoff until retry_count reaches MaxAttempts; fatal ones fail the chain at once.
func (c *Coordinator) fail(ctx context.Context, rec *models.SyncRecord, cause error, started time.Time) (*SyncResult, error) {
	se := classify(string(rec.SyncType), cause)
	now := c.now()
	msg := truncate(se.Error(), 1000)

	status := models.SyncStatusFailed
	retryCount := rec.RetryCount
	var nextRetryAt *time.Time
	if se.Retryable {
		retryCount++
		if retryCount < c.maxAttempts() {
			status = models.SyncStatusRetrying
			next := now.Add(c.Backoff(retryCount))
			nextRetryAt = &next
		}
	}

	updates := map[string]interface{}{
		"status":             status,
		"retry_count":        retryCount,
		"last_error":         msg,
		"next_retry_at":      nextRetryAt,
		"transfer_id":        rec.TransferId,
		"processing_time_ms": now.Sub(started).Milliseconds(),
	}
	if err := c.DB.WithContext(ctx).Model(&models.SyncRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		config.LogError(c.Logger, "coordinator.go", "fail", "MarkFailed", rec.ID, err)
	}

	rec.Status = status
	rec.RetryCount = retryCount
	rec.LastError = &msg
	rec.NextRetryAt = nextRetryAt
	c.entry(rec).WithField("will_retry", status == models.SyncStatusRetrying).Warn("sync attempt failed: " + msg)
	return resultFromRecord(rec), se
}

// Backoff is base * 2^retryCount, capped by MaxBackoff when set.
func (c *Coordinator) Backoff(retryCount int) time.Duration {
	base := c.Config.BaseBackoff
	if base <= 0 {
		base = 60 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if c.Config.MaxBackoff > 0 && d > c.Config.MaxBackoff {
		d = c.Config.MaxBackoff
	}
	return d
}

func (c *Coordinator) maxAttempts() int {
	if c.Config.MaxAttempts > 0 {
		return c.Config.MaxAttempts
	}
	return 3
}

func (c *Coordinator) autoApproveThreshold() float64 {
	if c.Config.AutoApproveThreshold > 0 {
		return c.Config.AutoApproveThreshold
	}
	return 0.90
}

// stepFor rebuilds the step of a stored chain from its payload.
func (c *Coordinator) stepFor(rec *models.SyncRecord) (syncStep, error) {
	switch rec.SyncType {
	case models.SyncTypeOrder:
		var order ExternalOrder
		if err := json.Unmarshal(rec.PayloadJSON, &order); err != nil {
			return nil, fmt.Errorf("decode order payload: %w", err)
		}
		return c.orderStep(order), nil
	case models.SyncTypeStatus:
		return c.statusStep(), nil
	case models.SyncTypeInventory:
		var payload struct {
			ProductIds []string `json:"product_ids"`
		}
		if err := json.Unmarshal(rec.PayloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("decode inventory payload: %w", err)
		}
		return c.inventoryStep(payload.ProductIds), nil
	}
	return nil, fmt.Errorf("unknown sync type %q", rec.SyncType)
}

func (c *Coordinator) orderStep(order ExternalOrder) syncStep {
	return func(ctx context.Context, rec *models.SyncRecord) (*syncOutcome, error) {
		recommendation, origin := c.advise(ctx, order)

		var transfer *models.Transfer
		var err error
		if rec.TransferId != nil {
			transfer, err = models.GetTransfer(ctx, c.DB, *rec.TransferId)
		} else {
			transfer, err = c.Transfers.CreateOrderTransfer(ctx, orderTransferRequest(order, recommendation.Confidence))
		}
		if err != nil {
			return nil, err
		}
		tid := transfer.ID
		rec.TransferId = &tid

		response, err := c.API.Post(ctx, EndpointAcknowledgeOrder, orderAckPayload{
			OrderId:       order.ID,
			OrderNumber:   order.Number,
			TransferId:    transfer.ID,
			Status:        string(transfer.Status),
			SourceOutlet:  transfer.SourceOutletId,
			Confidence:    recommendation.Confidence,
			Strategy:      recommendation.AllocationStrategy,
			Lines:         linesToWire(transfer.Lines),
			SchemaVersion: c.Config.SchemaVersion,
		})
		if err != nil {
			return nil, err
		}

		c.logDecision(ctx, order, transfer, recommendation, origin)

		autoApproved := false
		if recommendation.Confidence >= c.autoApproveThreshold() {
			autoApproved = c.autoApprove(ctx, transfer)
		}
		return &syncOutcome{confidence: recommendation.Confidence, autoApproved: autoApproved, response: response}, nil
	}
}

func (c *Coordinator) statusStep() syncStep {
	return func(ctx context.Context, rec *models.SyncRecord) (*syncOutcome, error) {
		if rec.TransferId == nil {
			return nil, utils.NewValidationError("transfer_id", "sync record %d has no transfer", rec.ID)
		}
		transfer, err := models.GetTransfer(ctx, c.DB, *rec.TransferId)
		if err != nil {
			return nil, err
		}
		orderId := rec.ExternalOrderId
		if transfer.ExternalOrderId != nil {
			orderId = *transfer.ExternalOrderId
		}
		response, err := c.API.Post(ctx, EndpointUpdateOrderStatus, statusUpdatePayload{
			OrderId:       orderId,
			TransferId:    transfer.ID,
			Status:        string(transfer.Status),
			ApprovedBy:    transfer.ApprovedBy,
			UpdatedAt:     transfer.UpdatedAt,
			Lines:         linesToWire(transfer.Lines),
			SchemaVersion: c.Config.SchemaVersion,
		})
		if err != nil {
			return nil, err
		}
		return &syncOutcome{response: response}, nil
	}
}

func (c *Coordinator) inventoryStep(productIds []string) syncStep {
	return func(ctx context.Context, rec *models.SyncRecord) (*syncOutcome, error) {
		var products []models.Product
		var err error
		if len(productIds) > 0 {
			products, err = models.ListProductsByIds(ctx, c.DB, productIds)
		} else {
			products, err = models.ListActiveProducts(ctx, c.DB, 0)
		}
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(products))
		for _, p := range products {
			ids = append(ids, p.ID)
		}
		byProduct := map[string][]inventoryOutlet{}
		if len(ids) > 0 {
			positions, err := models.ListInventoryPositions(ctx, c.DB, ids)
			if err != nil {
				return nil, err
			}
			for _, pos := range positions {
				byProduct[pos.ProductId] = append(byProduct[pos.ProductId], inventoryOutlet{
					OutletId:  pos.OutletId,
					OnHand:    pos.OnHand,
					Reserved:  pos.Reserved,
					Available: pos.Available(),
				})
			}
		}

		payload := inventoryPayload{Type: "inventory_update", Timestamp: c.now()}
		for _, p := range products {
			payload.Products = append(payload.Products, inventoryProduct{ProductId: p.ID, Sku: p.Sku, Outlets: byProduct[p.ID]})
		}
		response, err := c.API.Post(ctx, EndpointUpdateInventory, payload)
		if err != nil {
			return nil, err
		}
		return &syncOutcome{productsSynced: len(payload.Products), response: response}, nil
	}
}

// advise never fails: an unavailable advisor yields the fallback recommendation.
func (c *Coordinator) advise(ctx context.Context, order ExternalOrder) (advisor.Recommendation, models.AdvisorOrigin) {
	if c.Advisor == nil {
		return advisor.Fallback(), models.AdvisorOriginFallback
	}
	res := c.Advisor.Advise(ctx, advisor.Request{
		Action: "order_fulfillment",
		Context: map[string]any{
			"order_id":      order.ID,
			"order_value":   order.TotalValue.String(),
			"product_count": len(order.Items),
			"customer_type": order.CustomerType,
		},
		SessionID: advisor.NewSessionID(),
	})
	if rec, ok := res.Recommendation(); ok {
		return rec, models.AdvisorOriginAdvisor
	}
	return res.OrFallback(), models.AdvisorOriginFallback
}

func (c *Coordinator) autoApprove(ctx context.Context, transfer *models.Transfer) bool {
	if transfer.Status == models.TransferStatusApproved && transfer.ApprovedBy == AutoApprovedBy {
		return true
	}
	if _, err := models.ApproveTransfer(ctx, c.DB, transfer.ID, AutoApprovedBy, c.now()); err != nil {
		config.LogError(c.Logger, "coordinator.go", "autoApprove", "ApproveTransfer", transfer.ID, err)
		return false
	}
	return true
}

func (c *Coordinator) logDecision(ctx context.Context, order ExternalOrder, transfer *models.Transfer, rec advisor.Recommendation, origin models.AdvisorOrigin) {
	decision := models.AdvisorDecision{
		DecisionType:        "order_fulfillment",
		SourceOutletId:      transfer.SourceOutletId,
		DestinationOutletId: transfer.DestinationOutletId,
		Confidence:          rec.Confidence,
		Strategy:            rec.AllocationStrategy,
		Origin:              origin,
		Context: map[string]interface{}{
			"order_id":    order.ID,
			"transfer_id": transfer.ID,
		},
	}
	if runId, ok := utils.GetRunIdFromContext(ctx); ok {
		decision.RunId = runId
	}
	if err := models.CreateAdvisorDecisions(ctx, c.DB, []models.AdvisorDecision{decision}); err != nil {
		config.LogError(c.Logger, "coordinator.go", "logDecision", "CreateAdvisorDecisions", order.ID, err)
	}
}

func (c *Coordinator) entry(rec *models.SyncRecord) *logrus.Entry {
	logger := c.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":       "Coordinator",
		"sync_id":     rec.ID,
		"sync_key":    rec.SyncKey,
		"status":      rec.Status,
		"retry_count": rec.RetryCount,
	})
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func orderTransferRequest(order ExternalOrder, confidence float64) workflow.OrderTransferRequest {
	lines := make([]workflow.OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, workflow.OrderLine{ProductId: item.ProductId, Quantity: item.Quantity})
	}
	number := order.Number
	if number == "" {
		number = order.ID
	}
	return workflow.OrderTransferRequest{
		ExternalOrderId: order.ID,
		SourceOutlet:    order.SourceOutlet,
		DestOutlet:      order.DestinationOutlet,
		Lines:           lines,
		Notes:           "Order #" + number + " - confidence " + strconv.FormatFloat(confidence, 'f', 2, 64),
	}
}

func orderValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return utils.NewValidationError(fe.Namespace(), "failed on %s", fe.Tag())
	}
	return utils.NewValidationError("order", "%v", err)
}
