package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/transfer_engine/advisor"
	"github.com/mmdatafocus/transfer_engine/allocation"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/transfer_engine/workflow")

// TransferNotifier is told about transfers after their run committed.
type TransferNotifier interface {
	TransfersCommitted(ctx context.Context, runId string, transfers []models.Transfer) error
}

// Orchestrator runs one transfer allocation end to end:
// validating -> planning -> writing -> done, or failed with nothing committed.
type Orchestrator struct {
	DB        *gorm.DB
	Snapshots SnapshotProvider
	Writer    *TransferWriter
	Advisor   allocation.Advisor
	Locker    OutletLocker
	Notifier  TransferNotifier
	Policy    config.EnginePolicy
	Logger    *logrus.Logger
	Now       func() time.Time
}

func NewOrchestrator(db *gorm.DB, policy config.EnginePolicy, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		DB:        db,
		Snapshots: NewDBSnapshotProvider(db, policy.WindowDays),
		Writer:    NewTransferWriter(db, logger),
		Policy:    policy,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	runId := uuid.NewString()
	ctx = utils.SetRunIdInContext(ctx, runId)
	ctx, span := tracer.Start(ctx, "transfer.run", trace.WithAttributes(
		attribute.String("run_id", runId),
		attribute.String("mode", params.Mode.String()),
		attribute.Bool("simulate", params.Simulate),
	))
	defer span.End()

	result := &RunResult{RunId: runId, Mode: params.Mode, Simulate: params.Simulate, State: RunStateValidating}
	logger := o.runLogger(runId, params)

	fail := func(stage string, err error) (*RunResult, error) {
		result.State = RunStateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(o.Logger, "orchestrator.go", "Run", stage, runId, err)
		return result, err
	}

	params, overrides, err := o.validate(ctx, params)
	if err != nil {
		return fail("Validate", err)
	}

	if !params.Simulate {
		release, err := o.acquire(ctx, params)
		if err != nil {
			return fail("AcquireLease", err)
		}
		defer release(context.WithoutCancel(ctx))
	}

	result.State = RunStatePlanning
	allocations, planner, sources, err := o.plan(ctx, params, overrides)
	if err != nil {
		return fail("Plan", err)
	}
	result.Sources = sources

	result.State = RunStateWriting
	written, err := o.write(ctx, runId, params, allocations)
	if err != nil {
		return fail("Write", err)
	}

	result.State = RunStateDone
	result.Transfers = written.Transfers
	result.TotalLines = written.TotalLines()
	result.Message = runMessage(params, written)
	logger.WithFields(logrus.Fields{
		"transfers": len(written.Transfers),
		"lines":     result.TotalLines,
	}).Info(result.Message)

	if !params.Simulate && len(written.Transfers) > 0 {
		o.afterCommit(ctx, runId, planner, written.Transfers)
	}
	return result, nil
}

func (o *Orchestrator) runLogger(runId string, params RunParams) *logrus.Entry {
	logger := o.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":    "Orchestrator",
		"run_id":   runId,
		"mode":     params.Mode.String(),
		"simulate": params.Simulate,
	})
}

// validate checks ids and overrides. Hub destinations are de-duplicated and the
// source removed from them.
func (o *Orchestrator) validate(ctx context.Context, params RunParams) (RunParams, allocation.Overrides, error) {
	_, span := tracer.Start(ctx, "transfer.validate")
	defer span.End()

	overrides := allocation.Overrides{
		CoverDays: params.CoverDays,
		BufferPct: params.BufferPct,
		FloorQty:  params.FloorQty,
	}
	if err := overrides.Validate(); err != nil {
		return params, overrides, err
	}
	if params.MaxProducts < 0 {
		return params, overrides, utils.NewValidationError("max_products", "must be >= 0")
	}

	switch params.Mode {
	case ModeAllStores:
	case ModeSpecificTransfer:
		if params.SourceOutlet == "" {
			return params, overrides, utils.NewValidationError("source_outlet", "source_outlet is required for %s", params.Mode)
		}
		if params.DestOutlet == "" {
			return params, overrides, utils.NewValidationError("dest_outlet", "dest_outlet is required for %s", params.Mode)
		}
		if params.SourceOutlet == params.DestOutlet {
			return params, overrides, utils.NewValidationError("dest_outlet", "source and destination must differ")
		}
		if err := o.requireOutlets(ctx, params.SourceOutlet, params.DestOutlet); err != nil {
			return params, overrides, err
		}
	case ModeHubToStores:
		if params.SourceOutlet == "" {
			return params, overrides, utils.NewValidationError("source_outlet", "source_outlet is required for %s", params.Mode)
		}
		var dests []string
		for _, id := range utils.UniqueSlice(params.DestOutlets) {
			if id != "" && id != params.SourceOutlet {
				dests = append(dests, id)
			}
		}
		if len(dests) == 0 {
			return params, overrides, utils.NewValidationError("dest_outlets", "at least one destination other than the source is required")
		}
		params.DestOutlets = dests
		if err := o.requireOutlets(ctx, append([]string{params.SourceOutlet}, dests...)...); err != nil {
			return params, overrides, err
		}
	case ModeSeedNewStore:
		if params.DestOutlet == "" {
			return params, overrides, utils.NewValidationError("dest_outlet", "dest_outlet is required for %s", params.Mode)
		}
		if err := o.requireOutlets(ctx, params.DestOutlet); err != nil {
			return params, overrides, err
		}
	default:
		return params, overrides, utils.NewValidationError("mode", "unknown mode")
	}
	return params, overrides, nil
}

func (o *Orchestrator) requireOutlets(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		outlet, err := models.GetOutlet(ctx, o.DB, id)
		if err != nil {
			return err
		}
		if !outlet.Active() {
			return utils.NewValidationError("outlet", "outlet %s is inactive", id)
		}
	}
	return nil
}

func (o *Orchestrator) acquire(ctx context.Context, params RunParams) (func(context.Context), error) {
	if o.Locker == nil {
		o.runLogger("", params).Warn("no outlet locker configured; proceeding without lease")
		return func(context.Context) {}, nil
	}
	scope, err := o.leaseScope(ctx, params)
	if err != nil {
		return nil, err
	}
	return o.Locker.Acquire(ctx, scope, o.Policy.LockTTL())
}

// leaseScope is the source outlet for point-to-point and hub runs. Runs that may draw
// from any outlet lease the network key plus every active outlet, so they exclude
// per-source runs and order transfers on the same outlets.
func (o *Orchestrator) leaseScope(ctx context.Context, params RunParams) ([]string, error) {
	if params.Mode == ModeSpecificTransfer || params.Mode == ModeHubToStores {
		return []string{params.SourceOutlet}, nil
	}
	outlets, err := models.ListOutlets(ctx, o.DB)
	if err != nil {
		return nil, utils.NewPersistenceError("list outlets", err)
	}
	scope := []string{NetworkLockScope}
	for _, outlet := range outlets {
		if outlet.Active() {
			scope = append(scope, outlet.ID)
		}
	}
	return scope, nil
}

func (o *Orchestrator) plan(ctx context.Context, params RunParams, overrides allocation.Overrides) ([]allocation.Allocation, *allocation.Planner, []string, error) {
	ctx, span := tracer.Start(ctx, "transfer.plan")
	defer span.End()

	snap, err := o.Snapshots.Load(ctx, params.MaxProducts, o.now())
	if err != nil {
		return nil, nil, nil, err
	}
	fanOut, err := allocation.ParseFanOutPolicy(o.Policy.FanOutPolicy)
	if err != nil {
		return nil, nil, nil, utils.NewValidationError("fanout_policy", "%v", err)
	}
	regular, seed := allocation.PoliciesFromConfig(o.Policy)
	policyFor := func(dest allocation.Outlet) allocation.Policy {
		return allocation.ResolvePolicy(regular, dest, overrides)
	}

	planner := allocation.NewPlanner(snap, allocation.PlannerOptions{
		Advisor:   o.Advisor,
		FanOut:    fanOut,
		SessionID: advisor.NewSessionID(),
	})
	products := snap.Products()

	switch params.Mode {
	case ModeAllStores:
		return planner.Broadcast(ctx, products, policyFor), planner, nil, nil
	case ModeSpecificTransfer:
		src, _ := snap.Outlet(params.SourceOutlet)
		dest, _ := snap.Outlet(params.DestOutlet)
		return planner.PointToPoint(ctx, src, dest, products, policyFor(dest)), planner, []string{src.ID}, nil
	case ModeHubToStores:
		src, _ := snap.Outlet(params.SourceOutlet)
		dests := make([]allocation.Outlet, 0, len(params.DestOutlets))
		for _, id := range params.DestOutlets {
			d, _ := snap.Outlet(id)
			dests = append(dests, d)
		}
		return planner.FanOut(ctx, src, dests, products, policyFor), planner, []string{src.ID}, nil
	case ModeSeedNewStore:
		dest, _ := snap.Outlet(params.DestOutlet)
		sources := SeedSources(snap, dest.ID, decimal.NewFromFloat(o.Policy.HighStockThreshold))
		ids := make([]string, 0, len(sources))
		for _, s := range sources {
			ids = append(ids, s.ID)
		}
		return planner.Seed(ctx, sources, dest, products, allocation.ResolvePolicy(seed, dest, overrides), allocation.SeedLimitsFromConfig(o.Policy)), planner, ids, nil
	}
	return nil, nil, nil, utils.NewValidationError("mode", "unknown mode")
}

// SeedSources returns the active warehouses followed by the active stores whose
// stock value exceeds threshold, excluding the destination.
func SeedSources(snap *allocation.Snapshot, destId string, threshold decimal.Decimal) []allocation.Outlet {
	var sources []allocation.Outlet
	for _, w := range snap.Warehouses() {
		if w.ID != destId {
			sources = append(sources, w)
		}
	}
	for _, s := range snap.Stores() {
		if s.ID != destId && snap.StockValue(s.ID).GreaterThan(threshold) {
			sources = append(sources, s)
		}
	}
	return sources
}

func (o *Orchestrator) write(ctx context.Context, runId string, params RunParams, allocations []allocation.Allocation) (*TransferResult, error) {
	ctx, span := tracer.Start(ctx, "transfer.write", trace.WithAttributes(attribute.Int("allocations", len(allocations))))
	defer span.End()

	mode := WriteCommit
	if params.Simulate {
		mode = WriteSimulate
	}
	createdBy := params.CreatedBy
	if createdBy == "" {
		createdBy = o.Policy.CreatedBy
	}
	return o.Writer.Write(ctx, WriteRequest{
		Allocations:  allocations,
		Mode:         mode,
		RunId:        runId,
		RunMode:      params.Mode.String(),
		Notes:        params.Notes,
		CreatedBy:    createdBy,
		TransferDate: o.now(),
	})
}

// afterCommit logs advisor decisions and notifies the sync transport. Neither can
// fail the run.
func (o *Orchestrator) afterCommit(ctx context.Context, runId string, planner *allocation.Planner, transfers []models.Transfer) {
	if planner != nil {
		var decisions []models.AdvisorDecision
		for _, d := range planner.Decisions() {
			if d.Origin == allocation.OriginNone {
				continue
			}
			decisions = append(decisions, models.AdvisorDecision{
				RunId:               runId,
				SessionId:           planner.SessionID(),
				DecisionType:        d.Action,
				SourceOutletId:      d.SourceID,
				DestinationOutletId: d.DestinationID,
				Confidence:          d.Confidence,
				Strategy:            d.Strategy,
				Origin:              models.AdvisorOrigin(d.Origin),
				Context:             map[string]interface{}{"lines": d.Lines},
			})
		}
		if err := models.CreateAdvisorDecisions(ctx, o.DB, decisions); err != nil {
			config.LogError(o.Logger, "orchestrator.go", "afterCommit", "CreateAdvisorDecisions", runId, err)
		}
	}
	if o.Notifier != nil {
		if err := o.Notifier.TransfersCommitted(ctx, runId, transfers); err != nil {
			config.LogError(o.Logger, "orchestrator.go", "afterCommit", "TransfersCommitted", runId, err)
		}
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func runMessage(params RunParams, written *TransferResult) string {
	if len(written.Transfers) == 0 {
		return "no transfers needed"
	}
	verb := "created"
	if params.Simulate {
		verb = "simulated"
	}
	return fmt.Sprintf("%s %d transfer(s) with %d line(s)", verb, len(written.Transfers), written.TotalLines())
}
