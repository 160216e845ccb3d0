package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/transfer_engine/advisor"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/testutil"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLocker struct {
	scopes   [][]string
	released int
	err      error
}

func (l *fakeLocker) Acquire(_ context.Context, scopes []string, _ time.Duration) (func(context.Context), error) {
	l.scopes = append(l.scopes, scopes)
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) { l.released++ }, nil
}

// exclusiveLocker grants a lease only when none of its keys is held.
type exclusiveLocker struct {
	held map[string]bool
}

func (l *exclusiveLocker) Acquire(_ context.Context, scopes []string, _ time.Duration) (func(context.Context), error) {
	for _, s := range scopes {
		if l.held[s] {
			return nil, fmt.Errorf("%w: %s", ErrRunInProgress, s)
		}
	}
	for _, s := range scopes {
		l.held[s] = true
	}
	return func(context.Context) {
		for _, s := range scopes {
			delete(l.held, s)
		}
	}, nil
}

type fakeNotifier struct {
	runs      []string
	transfers int
	err       error
}

func (n *fakeNotifier) TransfersCommitted(_ context.Context, runId string, transfers []models.Transfer) error {
	n.runs = append(n.runs, runId)
	n.transfers += len(transfers)
	return n.err
}

type fixedAdvisor struct{ result advisor.Result }

func (a fixedAdvisor) Advise(context.Context, advisor.Request) advisor.Result { return a.result }

// seedNetwork: wh-1 holds 100 of p1; st-1 sold 60 of p1 in the window; st-2 is empty.
func seedNetwork(t *testing.T) *gorm.DB {
	t.Helper()
	db := testutil.OpenTestDB(t)
	testutil.SeedOutlet(t, db, "wh-1", true)
	testutil.SeedOutlet(t, db, "st-1", false)
	testutil.SeedOutlet(t, db, "st-2", false)
	testutil.SeedInactiveOutlet(t, db, "st-old")
	testutil.SeedProduct(t, db, "p1", "SKU-1", 10)
	testutil.SeedProduct(t, db, "p2", "SKU-2", 4)
	testutil.SeedStock(t, db, "wh-1", "p1", 100, 0)
	testutil.SeedSales(t, db, "st-1", "p1", 60, testNow)
	return db
}

func newTestOrchestrator(db *gorm.DB) *Orchestrator {
	o := NewOrchestrator(db, config.DefaultEnginePolicy(), testutil.QuietLogger())
	o.Now = func() time.Time { return testNow }
	return o
}

func TestOrchestrator_SpecificTransferCommit(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)
	locker := &fakeLocker{}
	notifier := &fakeNotifier{}
	o.Locker = locker
	o.Notifier = notifier

	res, err := o.Run(context.Background(), RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1", DestOutlet: "st-1", Notes: "weekly"})
	require.NoError(t, err)
	require.Equal(t, RunStateDone, res.State)
	require.Len(t, res.Transfers, 1)
	require.Equal(t, 1, res.TotalLines)

	stored, err := models.GetTransfer(context.Background(), db, res.FirstTransferId())
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusPending, stored.Status)
	require.Equal(t, res.RunId, stored.RunId)
	require.Equal(t, "specific_transfer", stored.RunMode)
	require.Equal(t, "transfer_engine", stored.CreatedBy)
	require.Len(t, stored.Lines, 1)
	require.Equal(t, 34, stored.Lines[0].QtyToTransfer)
	require.Equal(t, 100, stored.Lines[0].AvailableAtSource)

	require.Equal(t, [][]string{{"wh-1"}}, locker.scopes)
	require.Equal(t, 1, locker.released)
	require.Equal(t, []string{res.RunId}, notifier.runs)
	require.Equal(t, 1, notifier.transfers)
}

func TestOrchestrator_SimulateWritesNothingAndSkipsLease(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)
	locker := &fakeLocker{}
	notifier := &fakeNotifier{}
	o.Locker = locker
	o.Notifier = notifier

	res, err := o.Run(context.Background(), RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1", DestOutlet: "st-1", Simulate: true})
	require.NoError(t, err)
	require.Len(t, res.Transfers, 1)
	require.Equal(t, 34, res.Transfers[0].Lines[0].QtyToTransfer)
	require.Contains(t, res.Message, "simulated")

	require.Zero(t, testutil.CountRows(t, db, &models.Transfer{}))
	require.Empty(t, locker.scopes)
	require.Empty(t, notifier.runs)
}

func TestOrchestrator_NothingToMoveIsNotAnError(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)

	res, err := o.Run(context.Background(), RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "st-2", DestOutlet: "st-1"})
	require.NoError(t, err)
	require.Equal(t, RunStateDone, res.State)
	require.Empty(t, res.Transfers)
	require.Equal(t, "no transfers needed", res.Message)
}

func TestOrchestrator_Validation(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)
	neg := -2

	cases := []struct {
		name     string
		params   RunParams
		notFound bool
	}{
		{"no mode", RunParams{}, false},
		{"missing source", RunParams{Mode: ModeSpecificTransfer, DestOutlet: "st-1"}, false},
		{"missing destination", RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1"}, false},
		{"same outlet", RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "st-1", DestOutlet: "st-1"}, false},
		{"unknown source", RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-404", DestOutlet: "st-1"}, true},
		{"inactive destination", RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1", DestOutlet: "st-old"}, false},
		{"hub without destinations", RunParams{Mode: ModeHubToStores, SourceOutlet: "wh-1", DestOutlets: []string{"wh-1"}}, false},
		{"hub unknown destination", RunParams{Mode: ModeHubToStores, SourceOutlet: "wh-1", DestOutlets: []string{"st-1", "st-404"}}, true},
		{"seed without destination", RunParams{Mode: ModeSeedNewStore}, false},
		{"negative cover", RunParams{Mode: ModeAllStores, CoverDays: &neg}, false},
		{"negative max products", RunParams{Mode: ModeAllStores, MaxProducts: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := o.Run(context.Background(), tc.params)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if res.State != RunStateFailed {
				t.Fatalf("expected failed state, got %s", res.State)
			}
			if tc.notFound && !utils.IsNotFoundError(err) {
				t.Fatalf("expected not found, got %v", err)
			}
			if !tc.notFound && !utils.IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	require.Zero(t, testutil.CountRows(t, db, &models.Transfer{}))
}

func TestOrchestrator_AllStoresUsesBestSource(t *testing.T) {
	db := seedNetwork(t)
	testutil.SeedStock(t, db, "st-2", "p1", 30, 0)
	testutil.SeedSales(t, db, "st-2", "p2", 30, testNow)
	testutil.SeedStock(t, db, "wh-1", "p2", 3, 1)
	o := newTestOrchestrator(db)
	locker := &fakeLocker{}
	o.Locker = locker

	res, err := o.Run(context.Background(), RunParams{Mode: ModeAllStores})
	require.NoError(t, err)
	require.Equal(t, [][]string{{NetworkLockScope, "st-1", "st-2", "wh-1"}}, locker.scopes)

	byDest := map[string]models.Transfer{}
	for _, tr := range res.Transfers {
		byDest[tr.DestinationOutletId] = tr
	}
	require.Len(t, byDest, 2)
	require.Equal(t, "wh-1", byDest["st-1"].SourceOutletId)
	require.Equal(t, 34, byDest["st-1"].Lines[0].QtyToTransfer)
	// st-2 needs 17 of p2, wh-1 can spare 2
	require.Equal(t, "p2", byDest["st-2"].Lines[0].ProductId)
	require.Equal(t, 2, byDest["st-2"].Lines[0].QtyToTransfer)
}

func TestOrchestrator_HubDeduplicatesDestinations(t *testing.T) {
	db := seedNetwork(t)
	testutil.SeedSales(t, db, "st-2", "p1", 30, testNow)
	o := newTestOrchestrator(db)

	res, err := o.Run(context.Background(), RunParams{
		Mode:         ModeHubToStores,
		SourceOutlet: "wh-1",
		DestOutlets:  []string{"st-1", "st-1", "wh-1", "st-2"},
	})
	require.NoError(t, err)
	require.Len(t, res.Transfers, 2)
	require.Equal(t, "st-1", res.Transfers[0].DestinationOutletId)
	require.Equal(t, "st-2", res.Transfers[1].DestinationOutletId)
	require.Equal(t, 34, res.Transfers[0].Lines[0].QtyToTransfer)
	require.Equal(t, 17, res.Transfers[1].Lines[0].QtyToTransfer)
}

func TestOrchestrator_SeedNewStore(t *testing.T) {
	db := seedNetwork(t)
	testutil.SeedOutlet(t, db, "st-new", false)
	testutil.SeedStock(t, db, "wh-1", "p2", 2, 0)
	// st-1 stock value 4*600 = 2400 qualifies under a lowered threshold
	testutil.SeedStock(t, db, "st-1", "p2", 600, 0)

	o := newTestOrchestrator(db)
	o.Policy.HighStockThreshold = 1000

	res, err := o.Run(context.Background(), RunParams{Mode: ModeSeedNewStore, DestOutlet: "st-new"})
	require.NoError(t, err)
	require.Equal(t, []string{"wh-1", "st-1"}, res.Sources)
	require.Len(t, res.Transfers, 2)

	fromWarehouse := res.Transfers[0]
	require.Equal(t, "wh-1", fromWarehouse.SourceOutletId)
	require.Len(t, fromWarehouse.Lines, 2)
	require.Equal(t, 3, fromWarehouse.Lines[0].QtyToTransfer)
	require.Equal(t, 2, fromWarehouse.Lines[1].QtyToTransfer)

	// only the p2 shortfall is left for the store
	fromStore := res.Transfers[1]
	require.Equal(t, "st-1", fromStore.SourceOutletId)
	require.Len(t, fromStore.Lines, 1)
	require.Equal(t, "p2", fromStore.Lines[0].ProductId)
	require.Equal(t, 1, fromStore.Lines[0].QtyToTransfer)
}

func TestOrchestrator_LeaseHeldFailsWithoutWriting(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)
	o.Locker = &fakeLocker{err: fmt.Errorf("%w: wh-1", ErrRunInProgress)}

	res, err := o.Run(context.Background(), RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1", DestOutlet: "st-1"})
	require.ErrorIs(t, err, ErrRunInProgress)
	require.Equal(t, RunStateFailed, res.State)
	require.Zero(t, testutil.CountRows(t, db, &models.Transfer{}))
}

func TestOrchestrator_LogsAdvisorDecisionsAndIgnoresNotifierFailure(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)
	o.Advisor = fixedAdvisor{result: advisor.Unavailable(errors.New("advisor down"))}
	o.Notifier = &fakeNotifier{err: errors.New("broker down")}

	res, err := o.Run(context.Background(), RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1", DestOutlet: "st-1"})
	require.NoError(t, err)
	require.Equal(t, 0.5, res.Transfers[0].Lines[0].Confidence)

	var decisions []models.AdvisorDecision
	require.NoError(t, db.Find(&decisions).Error)
	require.Len(t, decisions, 1)
	require.Equal(t, res.RunId, decisions[0].RunId)
	require.Equal(t, models.AdvisorOriginFallback, decisions[0].Origin)
	require.Equal(t, "point_to_point", decisions[0].DecisionType)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeAllStores, ModeSpecificTransfer, ModeHubToStores, ModeSeedNewStore} {
		parsed, err := ParseMode(m.String())
		if err != nil || parsed != m {
			t.Fatalf("round trip %s: got %v, %v", m, parsed, err)
		}
	}
	if _, err := ParseMode("everything"); !utils.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ParseMode(""); !utils.IsValidationError(err) {
		t.Fatalf("expected validation error for empty mode, got %v", err)
	}
}

func TestOrchestrator_NetworkRunExcludesPerSourceRuns(t *testing.T) {
	db := seedNetwork(t)
	o := newTestOrchestrator(db)
	locker := &exclusiveLocker{held: map[string]bool{}}
	o.Locker = locker
	ctx := context.Background()
	specific := RunParams{Mode: ModeSpecificTransfer, SourceOutlet: "wh-1", DestOutlet: "st-1"}

	// a network run in flight on another instance
	release, err := o.acquire(ctx, RunParams{Mode: ModeAllStores})
	require.NoError(t, err)
	_, err = o.Run(ctx, specific)
	require.ErrorIs(t, err, ErrRunInProgress)
	require.Zero(t, testutil.CountRows(t, db, &models.Transfer{}))
	release(ctx)

	// a per-source run in flight blocks a seed run
	release, err = o.acquire(ctx, specific)
	require.NoError(t, err)
	_, err = o.Run(ctx, RunParams{Mode: ModeSeedNewStore, DestOutlet: "st-2"})
	require.ErrorIs(t, err, ErrRunInProgress)
	release(ctx)

	res, err := o.Run(ctx, specific)
	require.NoError(t, err)
	require.Len(t, res.Transfers, 1)
	require.Empty(t, locker.held)
}
