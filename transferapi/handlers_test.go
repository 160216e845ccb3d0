package transferapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/mmdatafocus/transfer_engine/testutil"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/mmdatafocus/transfer_engine/workflow"
	"gorm.io/gorm"
)

type fakeRunner struct {
	got    workflow.RunParams
	result *workflow.RunResult
	err    error
}

func (r *fakeRunner) Run(_ context.Context, params workflow.RunParams) (*workflow.RunResult, error) {
	r.got = params
	if r.err != nil {
		return nil, r.err
	}
	res := *r.result
	res.Mode = params.Mode
	res.Simulate = params.Simulate
	return &res, nil
}

type fakeSync struct {
	result *ordersync.SyncResult
	err    error
	calls  []string
}

func (s *fakeSync) Dispatch(context.Context, ordersync.SyncRequest) (*ordersync.SyncResult, error) {
	s.calls = append(s.calls, "dispatch")
	return s.result, s.err
}

func (s *fakeSync) SyncOutbound(_ context.Context, order ordersync.ExternalOrder) (*ordersync.SyncResult, error) {
	s.calls = append(s.calls, "order:"+order.ID)
	return s.result, s.err
}

func (s *fakeSync) SyncStatusInbound(_ context.Context, id int) (*ordersync.SyncResult, error) {
	s.calls = append(s.calls, fmt.Sprintf("status:%d", id))
	return s.result, s.err
}

func (s *fakeSync) SyncInventory(_ context.Context, ids []string) (*ordersync.SyncResult, error) {
	s.calls = append(s.calls, "inventory:"+strings.Join(ids, ","))
	return s.result, s.err
}

func (s *fakeSync) Resume(_ context.Context, id uint) (*ordersync.SyncResult, error) {
	s.calls = append(s.calls, fmt.Sprintf("resume:%d", id))
	return s.result, s.err
}

func committedResult() *workflow.RunResult {
	return &workflow.RunResult{
		RunId:      "run-1",
		State:      workflow.RunStateDone,
		TotalLines: 1,
		Message:    "created 1 transfer(s) with 1 line(s)",
		Transfers: []models.Transfer{{
			ID:                  42,
			SourceOutletId:      "wh-1",
			DestinationOutletId: "st-1",
			Status:              models.TransferStatusPending,
			TotalQuantity:       34,
			Lines:               []models.TransferLine{{ProductId: "p1", QtyToTransfer: 34, MinQtyToRemain: 66, DemandForecast: 34, AvailableAtSource: 100, Confidence: 0.5}},
		}},
	}
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func TestRunTransfers_DefaultsToSimulate(t *testing.T) {
	runner := &fakeRunner{result: committedResult()}
	r := newRouter(&Handler{Runs: runner, Logger: testutil.QuietLogger()})

	w, body := do(t, r, http.MethodGet, "/api/transfers/run?mode=specific_transfer&source_outlet=wh-1&dest_outlet=st-1&cover=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !runner.got.Simulate {
		t.Fatalf("simulate should default to on")
	}
	if runner.got.CoverDays == nil || *runner.got.CoverDays != 10 {
		t.Fatalf("cover not passed: %+v", runner.got.CoverDays)
	}
	if body["simulate_mode"] != true {
		t.Fatalf("simulate_mode = %v", body["simulate_mode"])
	}
	if _, ok := body["transfer_id"]; ok {
		t.Fatalf("simulated run must not expose a transfer id")
	}
	lines := body["lines"].([]any)
	if len(lines) != 1 || lines[0].(map[string]any)["qty_to_transfer"] != float64(34) {
		t.Fatalf("lines = %v", lines)
	}
}

func TestRunTransfers_CommitJSON(t *testing.T) {
	runner := &fakeRunner{result: committedResult()}
	r := newRouter(&Handler{Runs: runner, Logger: testutil.QuietLogger()})

	w, body := do(t, r, http.MethodPost, "/api/transfers/run",
		`{"mode":"hub_to_stores","source_outlet":"wh-1","dest_outlets":["st-1,st-2","st-3"],"simulate":0,"buffer_pct":25}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if runner.got.Mode != workflow.ModeHubToStores || runner.got.Simulate {
		t.Fatalf("params = %+v", runner.got)
	}
	if got := strings.Join(runner.got.DestOutlets, "|"); got != "st-1|st-2|st-3" {
		t.Fatalf("dest outlets = %s", got)
	}
	if runner.got.BufferPct == nil || runner.got.BufferPct.IntPart() != 25 {
		t.Fatalf("buffer pct = %v", runner.got.BufferPct)
	}
	if body["transfer_id"] != float64(42) || body["run_id"] != "run-1" || body["success"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestSeedStore_ForcesMode(t *testing.T) {
	runner := &fakeRunner{result: &workflow.RunResult{RunId: "run-2", Message: "no transfers needed"}}
	r := newRouter(&Handler{Runs: runner, Logger: testutil.QuietLogger()})

	w, body := do(t, r, http.MethodPost, "/api/transfers/seed", `{"mode":"all_stores","dest_outlet":"st-new"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if runner.got.Mode != workflow.ModeSeedNewStore {
		t.Fatalf("mode = %v", runner.got.Mode)
	}
	if body["total_lines"] != float64(0) || len(body["lines"].([]any)) != 0 {
		t.Fatalf("body = %v", body)
	}
}

func TestRunTransfers_ErrorEnvelope(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		err    error
		status int
	}{
		{"unknown mode", "mode=everything", nil, http.StatusBadRequest},
		{"bad simulate", "mode=all_stores&simulate=2", nil, http.StatusBadRequest},
		{"validation", "mode=all_stores", utils.NewValidationError("dest_outlet", "inactive"), http.StatusBadRequest},
		{"not found", "mode=all_stores", utils.NewNotFoundError("outlet", "st-x"), http.StatusNotFound},
		{"lease held", "mode=all_stores", workflow.ErrRunInProgress, http.StatusConflict},
		{"persistence", "mode=all_stores", utils.NewPersistenceError("write transfers", fmt.Errorf("disk full")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DEBUG_MODE", "")
			runner := &fakeRunner{result: committedResult(), err: tc.err}
			r := newRouter(&Handler{Runs: runner, Logger: testutil.QuietLogger()})

			w, body := do(t, r, http.MethodGet, "/api/transfers/run?"+tc.query, "")
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if body["success"] != false || body["error"] == "" {
				t.Fatalf("body = %v", body)
			}
			if _, ok := body["debug"]; ok {
				t.Fatalf("debug must be hidden unless DEBUG_MODE is on")
			}
			if tc.status == http.StatusInternalServerError && body["error"] != "internal server error" {
				t.Fatalf("internal error leaked: %v", body["error"])
			}
		})
	}
}

func TestRunRequest_ParamsReportsFirstFieldInNameOrder(t *testing.T) {
	neg, bad := -1, 5
	req := RunRequest{Mode: "all_stores", Simulate: &bad, Cover: &neg, MaxProducts: -1, Notes: strings.Repeat("n", 1001)}
	for i := 0; i < 20; i++ {
		_, err := req.Params()
		var verr *utils.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if verr.Field != "Cover" || verr.Message != "failed on min" {
			t.Fatalf("attempt %d: field = %q message = %q", i, verr.Field, verr.Message)
		}
	}
}

func TestRunTransfers_DebugEnvelope(t *testing.T) {
	t.Setenv("DEBUG_MODE", "true")
	runner := &fakeRunner{err: utils.NewPersistenceError("write transfers", fmt.Errorf("disk full"))}
	r := newRouter(&Handler{Runs: runner, Logger: testutil.QuietLogger()})

	_, body := do(t, r, http.MethodGet, "/api/transfers/run?mode=all_stores", "")
	debug, ok := body["debug"].(map[string]any)
	if !ok || !strings.Contains(debug["detail"].(string), "disk full") {
		t.Fatalf("debug = %v", body["debug"])
	}
}

func seededTransfer(t *testing.T, db *gorm.DB, simulated bool) int {
	t.Helper()
	tr := models.Transfer{
		SourceOutletId:      "wh-1",
		DestinationOutletId: "st-1",
		TransferDate:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:              models.TransferStatusPending,
		IsSimulated:         simulated,
		TotalQuantity:       5,
		Lines:               []models.TransferLine{{LineNo: 1, ProductId: "p1", QtyToTransfer: 5}},
	}
	if err := db.Create(&tr).Error; err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	return tr.ID
}

func TestGetTransfer(t *testing.T) {
	db := testutil.OpenTestDB(t)
	live := seededTransfer(t, db, false)
	simulated := seededTransfer(t, db, true)
	r := newRouter(&Handler{DB: db, Logger: testutil.QuietLogger()})

	w, body := do(t, r, http.MethodGet, fmt.Sprintf("/api/transfers/%d", live), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	transfer := body["transfer"].(map[string]any)
	if len(transfer["lines"].([]any)) != 1 {
		t.Fatalf("transfer = %v", transfer)
	}

	if w, _ := do(t, r, http.MethodGet, fmt.Sprintf("/api/transfers/%d", simulated), ""); w.Code != http.StatusNotFound {
		t.Fatalf("simulated transfer status = %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodGet, "/api/transfers/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}
}

func TestSyncRoutes(t *testing.T) {
	tid := 42
	sync := &fakeSync{result: &ordersync.SyncResult{Success: true, SyncId: 7, Status: models.SyncStatusCompleted, TransferId: &tid}}
	r := newRouter(&Handler{Sync: sync, Logger: testutil.QuietLogger()})

	order := `{"id":"WEB-1","destination_outlet":"st-1","items":[{"product_id":"p1","quantity":2}]}`
	if w, body := do(t, r, http.MethodPost, "/api/sync/orders", order); w.Code != http.StatusOK || body["sync_id"] != float64(7) {
		t.Fatalf("orders: %d %v", w.Code, body)
	}
	if w, _ := do(t, r, http.MethodPost, "/api/sync/transfers/42/status", ""); w.Code != http.StatusOK {
		t.Fatalf("status sync: %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/api/sync/inventory", `{"product_ids":["p1","p1","p2"]}`); w.Code != http.StatusOK {
		t.Fatalf("inventory: %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/api/sync/inventory", ""); w.Code != http.StatusOK {
		t.Fatalf("inventory without body: %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/api/sync/records/7/resume", ""); w.Code != http.StatusOK {
		t.Fatalf("resume: %d", w.Code)
	}

	want := []string{"order:WEB-1", "status:42", "inventory:p1,p2", "inventory:", "resume:7"}
	if strings.Join(sync.calls, " ") != strings.Join(want, " ") {
		t.Fatalf("calls = %v", sync.calls)
	}
}

func TestSyncRoutes_FailureCarriesRecord(t *testing.T) {
	sync := &fakeSync{
		result: &ordersync.SyncResult{SyncId: 9, Status: models.SyncStatusRetrying, RetryCount: 1},
		err:    &ordersync.SyncError{Op: "order", Retryable: true, Err: &ordersync.HTTPStatusError{StatusCode: 503}},
	}
	r := newRouter(&Handler{Sync: sync, Logger: testutil.QuietLogger()})

	w, body := do(t, r, http.MethodPost, "/api/sync/transfers/5/status", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	rec := body["sync"].(map[string]any)
	if rec["status"] != "retrying" || rec["retry_count"] != float64(1) {
		t.Fatalf("sync = %v", rec)
	}

	sync.result, sync.err = nil, ordersync.ErrSyncInProgress
	if w, _ := do(t, r, http.MethodPost, "/api/sync/records/9/resume", ""); w.Code != http.StatusConflict {
		t.Fatalf("in progress status = %d", w.Code)
	}

	sync.err = ordersync.ErrRetryScheduled
	if w, _ := do(t, r, http.MethodPost, "/api/sync/transfers/5/status", ""); w.Code != http.StatusConflict {
		t.Fatalf("retry scheduled status = %d", w.Code)
	}
}

func TestGetSyncRecord(t *testing.T) {
	db := testutil.OpenTestDB(t)
	rec := models.SyncRecord{SyncKey: "order:WEB-1", Direction: models.SyncDirectionOutbound, SyncType: models.SyncTypeOrder, Status: models.SyncStatusPending}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newRouter(&Handler{DB: db, Logger: testutil.QuietLogger()})

	w, body := do(t, r, http.MethodGet, fmt.Sprintf("/api/sync/records/%d", rec.ID), "")
	if w.Code != http.StatusOK || body["record"].(map[string]any)["sync_key"] != "order:WEB-1" {
		t.Fatalf("%d %v", w.Code, body)
	}
	if w, _ := do(t, r, http.MethodGet, "/api/sync/records/999", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", w.Code)
	}
}
