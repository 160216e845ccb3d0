package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/transfer_engine/allocation"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/testutil"
	"github.com/mmdatafocus/transfer_engine/utils"
	"gorm.io/gorm"
)

func sampleAllocations() []allocation.Allocation {
	return []allocation.Allocation{
		{SourceID: "wh-1", DestinationID: "st-1", ProductID: "p1", Quantity: 34, AvailableAtSource: 100, DemandAtDestination: 34, Confidence: 0.5},
		{SourceID: "wh-1", DestinationID: "st-2", ProductID: "p1", Quantity: 5, AvailableAtSource: 100, DemandAtDestination: 5, Confidence: 0.5},
		{SourceID: "wh-1", DestinationID: "st-1", ProductID: "p2", Quantity: 7, AvailableAtSource: 9, DemandAtDestination: 12, Confidence: 0.5},
		{SourceID: "wh-1", DestinationID: "st-1", ProductID: "p3", Quantity: 0, AvailableAtSource: 0, DemandAtDestination: 4},
	}
}

func TestTransferWriter_CommitGroupsByPair(t *testing.T) {
	db := testutil.OpenTestDB(t)
	w := NewTransferWriter(db, testutil.QuietLogger())

	res, err := w.Write(context.Background(), WriteRequest{
		Allocations:  sampleAllocations(),
		Mode:         WriteCommit,
		RunId:        "run-1",
		RunMode:      "all_stores",
		CreatedBy:    "tester",
		TransferDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Simulated || len(res.Transfers) != 2 || res.TotalLines() != 3 {
		t.Fatalf("unexpected result: simulated=%v transfers=%d lines=%d", res.Simulated, len(res.Transfers), res.TotalLines())
	}

	first, err := models.GetTransfer(context.Background(), db, res.Transfers[0].ID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if first.DestinationOutletId != "st-1" || first.Status != models.TransferStatusPending || first.TotalQuantity != 41 {
		t.Fatalf("unexpected header %+v", first)
	}
	if len(first.Lines) != 2 || first.Lines[0].ProductId != "p1" || first.Lines[1].ProductId != "p2" {
		t.Fatalf("unexpected lines %+v", first.Lines)
	}
	if first.Lines[1].MinQtyToRemain != 2 || first.Lines[1].DemandForecast != 12 {
		t.Fatalf("unexpected line provenance %+v", first.Lines[1])
	}
}

func TestTransferWriter_SimulateIsNeverVisible(t *testing.T) {
	db := testutil.OpenTestDB(t)
	w := NewTransferWriter(db, testutil.QuietLogger())

	res, err := w.Write(context.Background(), WriteRequest{Allocations: sampleAllocations(), Mode: WriteSimulate, RunId: "run-sim"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !res.Simulated || len(res.Transfers) != 2 {
		t.Fatalf("expected a 2-transfer preview, got %+v", res)
	}
	for _, tr := range res.Transfers {
		if tr.Status != models.TransferStatusDraft || !tr.IsSimulated {
			t.Fatalf("preview should be a simulated draft: %+v", tr)
		}
	}

	if n := testutil.CountRows(t, db, &models.Transfer{}); n != 0 {
		t.Fatalf("expected no transfers after simulate, got %d", n)
	}
	if n := testutil.CountRows(t, db, &models.TransferLine{}); n != 0 {
		t.Fatalf("expected no lines after simulate, got %d", n)
	}
	if _, err := models.GetTransfer(context.Background(), db, res.Transfers[0].ID); !utils.IsNotFoundError(err) {
		t.Fatalf("expected not found for preview id, got %v", err)
	}
}

func TestTransferWriter_LineFailureRollsBackRun(t *testing.T) {
	db := testutil.OpenTestDB(t)
	injected := errors.New("disk full")
	calls := 0
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_second_lines", func(tx *gorm.DB) {
		if tx.Statement.Table == "transfer_lines" {
			calls++
			if calls == 2 {
				_ = tx.AddError(injected)
			}
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	w := NewTransferWriter(db, testutil.QuietLogger())
	_, err = w.Write(context.Background(), WriteRequest{Allocations: sampleAllocations(), Mode: WriteCommit, RunId: "run-fail"})
	if !utils.IsPersistenceError(err) || !errors.Is(err, injected) {
		t.Fatalf("expected persistence error wrapping the injected failure, got %v", err)
	}
	if n := testutil.CountRows(t, db, &models.Transfer{}); n != 0 {
		t.Fatalf("expected the first transfer to be rolled back too, got %d headers", n)
	}
	if n := testutil.CountRows(t, db, &models.TransferLine{}); n != 0 {
		t.Fatalf("expected no lines, got %d", n)
	}
}

func TestTransferWriter_EmptyAllocationsWriteNothing(t *testing.T) {
	db := testutil.OpenTestDB(t)
	res, err := NewTransferWriter(db, nil).Write(context.Background(), WriteRequest{Mode: WriteCommit})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(res.Transfers) != 0 || res.TotalLines() != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}
