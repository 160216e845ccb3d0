package workflow

import (
	"strings"

	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/shopspring/decimal"
)

// Mode selects the planning strategy of a run. There is no default mode.
type Mode int

const (
	ModeAllStores Mode = iota + 1
	ModeSpecificTransfer
	ModeHubToStores
	ModeSeedNewStore
)

func (m Mode) String() string {
	switch m {
	case ModeAllStores:
		return "all_stores"
	case ModeSpecificTransfer:
		return "specific_transfer"
	case ModeHubToStores:
		return "hub_to_stores"
	case ModeSeedNewStore:
		return "seed_new_store"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all_stores":
		return ModeAllStores, nil
	case "specific_transfer":
		return ModeSpecificTransfer, nil
	case "hub_to_stores":
		return ModeHubToStores, nil
	case "seed_new_store":
		return ModeSeedNewStore, nil
	case "":
		return 0, utils.NewValidationError("mode", "mode is required")
	}
	return 0, utils.NewValidationError("mode", "unknown mode %q", s)
}

// RunState is the orchestrator's stage for one run.
type RunState string

const (
	RunStateValidating RunState = "validating"
	RunStatePlanning   RunState = "planning"
	RunStateWriting    RunState = "writing"
	RunStateDone       RunState = "done"
	RunStateFailed     RunState = "failed"
)

// RunParams are the caller's inputs for one orchestration run.
// Nil overrides fall back to outlet settings, then mode defaults.
type RunParams struct {
	Mode         Mode
	SourceOutlet string
	DestOutlet   string
	DestOutlets  []string
	Simulate     bool
	CoverDays    *int
	BufferPct    *decimal.Decimal
	FloorQty     *int
	MaxProducts  int
	Notes        string
	CreatedBy    string
}

// RunResult is the outcome of a run. Transfers is empty when nothing needed to move.
type RunResult struct {
	RunId      string
	Mode       Mode
	State      RunState
	Simulate   bool
	Transfers  []models.Transfer
	TotalLines int
	Sources    []string
	Message    string
}

// FirstTransferId is the id of the first written transfer, 0 when none.
func (r *RunResult) FirstTransferId() int {
	if r == nil || len(r.Transfers) == 0 {
		return 0
	}
	return r.Transfers[0].ID
}
