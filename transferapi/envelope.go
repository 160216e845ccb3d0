package transferapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/mmdatafocus/transfer_engine/workflow"
)

type lineView struct {
	SourceOutlet      string  `json:"source_outlet"`
	DestOutlet        string  `json:"dest_outlet"`
	ProductId         string  `json:"product_id"`
	Quantity          int     `json:"qty_to_transfer"`
	MinQtyToRemain    int     `json:"min_qty_to_remain"`
	DemandForecast    int     `json:"demand_forecast"`
	AvailableAtSource int     `json:"available_at_source"`
	Confidence        float64 `json:"confidence"`
}

type transferView struct {
	ID            int    `json:"id,omitempty"`
	SourceOutlet  string `json:"source_outlet"`
	DestOutlet    string `json:"dest_outlet"`
	Status        string `json:"status"`
	Lines         int    `json:"lines"`
	TotalQuantity int    `json:"total_quantity"`
}

type runResponse struct {
	Success      bool           `json:"success"`
	RunId        string         `json:"run_id"`
	Mode         string         `json:"mode"`
	TransferId   *int           `json:"transfer_id,omitempty"`
	Lines        []lineView     `json:"lines"`
	TotalLines   int            `json:"total_lines"`
	SimulateMode bool           `json:"simulate_mode"`
	Message      string         `json:"message"`
	Sources      []string       `json:"sources,omitempty"`
	Transfers    []transferView `json:"transfers,omitempty"`
}

type errorEnvelope struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Debug   map[string]any `json:"debug,omitempty"`
}

// newRunResponse flattens a run result. Simulated transfers carry no ids.
func newRunResponse(res *workflow.RunResult) runResponse {
	out := runResponse{
		Success:      true,
		RunId:        res.RunId,
		Mode:         res.Mode.String(),
		Lines:        []lineView{},
		TotalLines:   res.TotalLines,
		SimulateMode: res.Simulate,
		Message:      res.Message,
		Sources:      res.Sources,
	}
	for _, t := range res.Transfers {
		view := transferView{
			SourceOutlet:  t.SourceOutletId,
			DestOutlet:    t.DestinationOutletId,
			Status:        string(t.Status),
			Lines:         len(t.Lines),
			TotalQuantity: t.TotalQuantity,
		}
		if !res.Simulate {
			view.ID = t.ID
		}
		out.Transfers = append(out.Transfers, view)
		for _, l := range t.Lines {
			out.Lines = append(out.Lines, toLineView(t, l))
		}
	}
	if id := res.FirstTransferId(); id > 0 && !res.Simulate {
		out.TransferId = &id
	}
	return out
}

func toLineView(t models.Transfer, l models.TransferLine) lineView {
	return lineView{
		SourceOutlet:      t.SourceOutletId,
		DestOutlet:        t.DestinationOutletId,
		ProductId:         l.ProductId,
		Quantity:          l.QtyToTransfer,
		MinQtyToRemain:    l.MinQtyToRemain,
		DemandForecast:    l.DemandForecast,
		AvailableAtSource: l.AvailableAtSource,
		Confidence:        l.Confidence,
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var syncErr *ordersync.SyncError
	switch {
	case utils.IsValidationError(err):
		return http.StatusBadRequest
	case utils.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrRunInProgress),
		errors.Is(err, ordersync.ErrSyncInProgress),
		errors.Is(err, ordersync.ErrSyncFailed),
		errors.Is(err, ordersync.ErrRetryScheduled):
		return http.StatusConflict
	case errors.As(err, &syncErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	env := errorEnvelope{Success: false, Error: err.Error()}
	if status == http.StatusInternalServerError {
		env.Error = "internal server error"
	}
	if config.DebugEnvelopes() {
		env.Debug = map[string]any{
			"type":   fmt.Sprintf("%T", err),
			"detail": err.Error(),
			"path":   c.Request.URL.Path,
		}
	}
	c.AbortWithStatusJSON(status, env)
}
