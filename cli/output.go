package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/mmdatafocus/transfer_engine/workflow"
	"github.com/spf13/cobra"
)

type printer struct {
	format string
	w      io.Writer
}

func newPrinter(cmd *cobra.Command, opts *RootOptions) *printer {
	return &printer{format: opts.Format, w: cmd.OutOrStdout()}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type runLine struct {
	Source    string `json:"source_outlet"`
	Dest      string `json:"dest_outlet"`
	ProductId string `json:"product_id"`
	Quantity  int    `json:"qty_to_transfer"`
	Demand    int    `json:"demand_forecast"`
	Available int    `json:"available_at_source"`
}

func (p *printer) runResult(res *workflow.RunResult) error {
	var lines []runLine
	var ids []int
	for _, t := range res.Transfers {
		if !res.Simulate {
			ids = append(ids, t.ID)
		}
		for _, l := range t.Lines {
			lines = append(lines, runLine{t.SourceOutletId, t.DestinationOutletId, l.ProductId, l.QtyToTransfer, l.DemandForecast, l.AvailableAtSource})
		}
	}

	if p.format == "json" {
		return p.json(map[string]any{
			"success":       true,
			"run_id":        res.RunId,
			"mode":          res.Mode.String(),
			"simulate_mode": res.Simulate,
			"message":       res.Message,
			"transfer_ids":  ids,
			"total_lines":   res.TotalLines,
			"lines":         lines,
		})
	}

	fmt.Fprintf(p.w, "run %s (%s): %s\n", res.RunId, res.Mode, res.Message)
	if len(lines) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tDEST\tPRODUCT\tQTY\tDEMAND\tAVAILABLE")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", l.Source, l.Dest, l.ProductId, l.Quantity, l.Demand, l.Available)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(ids) > 0 {
		fmt.Fprintf(p.w, "transfer ids: %v\n", ids)
	}
	return nil
}

// syncResult prints the record state; a recorded failure is printed and then returned.
func (p *printer) syncResult(res *ordersync.SyncResult, err error) error {
	if res == nil {
		return err
	}
	if p.format == "json" {
		if perr := p.json(res); perr != nil {
			return perr
		}
		return err
	}
	fmt.Fprintf(p.w, "sync %d %s: %s (retries %d)", res.SyncId, res.SyncKey, res.Status, res.RetryCount)
	if res.TransferId != nil {
		fmt.Fprintf(p.w, " transfer %d", *res.TransferId)
	}
	if res.AutoApproved {
		fmt.Fprint(p.w, " auto-approved")
	}
	if res.NextRetryAt != nil {
		fmt.Fprintf(p.w, " next retry %s", res.NextRetryAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(p.w)
	return err
}

func (p *printer) retried(n int) error {
	if p.format == "json" {
		return p.json(map[string]int{"records": n})
	}
	_, err := fmt.Fprintf(p.w, "retried %d record(s)\n", n)
	return err
}
