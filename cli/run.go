package cli

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/transfer_engine/transferapi"
	"github.com/mmdatafocus/transfer_engine/workflow"
	"github.com/spf13/cobra"
)

type RunOptions struct {
	*RootOptions
	Mode        string
	Source      string
	Dest        string
	DestOutlets []string
	Commit      bool
	Cover       int
	BufferPct   float64
	FloorQty    int
	MaxProducts int
	Notes       string
	CreatedBy   string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and write transfers for one mode",
		Long: `Plan transfers with the given mode and write them.

Modes: all_stores, specific_transfer, hub_to_stores, seed_new_store.

Example:
  transferctl run --mode specific_transfer --source wh-1 --dest st-4
  transferctl run --mode hub_to_stores --source wh-1 --dest-outlets st-1,st-2 --commit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfers(cmd, opts)
		},
	}
	addRunFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "run mode (required)")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

// NewSeedCommand is run --mode seed_new_store.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts, Mode: workflow.ModeSeedNewStore.String()}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a new store from warehouses and overstocked stores",
		Example: `  transferctl seed --dest st-new
  transferctl seed --dest st-new --cover 30 --commit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfers(cmd, opts)
		},
	}
	addRunFlags(cmd, opts)
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.Source, "source", "", "source outlet id")
	f.StringVar(&opts.Dest, "dest", "", "destination outlet id")
	f.StringSliceVar(&opts.DestOutlets, "dest-outlets", nil, "destination outlet ids (hub_to_stores)")
	f.BoolVar(&opts.Commit, "commit", false, "write transfers instead of simulating")
	f.IntVar(&opts.Cover, "cover", 0, "days of demand to cover (policy default when unset)")
	f.Float64Var(&opts.BufferPct, "buffer-pct", 0, "safety buffer percent (policy default when unset)")
	f.IntVar(&opts.FloorQty, "floor", 0, "minimum target quantity per line (policy default when unset)")
	f.IntVar(&opts.MaxProducts, "max-products", 0, "limit the products considered (0 = all)")
	f.StringVar(&opts.Notes, "notes", "", "notes stored on each transfer")
	f.StringVar(&opts.CreatedBy, "created-by", "transferctl", "creator stored on each transfer")
}

// request builds the same request the HTTP entrypoint binds, so both share validation.
func (o *RunOptions) request(cmd *cobra.Command) transferapi.RunRequest {
	simulate := 1
	if o.Commit {
		simulate = 0
	}
	req := transferapi.RunRequest{
		Mode:         o.Mode,
		SourceOutlet: o.Source,
		DestOutlet:   o.Dest,
		DestOutlets:  o.DestOutlets,
		Simulate:     &simulate,
		MaxProducts:  o.MaxProducts,
		Notes:        o.Notes,
		CreatedBy:    o.CreatedBy,
	}
	if cmd.Flags().Changed("cover") {
		req.Cover = &o.Cover
	}
	if cmd.Flags().Changed("buffer-pct") {
		req.BufferPct = &o.BufferPct
	}
	if cmd.Flags().Changed("floor") {
		req.FloorQty = &o.FloorQty
	}
	return req
}

func runTransfers(cmd *cobra.Command, opts *RunOptions) error {
	params, err := opts.request(cmd).Params()
	if err != nil {
		return err
	}
	return withEngine(cmd, opts.RootOptions, func(ctx context.Context, e *Engine) error {
		res, err := e.Runs.Run(ctx, params)
		if err != nil {
			return fmt.Errorf("%s run: %w", params.Mode, err)
		}
		return newPrinter(cmd, opts.RootOptions).runResult(res)
	})
}
