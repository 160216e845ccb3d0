package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/mmdatafocus/transfer_engine/app"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/mmdatafocus/transfer_engine/transferapi"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var ValidFormats = []string{"text", "json"}

type RootOptions struct {
	Verbose bool
	Format  string
	Open    Opener
}

// Engine is what the commands drive.
type Engine struct {
	Runs  transferapi.Runner
	Sync  transferapi.SyncService
	Retry interface {
		RunOnce(ctx context.Context) (int, error)
	}
}

// Opener builds the engine; close is called once the command finishes.
type Opener func(ctx context.Context, opts *RootOptions) (engine *Engine, close func(), err error)

func NewRootCommand() *cobra.Command {
	return newRootCommand(openEngine)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:   "transferctl",
		Short: "Plan stock transfers and drive order-system sync",
		Long: `transferctl runs transfer allocation against the configured database
(DB_DRIVER, DB_PATH or the MySQL env) and triggers order-system sync chains.

Runs are simulated unless --commit is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))

	return cmd
}

func openEngine(ctx context.Context, opts *RootOptions) (*Engine, func(), error) {
	logger := config.GetLogger()
	if !opts.Verbose {
		logger.SetLevel(logrus.WarnLevel)
	}
	if err := app.Connect(ctx, logger); err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, config.GetDB(), logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		_ = a.Close()
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return &Engine{Runs: a.Runs, Sync: a.Coordinator, Retry: a.RetryWorker}, closeFn, nil
}

func withEngine(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	engine, closeFn, err := opts.Open(ctx, opts)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	return fn(ctx, engine)
}

var _ transferapi.SyncService = (*ordersync.Coordinator)(nil)
