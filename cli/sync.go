package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/spf13/cobra"
)

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger order-system sync chains",
	}
	cmd.AddCommand(newSyncOrderCommand(rootOpts))
	cmd.AddCommand(newSyncStatusCommand(rootOpts))
	cmd.AddCommand(newSyncInventoryCommand(rootOpts))
	cmd.AddCommand(newSyncResumeCommand(rootOpts))
	cmd.AddCommand(newSyncRetryCommand(rootOpts))
	return cmd
}

func newSyncOrderCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "order",
		Short:   "Sync an external order from a JSON file (- for stdin)",
		Example: "  transferctl sync order --file order.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := readOrder(cmd, file)
			if err != nil {
				return err
			}
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				res, err := e.Sync.SyncOutbound(ctx, order)
				return newPrinter(cmd, rootOpts).syncResult(res, err)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "order JSON file")
	return cmd
}

func newSyncStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transfer-id>",
		Short: "Push a transfer's status to the order system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid transfer id %q", args[0])
			}
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				res, err := e.Sync.SyncStatusInbound(ctx, id)
				return newPrinter(cmd, rootOpts).syncResult(res, err)
			})
		},
	}
}

func newSyncInventoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory [product-id...]",
		Short: "Push inventory positions (all active products when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				res, err := e.Sync.SyncInventory(ctx, args)
				return newPrinter(cmd, rootOpts).syncResult(res, err)
			})
		},
	}
}

func newSyncResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <sync-id>",
		Short: "Restart a failed sync chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid sync id %q", args[0])
			}
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				res, err := e.Sync.Resume(ctx, uint(id))
				return newPrinter(cmd, rootOpts).syncResult(res, err)
			})
		},
	}
}

func newSyncRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one pass of the retry worker over due records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				n, err := e.Retry.RunOnce(ctx)
				if err != nil {
					return err
				}
				return newPrinter(cmd, rootOpts).retried(n)
			})
		},
	}
}

func readOrder(cmd *cobra.Command, file string) (ordersync.ExternalOrder, error) {
	var order ordersync.ExternalOrder
	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return order, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&order); err != nil {
		return order, fmt.Errorf("decode order: %w", err)
	}
	return order, nil
}
