package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mintwell/ledgersync/internal/engine"
	"github.com/mintwell/ledgersync/internal/ui"
)

var (
	flagSyncAll    bool
	flagFeedScript string
)

var syncCmd = &cobra.Command{
	Use:   "sync [target-id]",
	Short: "Run an incremental sync for one target or all active targets",
	Long: `Run the full sync state machine for a target: acquire the distributed
lease, pull the change feed page by page from the committed cursor, apply
records idempotently, and commit the new cursor under optimistic locking.

A target already being synced elsewhere reports "busy" and exits zero;
that is expected contention, not a failure.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if (len(args) == 0) == !flagSyncAll {
			fatal(fmt.Errorf("provide a target id or --all"))
		}

		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		client, err := e.feedClient(flagFeedScript)
		if err != nil {
			fatal(err)
		}
		coord, err := e.coordinator(client)
		if err != nil {
			fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var ids []string
		if flagSyncAll {
			targets, err := e.targets.ListContext(ctx, false)
			if err != nil {
				fatal(err)
			}
			for _, target := range targets {
				ids = append(ids, target.TargetID)
			}
			if len(ids) == 0 {
				fmt.Println("no active targets")
				return
			}
		} else {
			ids = args
		}

		failed := false
		for _, id := range ids {
			result, err := coord.Run(ctx, id)
			fmt.Print(ui.RenderResult(result))
			if err != nil && result.Outcome == engine.OutcomeFailed {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&flagSyncAll, "all", false, "sync every active target")
	syncCmd.Flags().StringVar(&flagFeedScript, "feed-script", "", "YAML feed script to sync from")
	rootCmd.AddCommand(syncCmd)
}
