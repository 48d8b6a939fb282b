package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mintwell/ledgersync/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync scheduler in the foreground",
	Long: `Run the scheduler: every interval, each active target is synced through
the full coordinator state machine, in parallel up to the configured
concurrency. Targets held by another process report busy and are retried
on the next tick.

The daemon writes a pid file and refuses to start while another live
daemon owns it; a pid file left by a dead process is taken over.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		logger := daemonLogger(e)
		slog.SetDefault(logger)

		client, err := e.feedClient(flagFeedScript)
		if err != nil {
			fatal(err)
		}
		coord, err := e.coordinator(client)
		if err != nil {
			fatal(err)
		}

		if err := daemon.WritePidFile(e.cfg.Daemon.PidFile); err != nil {
			fatal(err)
		}
		defer func() {
			if err := daemon.RemovePidFile(e.cfg.Daemon.PidFile); err != nil {
				logger.Warn("failed to remove pid file", "err", err)
			}
		}()

		d, err := daemon.New(e.targets, coord, daemon.Config{
			Interval:      e.cfg.Daemon.Interval,
			MaxConcurrent: e.cfg.Daemon.MaxConcurrent,
		}, logger)
		if err != nil {
			fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d.Start(ctx)
		fmt.Printf("daemon running (interval %s, pid %d); Ctrl-C to stop\n",
			e.cfg.Daemon.Interval, os.Getpid())

		<-ctx.Done()
		logger.Info("shutdown signal received")
		d.Stop()
	},
}

// daemonLogger builds the daemon's logger: stderr, plus a rotated log file
// when one is configured.
func daemonLogger(e *env) *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if e.cfg.Daemon.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   e.cfg.Daemon.LogFile,
			MaxSize:    e.cfg.Daemon.LogMaxSizeMB,
			MaxBackups: e.cfg.Daemon.LogMaxBackups,
			MaxAge:     e.cfg.Daemon.LogMaxAgeDays,
			Compress:   true,
		})
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func init() {
	daemonCmd.Flags().StringVar(&flagFeedScript, "feed-script", "", "YAML feed script to sync from")
	rootCmd.AddCommand(daemonCmd)
}
