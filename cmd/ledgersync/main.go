// ledgersync is the operator CLI for the incremental sync engine: one-shot
// sync runs, target management, run history, lock inspection, and the
// background scheduler daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mintwell/ledgersync/internal/category"
	"github.com/mintwell/ledgersync/internal/config"
	"github.com/mintwell/ledgersync/internal/engine"
	"github.com/mintwell/ledgersync/internal/feed"
	"github.com/mintwell/ledgersync/internal/lock"
	"github.com/mintwell/ledgersync/internal/store"
)

var (
	flagConfig  string
	flagDB      string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Incremental financial data synchronization engine",
	Long: `ledgersync keeps a local transaction store consistent with a third-party
aggregator's change feed: cursor-based incremental pulls, idempotent
application, and distributed per-target locking so any number of workers
can trigger syncs safely.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./ledgersync.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// env is the wired-up service graph a command runs against.
type env struct {
	cfg     *config.Config
	db      *store.DB
	targets *store.TargetStore
	applier *store.Applier
	journal *store.RunJournal
	locks   *lock.Manager
	mapper  *category.Mapper
}

// openEnv loads configuration and opens the database and stores. The caller
// must call close on the result.
func openEnv() (*env, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	leaseStore, err := lock.NewSQLiteStore(db.RawDB(), nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mapper, err := openMapper(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	e := &env{
		cfg:     cfg,
		db:      db,
		targets: store.NewTargetStore(db),
		journal: store.NewRunJournal(db),
		locks:   lock.NewManager(leaseStore, nil),
		mapper:  mapper,
	}
	e.applier = store.NewApplier(db, mapper.Map, nil)
	return e, nil
}

func openMapper(cfg *config.Config) (*category.Mapper, error) {
	if cfg.CategoryRules == "" {
		return category.NewMapper(nil), nil
	}
	return category.Watch(cfg.CategoryRules, nil)
}

func (e *env) close() {
	if e.mapper != nil {
		_ = e.mapper.Close()
	}
	_ = e.db.Close()
}

// coordinator builds the engine over the env and the given feed client.
func (e *env) coordinator(client feed.Client) (*engine.Coordinator, error) {
	return engine.New(engine.Deps{
		Locks:   e.locks,
		Targets: e.targets,
		Applier: e.applier,
		Feed:    client,
		Journal: e.journal,
	}, engine.Config{
		LockWait:      e.cfg.Lock.WaitTimeout,
		LockTTL:       e.cfg.Lock.TTL,
		RenewInterval: e.cfg.Lock.RenewInterval,
		PageSize:      e.cfg.Sync.PageSize,
		Retry: engine.RetryPolicy{
			MaxRetries:    e.cfg.Sync.MaxRetries,
			BaseDelay:     e.cfg.Sync.BaseDelay,
			MaxDelay:      e.cfg.Sync.MaxDelay,
			MaxRestarts:   e.cfg.Sync.MaxRestarts,
			CommitRetries: e.cfg.Sync.CommitRetries,
		},
	}, nil)
}

// feedClient resolves the feed adapter: an explicit --feed-script wins, then
// the configured script. A real aggregator adapter would be selected here.
func (e *env) feedClient(scriptFlag string) (feed.Client, error) {
	path := scriptFlag
	if path == "" {
		path = e.cfg.FeedScript
	}
	if path == "" {
		return nil, fmt.Errorf("no feed configured: pass --feed-script or set feed_script in the config")
	}
	return feed.LoadScript(path)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}
