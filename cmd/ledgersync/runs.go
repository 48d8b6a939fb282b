package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mintwell/ledgersync/internal/store"
	"github.com/mintwell/ledgersync/internal/ui"
)

var (
	flagRunsTarget string
	flagRunsSince  string
	flagRunsUntil  string
	flagRunsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the sync run journal",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled sync runs, newest first",
	Long: `List run history. --since and --until accept natural-language times:

  ledgersync runs list --since "yesterday" --target itm-1
  ledgersync runs list --since "3 days ago" --until "this morning"`,
	Run: func(cmd *cobra.Command, args []string) {
		filter := store.RunFilter{
			TargetID: flagRunsTarget,
			Limit:    flagRunsLimit,
		}

		var err error
		if filter.Since, err = parseNaturalTime(flagRunsSince); err != nil {
			fatal(err)
		}
		if filter.Until, err = parseNaturalTime(flagRunsUntil); err != nil {
			fatal(err)
		}

		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		runs, err := e.journal.List(filter)
		if err != nil {
			fatal(err)
		}
		fmt.Print(ui.RenderRuns(runs))
	},
}

// parseNaturalTime resolves "yesterday", "3 days ago", RFC3339 stamps, and
// similar into a concrete time. Empty input means no bound.
func parseNaturalTime(text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return result.Time, nil
}

func init() {
	runsListCmd.Flags().StringVar(&flagRunsTarget, "target", "", "restrict to one target")
	runsListCmd.Flags().StringVar(&flagRunsSince, "since", "", "only runs started at or after this time")
	runsListCmd.Flags().StringVar(&flagRunsUntil, "until", "", "only runs started at or before this time")
	runsListCmd.Flags().IntVar(&flagRunsLimit, "limit", 50, "maximum rows (0 = unlimited)")

	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}
