package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mintwell/ledgersync/internal/ui"
)

var (
	flagCredentialRef string
	flagTargetsAll    bool
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage sync targets",
}

var targetsAddCmd = &cobra.Command{
	Use:   "add <target-id>",
	Short: "Register a newly linked resource as a sync target",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		target, err := e.targets.Create(args[0], flagCredentialRef)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("added target %s (%s)\n", target.TargetID, ui.StatusBadge(target.Status))
	},
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync targets",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		targets, err := e.targets.List(flagTargetsAll)
		if err != nil {
			fatal(err)
		}
		fmt.Print(ui.RenderTargets(targets))
	},
}

var targetsRemoveCmd = &cobra.Command{
	Use:   "remove <target-id>",
	Short: "Unlink a target (soft-marks it inactive, history is kept)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		if err := e.targets.Deactivate(args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("deactivated target %s\n", args[0])
	},
}

var targetsClearErrorCmd = &cobra.Command{
	Use:   "clear-error <target-id>",
	Short: "Clear a stored error and re-enable automatic sync",
	Long: `Return a target to active status. This is the operator step that
re-enables automatic runs after a reauth-required escalation, once the
upstream credential has been fixed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		if err := e.targets.ClearError(args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("cleared error on %s\n", args[0])
	},
}

var targetsResetCursorCmd = &cobra.Command{
	Use:   "reset-cursor <target-id>",
	Short: "Discard the committed cursor so the next run syncs from scratch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		if err := e.targets.ResetCursor(args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("reset cursor on %s; next run performs a full initial sync\n", args[0])
	},
}

func init() {
	targetsAddCmd.Flags().StringVar(&flagCredentialRef, "credential", "", "opaque credential reference passed to the feed")
	targetsListCmd.Flags().BoolVar(&flagTargetsAll, "all", false, "include inactive targets")

	targetsCmd.AddCommand(targetsAddCmd, targetsListCmd, targetsRemoveCmd, targetsClearErrorCmd, targetsResetCursorCmd)
	rootCmd.AddCommand(targetsCmd)
}
