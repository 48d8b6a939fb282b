package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var flagLocksYes bool

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and administer per-target sync leases",
}

var locksStatusCmd = &cobra.Command{
	Use:   "status <target-id>",
	Short: "Show who holds a target's sync lease",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		lease, err := e.locks.Holder(context.Background(), "sync:"+args[0])
		if err != nil {
			fatal(err)
		}
		if lease == nil {
			fmt.Printf("%s: unlocked\n", args[0])
			return
		}
		fmt.Printf("%s: locked\n", args[0])
		fmt.Printf("  holder:   %s\n", lease.HolderToken)
		fmt.Printf("  acquired: %s\n", lease.AcquiredAt.Local().Format(time.RFC3339))
		fmt.Printf("  expires:  %s (in %s)\n",
			lease.ExpiresAt.Local().Format(time.RFC3339),
			time.Until(lease.ExpiresAt).Round(time.Second))
	},
}

var locksBreakCmd = &cobra.Command{
	Use:   "break <target-id>",
	Short: "Force-release a target's sync lease (incident recovery only)",
	Long: `Delete a target's lease regardless of holder. This bypasses the token
check: breaking the lease under a live sync run makes that run's next
renewal fail and cancels it. Use only when the holding process is known
to be dead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !flagLocksYes {
			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Break the sync lease on %s?", args[0])).
					Description("A live holder will lose its lease and abort mid-run.").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				fatal(err)
			}
			if !confirmed {
				fmt.Println("aborted")
				return
			}
		}

		e, err := openEnv()
		if err != nil {
			fatal(err)
		}
		defer e.close()

		broken, err := e.locks.BreakLock(context.Background(), "sync:"+args[0])
		if err != nil {
			fatal(err)
		}
		if !broken {
			fmt.Printf("%s: no lease to break\n", args[0])
			return
		}
		fmt.Printf("%s: lease broken\n", args[0])
	},
}

func init() {
	locksBreakCmd.Flags().BoolVar(&flagLocksYes, "yes", false, "skip the confirmation prompt")

	locksCmd.AddCommand(locksStatusCmd, locksBreakCmd)
	rootCmd.AddCommand(locksCmd)
}
