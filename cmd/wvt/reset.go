package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Erase the local store and refetch from the remote",
	Long: `Erase every workout, voice-note ledger entry and the sync cursor from this
device. Archived voice notes are left in the archive folder.

Workouts that were never pushed are lost. The next sync pulls the full history
from the remote store again.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		out := ui.New(os.Stdout)
		stats, err := a.store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				fmt.Fprintf(os.Stderr, "Error: refusing to reset without --yes when not interactive\n")
				a.close(ctx)
				os.Exit(1)
			}
			desc := fmt.Sprintf("%d workout(s) will be removed from this device.", stats.Records)
			if stats.Unpushed > 0 {
				desc += fmt.Sprintf("\n%d of them are not on the remote store yet and will be lost.", stats.Unpushed)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Reset the local store?").
				Description(desc).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				a.close(ctx)
				os.Exit(1)
			}
			if !confirmed {
				out.Muted("Cancelled")
				return
			}
		}

		if err := a.store.Reset(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}
		out.OK("Local store reset (%d workout(s) removed)", stats.Records+stats.Tombstones)
		out.Muted("Run 'wvt sync' to pull the history from the remote store")
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}
