package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/syncerr"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push and pull workouts now",
	Long: `Sync this device once.

Unsent workouts are offered to the paired device if it is reachable, every
workout not yet confirmed by the remote store is pushed, and everything new on
the remote store is pulled and merged.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := openApp(ctx, appOptions{network: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		out := ui.New(os.Stdout)
		err = a.coord.ManualSync(ctx)
		switch {
		case errors.Is(err, coordinator.ErrNoRemote):
			out.Warn("No remote store configured; only the paired device was offered new workouts")
		case err != nil:
			out.Fail("Sync failed (%s): %v", syncerr.KindOf(err), err)
			if syncerr.IsRetryable(err) {
				out.Muted("Workouts are kept locally and will be pushed on the next sync")
			}
			a.close(ctx)
			os.Exit(1)
		default:
			out.OK("Sync complete")
		}

		if st, err := a.coord.Status(ctx); err == nil {
			out.KeyValues([][2]string{
				{"Records", strconv.Itoa(st.Store.Records)},
				{"Unpushed", strconv.Itoa(st.Store.Unpushed)},
				{"Unrelayed", strconv.Itoa(st.Store.Unrelayed)},
			})
		}
	},
}

var archiveCmd = &cobra.Command{
	Use:     "archive",
	GroupID: "sync",
	Short:   "Manage archived voice notes",
}

var archiveSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive leftover voice notes now",
	Long: `Finish interrupted archivals and adopt voice notes left in the scratch
directory. Local copies are removed only after the archived copy has been
verified.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		res, err := a.coord.Sweep(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}

		err = render(os.Stdout, format, res, func() {
			out := ui.New(os.Stdout)
			out.Title("Sweep")
			out.KeyValues([][2]string{
				{"Scanned", strconv.Itoa(res.Scanned)},
				{"Registered", strconv.Itoa(res.Registered)},
				{"Archived", strconv.Itoa(res.Archived)},
				{"Reclaimed", strconv.Itoa(res.Reclaimed)},
				{"Skipped", strconv.Itoa(res.Skipped)},
				{"Failed", strconv.Itoa(res.Failed)},
			})
			for _, art := range res.Archives {
				out.OK("%s -> %s", art.LocalPath, art.RemoteName)
			}
			for _, e := range res.Errors {
				out.Fail("%v", e)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}
		if res.Failed > 0 {
			a.close(ctx)
			os.Exit(1)
		}
	},
}

func init() {
	archiveSweepCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	archiveCmd.AddCommand(archiveSweepCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(archiveCmd)
}
