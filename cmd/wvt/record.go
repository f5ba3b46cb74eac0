package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "records",
	Short:   "Add or delete workouts",
}

var recordAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a workout",
	Long: `Record a workout on this device.

The workout is saved locally first. It reaches the paired device and the
remote store on the next sync, or right away while 'wvt run' is active.

--at accepts RFC 3339 timestamps or natural phrases:
  wvt record add --duration 45m
  wvt record add --at "yesterday 6pm" --duration 1h10m
  wvt record add --at "2026-10-18T07:30:00Z" --duration 30m --audio note.m4a`,
	Run: func(cmd *cobra.Command, args []string) {
		at, _ := cmd.Flags().GetString("at")
		duration, _ := cmd.Flags().GetDuration("duration")
		audio, _ := cmd.Flags().GetString("audio")

		occurred, err := parseWhen(at, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		rec, err := a.coord.SubmitRecord(ctx, workout.Input{
			OccurredAt:      occurred,
			DurationSeconds: duration.Seconds(),
			AudioPath:       audio,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}

		out := ui.New(os.Stdout)
		out.OK("Recorded %s", rec.ID)
		out.KeyValues([][2]string{
			{"When", rec.OccurredAt.Local().Format("Mon Jan 2 15:04")},
			{"Duration", ui.FormatDuration(rec.DurationSeconds)},
			{"Origin", string(rec.Origin)},
		})
		if audio != "" {
			out.Muted("Voice note queued for archival")
		}
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a workout",
	Long: `Delete a workout.

The deletion is kept as a tombstone so that it also removes the workout from
the paired device and the remote store.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		if err := a.coord.DeleteRecord(ctx, args[0]); err != nil {
			if errors.Is(err, coordinator.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error: no workout with id %s\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			a.close(ctx)
			os.Exit(1)
		}
		ui.New(os.Stdout).OK("Deleted %s", args[0])
	},
}

// parseWhen reads an RFC 3339 timestamp or a natural-language phrase such
// as "yesterday 6pm". Empty means now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "now" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

func init() {
	recordAddCmd.Flags().String("at", "", "When the workout happened (default: now)")
	recordAddCmd.Flags().Duration("duration", 0, "Workout duration, e.g. 45m or 1h10m")
	recordAddCmd.Flags().String("audio", "", "Completed voice note to archive with the workout")
	_ = recordAddCmd.MarkFlagRequired("duration")

	recordCmd.AddCommand(recordAddCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}
