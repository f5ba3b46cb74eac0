package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/config"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show device and sync status",
	Long: `Show what this device holds and what is still waiting to be sent.

By default only the local store is read. With --network the remote store and
the paired device are contacted as well, which reports whether they are
reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		network, _ := cmd.Flags().GetBool("network")

		ctx := context.Background()
		a, err := openApp(ctx, appOptions{network: network})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		st, err := a.coord.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}
		if err := render(os.Stdout, format, st, func() { printStatus(st) }); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}
	},
}

func printStatus(st coordinator.Status) {
	out := ui.New(os.Stdout)
	out.Title("Device")
	out.KeyValues([][2]string{
		{"Role", string(st.Role)},
		{"Name", deviceName()},
		{"Data", cfg.DataDir},
		{"Archive", cfg.Archive.Dir},
		{"Remote", remoteLabel()},
	})
	out.Title("Sync")
	out.KeyValues([][2]string{
		{"Peer reachable", strconv.FormatBool(st.Reachable)},
		{"Bridge", st.BridgeState},
		{"Push queue", strconv.Itoa(st.PushQueue)},
		{"Cursor", orDash(st.Store.Cursor)},
	})
	out.Title("Store")
	out.KeyValues([][2]string{
		{"Records", strconv.Itoa(st.Store.Records)},
		{"Deleted", strconv.Itoa(st.Store.Tombstones)},
		{"Unpushed", strconv.Itoa(st.Store.Unpushed)},
		{"Unrelayed", strconv.Itoa(st.Store.Unrelayed)},
		{"Voice notes pending", strconv.Itoa(st.Store.ArtifactsPending)},
		{"Voice notes archived", strconv.Itoa(st.Store.ArtifactsArchived)},
	})
	if st.Store.Unpushed > 0 {
		out.Warn("%d workout(s) not yet on the remote store; run 'wvt sync'", st.Store.Unpushed)
	}
}

func remoteLabel() string {
	if cfg.Remote.Driver == "" || cfg.Remote.Driver == config.DriverNone {
		return "none"
	}
	return cfg.Remote.Driver
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	statusCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	statusCmd.Flags().Bool("network", false, "Contact the remote store and the paired device")
	rootCmd.AddCommand(statusCmd)
}
