package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/dashboard"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the device: sync, archive and serve the dashboard",
	Long: `Run this device until interrupted.

While running, wvt:
  - relays new workouts to the paired device (companion only)
  - pushes to and pulls from the remote store when it changes
  - archives voice notes from the scratch directory
  - serves the dashboard API and live feed

Dashboard endpoints:
  GET    /api/records        list workouts, newest first
  POST   /api/records        submit a workout
  DELETE /api/records/{id}   delete a workout
  POST   /api/sync           sync now
  GET    /api/status         device status
  GET    /ws                 live updates
  GET    /metrics            Prometheus metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, appOptions{network: true, watch: true, verbose: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		out := ui.New(os.Stdout)
		var server *dashboard.Server
		if cfg.Dashboard.Addr != "" {
			server = dashboard.NewServer(a.coord, &dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: a.sink.Logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, a.sink.Logger("dashboard"))
			if err := handler.Prime(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			sub := a.coord.OnDataChanged(handler.OnDataChanged)
			defer sub.Close()
		}

		out.OK("Running as %s (data: %s)", cfg.Role(), cfg.DataDir)
		if server != nil {
			out.Muted("Dashboard: http://%s", server.Addr())
		}
		out.Muted("Press Ctrl+C to stop")

		<-ctx.Done()
		out.Muted("Shutting down...")
	},
}

func init() {
	runCmd.Flags().String("dashboard", "", "Dashboard listen address (empty uses config)")
	bindLocal(runCmd, v, "dashboard.addr", "dashboard")
	rootCmd.AddCommand(runCmd)
}
