package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/config"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/loadtest"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/logging"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Soak two simulated devices and check they converge",
	Long: `Run a primary and a companion in one process, linked to each other and to
one shared remote store, while concurrent writers submit and delete workouts,
the link drops and reconnects, and remote pushes fail now and then.

When writing stops both devices sync until their stores and the remote store
hold the same records. The command exits 1 if they do not converge in time.

Examples:
  # Default run with an in-memory remote
  wvt loadtest

  # More writers, no link flapping, JSON summary
  wvt loadtest --writers 8 --records 100 --flap 0 --json

  # Use the configured remote store as the shared store
  wvt loadtest --use-remote
`,
	Run: runLoadtest,
}

func init() {
	def := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("writers", def.Writers, "Concurrent writers per device")
	loadtestCmd.Flags().Int("records", def.RecordsPerWriter, "Workouts submitted by each writer")
	loadtestCmd.Flags().Int("delete-every", def.DeleteEvery, "Delete every Nth workout (0 = never)")
	loadtestCmd.Flags().Duration("flap", def.FlapInterval, "Toggle the link this often (0 = stable)")
	loadtestCmd.Flags().Int("fail-every", def.RemoteFailEvery, "Fail one in N remote pushes (in-memory remote only)")
	loadtestCmd.Flags().Duration("timeout", def.Timeout, "Convergence timeout")
	loadtestCmd.Flags().Bool("use-remote", false, "Use the configured remote store instead of an in-memory one")
	loadtestCmd.Flags().Bool("json", false, "Output the result as JSON")
	loadtestCmd.Flags().BoolP("verbose", "v", false, "Show device logs")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	opts := loadtest.DefaultOptions()
	opts.Writers, _ = cmd.Flags().GetInt("writers")
	opts.RecordsPerWriter, _ = cmd.Flags().GetInt("records")
	opts.DeleteEvery, _ = cmd.Flags().GetInt("delete-every")
	opts.FlapInterval, _ = cmd.Flags().GetDuration("flap")
	opts.RemoteFailEvery, _ = cmd.Flags().GetInt("fail-every")
	opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
	useRemote, _ := cmd.Flags().GetBool("use-remote")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if opts.Writers <= 0 || opts.RecordsPerWriter <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --writers and --records must be positive\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts.Logger = log.New(io.Discard, "", 0)
	if verbose {
		opts.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags|log.Lmicroseconds)
	}

	if useRemote {
		if cfg.Remote.Driver == config.DriverNone {
			fmt.Fprintf(os.Stderr, "Error: --use-remote needs remote.driver to be set\n")
			os.Exit(1)
		}
		sink, err := logging.Open(logging.Options{Quiet: !verbose})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer sink.Close()
		rs, _, err := openRemote(ctx, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rs.Close()
		opts.Remote = rs
	}

	if !jsonOutput {
		fmt.Printf("Running soak: %d writers x %d workouts per device, flap %v\n\n",
			opts.Writers, opts.RecordsPerWriter, opts.FlapInterval)
	}

	result, err := loadtest.Run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	} else {
		result.Print(os.Stdout)
	}

	if !result.Converged {
		os.Exit(1)
	}
}
