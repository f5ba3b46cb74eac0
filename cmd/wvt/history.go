package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/history"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "maint",
	Short:   "Export workouts as JSON Lines",
	Long: `Export every workout as JSON Lines, one workout per line.

Without a file argument the export is written to stdout. Use --all to include
deletions, so that importing the file on another device replays them.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		opts := history.ExportOptions{IncludeTombstones: all}
		if len(args) == 0 {
			if _, err := history.Export(ctx, a.store, os.Stdout, opts); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				a.close(ctx)
				os.Exit(1)
			}
			return
		}

		n, err := history.ExportFile(ctx, a.store, args[0], opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}
		ui.New(os.Stdout).OK("Exported %d workout(s) to %s", n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import workouts from a JSON Lines export",
	Long: `Import workouts from a JSON Lines export.

Each line is merged with the same rule used for sync: an older copy never
overwrites a newer one, so importing the same file twice changes nothing.
Imported workouts are sent to the paired device and the remote store on the
next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		result, err := history.ImportFile(ctx, a.store, args[0], history.ImportOptions{DryRun: dryRun})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}

		out := ui.New(os.Stdout)
		if dryRun {
			out.Title("Dry run")
		}
		out.KeyValues([][2]string{
			{"Lines", fmt.Sprint(result.Lines)},
			{"Applied", fmt.Sprint(result.Applied)},
			{"Ignored", fmt.Sprint(result.Ignored)},
			{"Invalid", fmt.Sprint(result.Invalid)},
		})
		for _, e := range result.Errors {
			out.Fail("%s", e)
		}
		if result.Invalid > 0 {
			a.close(ctx)
			os.Exit(1)
		}
	},
}

func init() {
	exportCmd.Flags().BoolP("all", "a", false, "Include deleted workouts")
	importCmd.Flags().Bool("dry-run", false, "Validate the file without importing")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
