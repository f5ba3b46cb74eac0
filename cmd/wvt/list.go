package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List workouts, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close(ctx)

		recs, err := a.store.ListAll(ctx, store.ListOptions{IncludeTombstones: all, Limit: limit})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}

		if err := render(os.Stdout, format, recs, func() { ui.New(os.Stdout).Records(recs) }); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.close(ctx)
			os.Exit(1)
		}
	},
}

// render writes v as json or yaml, or calls table for the default format.
func render(w io.Writer, format string, v any, table func()) error {
	switch format {
	case "", "table":
		table()
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func init() {
	listCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	listCmd.Flags().BoolP("all", "a", false, "Include deleted workouts")
	listCmd.Flags().IntP("limit", "n", 0, "Show at most n workouts (0 for all)")
	rootCmd.AddCommand(listCmd)
}
