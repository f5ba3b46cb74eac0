// Command wvt records workouts and keeps them in sync between a primary
// device, its companion and a remote store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/config"
)

var (
	configFile string
	v          = config.New()
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "wvt",
	Short: "Workout voice tracker: record, archive and sync workouts",
	Long: `wvt keeps a local history of workouts and their voice notes.

Every device writes to its own local store first. Records then travel to the
paired device over the link and to the shared remote store, and voice notes
are archived to a user-visible folder. Run 'wvt run' to keep syncing in the
background and serve the dashboard.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Workouts:"},
		&cobra.Group{ID: "sync", Title: "Sync & archive:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: <data-dir>/config.toml)")
	flags.String("data-dir", "", "Data directory (default: ~/.wvt)")
	flags.String("role", "", "Device role: primary or companion")
	flags.String("log-file", "", "Rotating log file (default: <data-dir>/wvt.log)")

	bindFlag("data_dir", "data-dir")
	bindFlag("device.role", "role")
	bindFlag("log.file", "log-file")
}

func bindFlag(key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// bindLocal binds a command-local flag to a config key.
func bindLocal(cmd *cobra.Command, vp *viper.Viper, key, flag string) {
	if err := vp.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
