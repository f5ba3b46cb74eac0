package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/config"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file",
	Annotations: map[string]string{"skipConfig": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := configFile
		if path == "" {
			dir := v.GetString("data_dir")
			if dir == "" {
				dir = config.DefaultDataDir()
			}
			path = filepath.Join(dir, "config.toml")
		}
		if err := config.WriteDefault(path, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ui.New(os.Stdout).OK("Wrote %s", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file, WVT_*
environment variables and flags.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := v.AllSettings()
		settings["data_dir"] = cfg.DataDir
		if cfg.Link.Secret != "" {
			redact(settings, "link", "secret")
		}
		if cfg.Link.Token != "" {
			redact(settings, "link", "token")
		}
		if cfg.Remote.AuthToken != "" {
			redact(settings, "remote", "auth_token")
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stdout, "# %s\n", used)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		_ = enc.Close()
	},
}

func redact(settings map[string]any, section, key string) {
	if m, ok := settings[section].(map[string]any); ok {
		m[key] = "********"
	}
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
