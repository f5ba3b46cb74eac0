package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/link"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/ui"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

var pairCmd = &cobra.Command{
	Use:     "pair",
	GroupID: "sync",
	Short:   "Issue a pairing token for a companion device",
	Long: `Issue a pairing token on the primary device.

Set link.token (or WVT_LINK_TOKEN) on the companion to the printed token and
link.url to this device's link address. The primary accepts the companion
while the token is valid.`,
	Run: func(cmd *cobra.Command, args []string) {
		device, _ := cmd.Flags().GetString("device")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if cfg.Role() != workout.OriginPrimary {
			fmt.Fprintf(os.Stderr, "Error: pairing tokens are issued by the primary device\n")
			os.Exit(1)
		}
		if cfg.Link.Secret == "" {
			fmt.Fprintf(os.Stderr, "Error: link.secret is not set; add it to the config first\n")
			os.Exit(1)
		}

		token, err := link.Pairing{Secret: cfg.Link.Secret}.Issue(device, ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if !ui.IsTerminal(os.Stdout) {
			fmt.Println(token)
			return
		}
		out := ui.New(os.Stdout)
		out.OK("Pairing token for %s", device)
		fmt.Println(token)
		rows := [][2]string{{"Link", "ws://" + cfg.Link.Listen + "/link"}}
		if ttl > 0 {
			rows = append(rows, [2]string{"Expires", time.Now().Add(ttl).Format(time.RFC1123)})
		} else {
			rows = append(rows, [2]string{"Expires", "never"})
		}
		out.KeyValues(rows)
	},
}

func init() {
	pairCmd.Flags().String("device", "companion", "Companion device id")
	pairCmd.Flags().Duration("ttl", 30*24*time.Hour, "Token lifetime (0 for no expiry)")
	rootCmd.AddCommand(pairCmd)
}
