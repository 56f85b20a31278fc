package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loopd/internal/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch loops in a terminal dashboard",
	Long: `Open a live dashboard of every loop on the server.

Keys: up/down (or j/k) select, / filters by name or id, s stops the
selected loop, q quits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.RunWatch(cmd.Context(), newClient(), serverAddr(), watchInterval)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Poll interval")
}
