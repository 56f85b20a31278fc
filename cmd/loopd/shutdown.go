package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loopd/internal/control"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the running server to stop",
	Long: `Write a shutdown signal into the server's control directory.

The server stops every running loop, persists their state and exits.
Stopped loops resume with 'loopd loop start' after the next 'loopd serve'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := control.SendShutdown(cfg.ControlDir()); err != nil {
			return err
		}
		fmt.Println("Shutdown requested")
		return nil
	},
}
