package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loopd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loopd version %s\n", version.String())

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		if h, err := newClient().Health(ctx); err == nil {
			fmt.Printf("server %s version %s\n", serverAddr(), h.Version)
		}
	},
}
