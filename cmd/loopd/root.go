package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loopd/internal/api"
	"github.com/ShayCichocki/loopd/internal/config"
	"github.com/ShayCichocki/loopd/internal/logging"
)

var (
	flagConfigFile string
	flagAddr       string
	flagOutput     string
	flagLogLevel   string
)

// cfg is loaded before every command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "loopd",
	Short: "Iterative coding-agent loop server",
	Long: `loopd runs an autonomous coding agent in a loop against an isolated git
worktree until it reports completion, then carries the result through
merge or push and any number of review cycles.

Start the server with 'loopd serve', then drive loops with 'loopd loop'
or watch them with 'loopd watch'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flagConfigFile != "" {
			cfg, err = config.LoadFromPath(flagConfigFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if flagLogLevel != "" {
			cfg.Log.Level = flagLogLevel
		}
		switch flagOutput {
		case outputTable, outputJSON, outputYAML:
		default:
			return fmt.Errorf("unknown output format %q (table, json, yaml)", flagOutput)
		}
		// serve configures logging itself; clients log to stderr only.
		if cmd.Name() != "serve" {
			_, err = logging.Init(logging.Config{Level: cfg.Log.Level, Format: "console", Output: os.Stderr})
		}
		return err
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Config file (default: XDG config plus .loopd.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "Server address (default: server.addr)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", outputTable, "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level override")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(versionCmd)
}

// serverAddr returns the address clients talk to.
func serverAddr() string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg != nil && cfg.Server.Addr != "" {
		return cfg.Server.Addr
	}
	return api.DefaultAddr
}

func newClient() *api.Client {
	return api.NewClient(serverAddr())
}
