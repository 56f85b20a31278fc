package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/loopd/internal/api"
	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/backend/acp"
	"github.com/ShayCichocki/loopd/internal/backend/opencode"
	"github.com/ShayCichocki/loopd/internal/config"
	"github.com/ShayCichocki/loopd/internal/control"
	"github.com/ShayCichocki/loopd/internal/logging"
	"github.com/ShayCichocki/loopd/internal/namer"
	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/internal/state"
	"github.com/ShayCichocki/loopd/internal/tracing"
	"github.com/ShayCichocki/loopd/internal/version"
	"github.com/ShayCichocki/loopd/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loop server",
	Long: `Run the loop server in the foreground.

The server recovers loops interrupted by a previous run, serves the HTTP
control surface and watches the control directory for stop and shutdown
signal files. SIGINT or SIGTERM stop it gracefully: running loops are
marked stopped and can be resumed with 'loopd loop start'.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	closer, err := logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logging.Component("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("flush traces")
		}
	}()

	db, err := state.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	connect := connectConfigs(cfg)
	summarizer := newSummarizer(ctx, cfg, registry, connect, log)

	mgr := orchestrator.NewManager(orchestrator.Options{
		Store: db,
		Workspaces: workspace.NewManager(workspace.Options{
			WorktreeDir: cfg.WorktreeDir,
			ScaffoldDir: cfg.Defaults.ScaffoldDir,
		}),
		Backends:    registry,
		Connect:     connect,
		Summarizer:  summarizer,
		NameTimeout: cfg.Namer.Timeout,
		Defaults: orchestrator.Defaults{
			MaxIterations: cfg.Defaults.MaxIterations,
			BaseBranch:    cfg.Defaults.BaseBranch,
			Backend:       cfg.Defaults.Backend,
			Remote:        cfg.Defaults.Remote,
		},
		PermissionDecision:   backend.PermissionDecision(cfg.Agent.PermissionDecision),
		MaxConsecutiveErrors: cfg.Agent.MaxConsecutiveErrors,
		TurnTimeout:          cfg.Agent.TurnTimeout,
	})

	recovered, err := mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover loops: %w", err)
	}

	watcher, err := control.New(cfg.ControlDir(), mgr)
	if err != nil {
		return err
	}
	srv := api.NewServer(mgr, serverAddr())

	log.Info().
		Str("version", version.Get()).
		Str("addr", srv.Addr()).
		Str("db", db.Path()).
		Str("control_dir", watcher.Dir()).
		Int("recovered", recovered).
		Bool("tracing", tp.Enabled()).
		Msg("loopd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown loops")
	}

	if errors.Is(runErr, control.ErrShutdownRequested) {
		runErr = nil
	}
	log.Info().Msg("loopd stopped")
	return runErr
}

// newRegistry registers every built-in backend.
func newRegistry() (*backend.Registry, error) {
	reg := backend.NewRegistry()
	if err := reg.Register("acp", acp.Factory); err != nil {
		return nil, err
	}
	if err := reg.Register("opencode", opencode.Factory); err != nil {
		return nil, err
	}
	return reg, nil
}

// connectConfigs maps each backend to its connection settings.
func connectConfigs(c *config.Config) map[string]backend.ConnectConfig {
	return map[string]backend.ConnectConfig{
		"acp": {
			Command: c.Agent.Command,
			Args:    c.Agent.Args,
		},
		"opencode": {
			ServerURL: c.Agent.ServerURL,
		},
	}
}

// newSummarizer picks the loop name generator. Setup failures fall back to
// heuristic names rather than refusing to serve.
func newSummarizer(ctx context.Context, c *config.Config, reg *backend.Registry, connect map[string]backend.ConnectConfig, log zerolog.Logger) namer.Summarizer {
	switch c.Namer.Provider {
	case config.NamerNone:
		return nil
	case config.NamerAnthropic:
		key, _ := config.GetAPIKey(c)
		s, err := namer.NewAnthropicSummarizer(ctx, namer.AnthropicConfig{
			Model:      c.Anthropic.Model,
			APIKey:     key,
			UseBedrock: c.Anthropic.UseBedrock,
			AWSRegion:  c.Anthropic.AWSRegion,
		})
		if err != nil {
			log.Warn().Err(err).Msg("anthropic namer unavailable, using heuristic names")
			return nil
		}
		return s
	default:
		name := c.Defaults.Backend
		cc := connect[name]
		cc.Directory = c.DataDir
		return &namer.ConnectingSummarizer{
			New:     func() (backend.Backend, error) { return reg.New(name) },
			Connect: cc,
		}
	}
}
