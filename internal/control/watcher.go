// Package control watches the control directory for signal files, letting a
// local process stop a loop or the whole server without the HTTP API.
//
// A file named stop-<loop id> stops that loop. A file named shutdown asks
// the server to exit. Signal files are removed once handled.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/loopd/internal/logging"
)

const (
	stopPrefix   = "stop-"
	shutdownFile = "shutdown"
)

// ErrShutdownRequested is returned by Run when a shutdown file appears.
var ErrShutdownRequested = errors.New("shutdown requested")

// Stopper stops loops by id.
type Stopper interface {
	StopLoop(ctx context.Context, id string) error
}

// Watcher dispatches signal files to a Stopper.
type Watcher struct {
	dir     string
	stopper Stopper
	log     zerolog.Logger
}

// New creates a watcher over dir, creating it if needed.
func New(dir string, stopper Stopper) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	return &Watcher{
		dir:     dir,
		stopper: stopper,
		log:     logging.Component("control"),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run watches until ctx is done, returning nil, or until a shutdown file
// appears, returning ErrShutdownRequested. Files already present when Run
// starts are handled first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read control dir: %w", err)
	}
	for _, e := range entries {
		if w.handle(ctx, filepath.Join(w.dir, e.Name())) {
			return ErrShutdownRequested
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if w.handle(ctx, event.Name) {
				return ErrShutdownRequested
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("control watcher error")
		}
	}
}

// handle processes one signal file and reports whether it requested shutdown.
func (w *Watcher) handle(ctx context.Context, path string) bool {
	base := filepath.Base(path)
	switch {
	case base == shutdownFile:
		w.log.Info().Msg("shutdown signal received")
		w.remove(path)
		return true
	case strings.HasPrefix(base, stopPrefix):
		id := strings.TrimPrefix(base, stopPrefix)
		if id == "" {
			return false
		}
		// A Write event can follow the Create for the same file.
		if _, err := os.Stat(path); err != nil {
			return false
		}
		w.remove(path)
		if err := w.stopper.StopLoop(ctx, id); err != nil {
			w.log.Warn().Err(err).Str("loop_id", id).Msg("stop signal failed")
			return false
		}
		w.log.Info().Str("loop_id", id).Msg("loop stopped by signal")
	}
	return false
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.Warn().Err(err).Str("path", path).Msg("remove signal file")
	}
}

// SendStop asks the server watching dir to stop a loop.
func SendStop(dir, loopID string) error {
	return writeSignal(dir, stopPrefix+loopID)
}

// SendShutdown asks the server watching dir to exit.
func SendShutdown(dir string) error {
	return writeSignal(dir, shutdownFile)
}

func writeSignal(dir, name string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	path := filepath.Join(dir, name)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}
