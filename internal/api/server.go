// Package api exposes the loop manager over HTTP and provides the client the
// CLI uses to talk to a running server.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/loopd/internal/logging"
	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/internal/version"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// DefaultAddr is where the server listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:7777"

const maxBodyBytes = 1 << 20

// LoopService is the loop manager as seen by the HTTP layer.
// *orchestrator.Manager implements it.
type LoopService interface {
	CreateLoop(ctx context.Context, req orchestrator.CreateLoopRequest) (*models.Loop, error)
	GetLoop(ctx context.Context, id string) (*models.Loop, error)
	ListLoops(ctx context.Context) ([]*models.Loop, error)
	StartLoop(ctx context.Context, id string) error
	StopLoop(ctx context.Context, id string) error
	DiscardLoop(ctx context.Context, id string) error
	PurgeLoop(ctx context.Context, id string) error

	AcceptLoop(ctx context.Context, id string) (*orchestrator.AcceptResult, error)
	PushLoop(ctx context.Context, id string) (*orchestrator.PushResult, error)
	AddressComments(ctx context.Context, id, comments string) (*orchestrator.AddressResult, error)
	GetReviewHistory(ctx context.Context, id string) (*orchestrator.ReviewHistory, error)
	GetComments(ctx context.Context, id string) ([]models.ReviewComment, error)
	GetDiff(ctx context.Context, id string) ([]workspace.FileChange, error)

	SendPlanFeedback(ctx context.Context, id, feedback string) error
	AcceptPlan(ctx context.Context, id string) error
	DiscardPlan(ctx context.Context, id string) error
}

var _ LoopService = (*orchestrator.Manager)(nil)

// Server serves the loop control surface.
type Server struct {
	svc  LoopService
	addr string
	log  zerolog.Logger
	mux  *http.ServeMux
}

// NewServer creates a server for svc listening on addr.
func NewServer(svc LoopService, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		svc:  svc,
		addr: addr,
		log:  logging.Component("api"),
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /loops", s.handleCreateLoop)
	s.mux.HandleFunc("GET /loops", s.handleListLoops)
	s.mux.HandleFunc("GET /loops/{id}", s.handleGetLoop)
	s.mux.HandleFunc("DELETE /loops/{id}", s.action(s.svc.PurgeLoop))
	s.mux.HandleFunc("POST /loops/{id}/start", s.action(s.svc.StartLoop))
	s.mux.HandleFunc("POST /loops/{id}/stop", s.action(s.svc.StopLoop))

	s.mux.HandleFunc("POST /loops/{id}/accept", s.handleAccept)
	s.mux.HandleFunc("POST /loops/{id}/push", s.handlePush)
	s.mux.HandleFunc("POST /loops/{id}/discard", s.action(s.svc.DiscardLoop))
	s.mux.HandleFunc("POST /loops/{id}/address-comments", s.handleAddressComments)
	s.mux.HandleFunc("GET /loops/{id}/review-history", s.handleReviewHistory)
	s.mux.HandleFunc("GET /loops/{id}/comments", s.handleComments)
	s.mux.HandleFunc("GET /loops/{id}/diff", s.handleDiff)

	s.mux.HandleFunc("POST /loops/{id}/plan/feedback", s.handlePlanFeedback)
	s.mux.HandleFunc("POST /loops/{id}/plan/accept", s.action(s.svc.AcceptPlan))
	s.mux.HandleFunc("POST /loops/{id}/plan/discard", s.action(s.svc.DiscardPlan))
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := s.log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version.Get()})
}
