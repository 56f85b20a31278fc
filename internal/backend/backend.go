// Package backend defines the agent backend capability set and the pieces
// shared by every transport: canonical events, translation and dedup of the
// backend's native events, permission/question brokering and the prompt guard.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/loopd/internal/eventstream"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// ConnectConfig describes how to reach an agent backend.
type ConnectConfig struct {
	// Directory is the working directory sessions default to.
	Directory string
	// Command and Args launch a stdio agent process.
	Command string
	Args    []string
	// Env is appended to the process environment.
	Env []string
	// ServerURL is the base URL of an HTTP agent server.
	ServerURL string
	// HandshakeTimeout bounds the protocol handshake. Zero uses a default.
	HandshakeTimeout time.Duration
}

// SessionOptions configures a new session.
type SessionOptions struct {
	Title     string
	Directory string
	Model     *models.ModelSelection
}

// AgentSession is the backend-side handle for a conversation.
type AgentSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Prompt is one user turn sent to the agent.
type Prompt struct {
	Text  string
	Model *models.ModelSelection
}

// AgentResponse is the result of a blocking prompt round trip.
type AgentResponse struct {
	MessageID  string
	Content    string
	StopReason string
}

// PermissionDecision answers a permission request.
type PermissionDecision string

const (
	DecisionOnce   PermissionDecision = "once"
	DecisionAlways PermissionDecision = "always"
	DecisionReject PermissionDecision = "reject"
)

// Backend is the capability set every agent transport implements.
type Backend interface {
	// Connect establishes the transport and performs the protocol handshake.
	Connect(ctx context.Context, cfg ConnectConfig) error
	// Disconnect tears the transport down. Safe to call when not connected.
	Disconnect() error

	CreateSession(ctx context.Context, opts SessionOptions) (*AgentSession, error)
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*AgentSession, error)
	DeleteSession(ctx context.Context, id string) error

	// SendPrompt performs a full round trip and returns the assistant reply.
	SendPrompt(ctx context.Context, sessionID string, prompt Prompt) (*AgentResponse, error)
	// SendPromptAsync returns once the prompt was accepted; completion is
	// observed through the event stream.
	SendPromptAsync(ctx context.Context, sessionID string, prompt Prompt) error

	// SubscribeToEvents returns the canonical event stream of a session. The
	// stream ends when ctx is cancelled or the backend aborts subscriptions.
	SubscribeToEvents(ctx context.Context, sessionID string) (*eventstream.Stream[AgentEvent], error)

	ReplyToPermission(ctx context.Context, requestID string, decision PermissionDecision) error
	ReplyToQuestion(ctx context.Context, requestID string, answers [][]string) error

	// AbortAllSubscriptions ends every open subscription stream.
	AbortAllSubscriptions()
}

// Factory creates an unconnected backend.
type Factory func() Backend

// Registry maps backend names to factories. It is constructed explicitly and
// handed to the orchestrator.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register backend: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register backend: %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New creates a fresh backend instance by name.
func (r *Registry) New(name string) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("unknown backend %q", name)}
	}
	return f(), nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
