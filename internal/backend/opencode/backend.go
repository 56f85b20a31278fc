// Package opencode implements the agent backend against an opencode-style
// HTTP server: REST calls for sessions and prompts, server-sent events for the
// live event feed.
package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
	"github.com/ShayCichocki/loopd/internal/logging"
)

// Name is the registry name of this backend.
const Name = "opencode"

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
)

// Backend is an HTTP+SSE agent backend.
type Backend struct {
	log  zerolog.Logger
	http *http.Client

	mu      sync.Mutex
	client  *client
	cancel  context.CancelFunc
	sseDone chan struct{}

	hub    *backend.Hub
	broker *backend.Broker
	guard  *backend.PromptGuard

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
}

var _ backend.Backend = (*Backend)(nil)

// New creates an unconnected backend.
func New() *Backend {
	guard := backend.NewPromptGuard()
	return &Backend{
		log:               logging.Component("opencode"),
		http:              &http.Client{},
		hub:               backend.NewHub(guard),
		broker:            backend.NewBroker(),
		guard:             guard,
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
	}
}

// Factory is a backend.Factory for the registry.
func Factory() backend.Backend { return New() }

// Connect checks the server is reachable and opens the event stream.
func (b *Backend) Connect(ctx context.Context, cfg backend.ConnectConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return backend.ErrAlreadyConnected
	}
	if cfg.ServerURL == "" {
		return &backend.ConnectionError{Backend: Name, Err: errors.New("server url is required")}
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return &backend.ConnectionError{Backend: Name, Err: fmt.Errorf("server url: %w", err)}
	}
	c := &client{http: b.http, baseURL: cfg.ServerURL, directory: cfg.Directory}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.do(hctx, http.MethodGet, "/path", nil, nil); err != nil {
		return &backend.ConnectionError{Backend: Name, Err: err}
	}

	sseCtx, sseCancel := context.WithCancel(context.Background())
	body, err := c.openEvents(sseCtx)
	if err != nil {
		sseCancel()
		return &backend.ConnectionError{Backend: Name, Err: err}
	}

	b.client = c
	b.cancel = sseCancel
	b.sseDone = make(chan struct{})
	go b.eventLoop(sseCtx, c, body, b.sseDone)

	b.log.Info().Str("url", cfg.ServerURL).Msg("agent server connected")
	return nil
}

// Disconnect stops the event feed and ends every subscription.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.sseDone
	connected := b.client != nil
	b.client = nil
	b.cancel = nil
	b.sseDone = nil
	b.mu.Unlock()
	if !connected {
		return nil
	}
	cancel()
	<-done
	b.hub.AbortAll()
	b.broker.Clear()
	return nil
}

func (b *Backend) requireClient() (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, backend.ErrNotConnected
	}
	return b.client, nil
}

// eventLoop reads the event stream, reconnecting with backoff when it drops.
func (b *Backend) eventLoop(ctx context.Context, c *client, body io.ReadCloser, done chan struct{}) {
	defer close(done)
	delay := b.reconnectDelay
	for {
		err := readSSE(body, b.handleEvent)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		msg := "agent event stream closed"
		if err != nil {
			msg = fmt.Sprintf("agent event stream failed: %v", err)
		}
		b.log.Warn().Err(err).Msg("event stream dropped, reconnecting")
		b.hub.Broadcast("", backend.ErrorEvent("", msg))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			body, err = c.openEvents(ctx)
			if err == nil {
				delay = b.reconnectDelay
				break
			}
			delay *= 2
			if delay > b.maxReconnectDelay {
				delay = b.maxReconnectDelay
			}
		}
	}
}

// handleEvent registers agent requests with the broker, rewriting their ids
// to minted request ids, and forwards everything to the hub.
func (b *Backend) handleEvent(data []byte) {
	var ev backend.RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		b.hub.Broadcast("", backend.ErrorEvent("", fmt.Sprintf("malformed agent event: %v", err)))
		return
	}

	var kind backend.RequestKind
	switch ev.Type {
	case backend.RawPermissionAsked, backend.RawPermissionUpdated:
		kind = backend.RequestPermission
	case backend.RawQuestionAsked:
		kind = backend.RequestQuestion
	}
	if kind != "" {
		protocolID := gjson.GetBytes(ev.Properties, "id").String()
		raw, _ := json.Marshal(protocolID)
		reqID := b.broker.Register(backend.PendingRequest{
			Kind:       kind,
			SessionID:  backend.SessionIDOf(ev),
			ProtocolID: raw,
		})
		props, err := sjson.SetBytes(ev.Properties, "id", reqID)
		if err != nil {
			b.hub.Broadcast("", backend.ErrorEvent("", fmt.Sprintf("rewrite request id: %v", err)))
			return
		}
		ev.Properties = props
	}
	b.hub.Dispatch(ev)
}

// CreateSession creates a server-side session.
func (b *Backend) CreateSession(ctx context.Context, opts backend.SessionOptions) (*backend.AgentSession, error) {
	c, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	if opts.Directory != "" && opts.Directory != c.directory {
		scoped := *c
		scoped.directory = opts.Directory
		c = &scoped
	}
	var s session
	if err := c.do(ctx, http.MethodPost, "/session", map[string]string{"title": opts.Title}, &s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return toAgentSession(s), nil
}

// GetSession fetches a session, returning nil when it does not exist.
func (b *Backend) GetSession(ctx context.Context, id string) (*backend.AgentSession, error) {
	c, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	var s session
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(id), nil, &s); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return toAgentSession(s), nil
}

// DeleteSession deletes a session. Deleting a missing session succeeds.
func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	c, err := b.requireClient()
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(id), nil, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	b.guard.Forget(id)
	b.broker.DropSession(id)
	return nil
}

// SendPrompt posts a prompt and waits for the assistant reply.
func (b *Backend) SendPrompt(ctx context.Context, sessionID string, prompt backend.Prompt) (*backend.AgentResponse, error) {
	c, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	_, messageID := b.guard.Begin(sessionID)
	var resp promptResponse
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", newPromptBody(messageID, prompt), &resp); err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}
	var text []string
	for _, p := range resp.Parts {
		if p.Type == "text" && p.Text != "" {
			text = append(text, p.Text)
		}
	}
	return &backend.AgentResponse{MessageID: resp.Info.ID, Content: strings.Join(text, ""), StopReason: resp.Info.Finish}, nil
}

// SendPromptAsync posts a prompt and returns once the server accepted it.
// The prompt is sent under a fresh user message id so completions answering
// older prompts can be told apart.
func (b *Backend) SendPromptAsync(ctx context.Context, sessionID string, prompt backend.Prompt) error {
	c, err := b.requireClient()
	if err != nil {
		return err
	}
	_, messageID := b.guard.Begin(sessionID)
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", newPromptBody(messageID, prompt), nil); err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	return nil
}

// SubscribeToEvents opens a canonical event stream for a session.
func (b *Backend) SubscribeToEvents(ctx context.Context, sessionID string) (*eventstream.Stream[backend.AgentEvent], error) {
	if _, err := b.requireClient(); err != nil {
		return nil, err
	}
	return b.hub.Subscribe(ctx, sessionID), nil
}

// ReplyToPermission answers a pending permission request.
func (b *Backend) ReplyToPermission(ctx context.Context, requestID string, decision backend.PermissionDecision) error {
	c, err := b.requireClient()
	if err != nil {
		return err
	}
	req, err := b.broker.Lookup(requestID, backend.RequestPermission)
	if err != nil {
		return err
	}
	if _, err := backend.ParseDecision(string(decision)); err != nil {
		return err
	}
	var protocolID string
	_ = json.Unmarshal(req.ProtocolID, &protocolID)
	path := "/session/" + url.PathEscape(req.SessionID) + "/permissions/" + url.PathEscape(protocolID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"response": string(decision)}, nil); err != nil {
		return fmt.Errorf("reply to permission: %w", err)
	}
	b.broker.Resolve(requestID)
	return nil
}

// ReplyToQuestion answers a pending question.
func (b *Backend) ReplyToQuestion(ctx context.Context, requestID string, answers [][]string) error {
	c, err := b.requireClient()
	if err != nil {
		return err
	}
	req, err := b.broker.Lookup(requestID, backend.RequestQuestion)
	if err != nil {
		return err
	}
	var protocolID string
	_ = json.Unmarshal(req.ProtocolID, &protocolID)
	if answers == nil {
		answers = [][]string{}
	}
	if err := c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(protocolID)+"/reply", map[string]any{"answers": answers}, nil); err != nil {
		return fmt.Errorf("reply to question: %w", err)
	}
	b.broker.Resolve(requestID)
	return nil
}

// AbortAllSubscriptions ends every open event stream.
func (b *Backend) AbortAllSubscriptions() {
	b.hub.AbortAll()
}

func newPromptBody(messageID string, prompt backend.Prompt) promptBody {
	body := promptBody{
		MessageID: messageID,
		Parts:     []textPart{{Type: "text", Text: prompt.Text}},
	}
	if prompt.Model != nil && prompt.Model.ModelID != "" {
		body.Model = &modelRef{ProviderID: prompt.Model.ProviderID, ModelID: prompt.Model.ModelID}
	}
	return body
}

func toAgentSession(s session) *backend.AgentSession {
	created := time.Now()
	if s.Time.Created > 0 {
		created = time.UnixMilli(s.Time.Created)
	}
	return &backend.AgentSession{ID: s.ID, Title: s.Title, CreatedAt: created}
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
