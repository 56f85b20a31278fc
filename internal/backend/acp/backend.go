// Package acp implements the agent backend over the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 exchanged with an agent subprocess on stdio.
//
// Protocol updates are rewritten into the native event shapes understood by
// backend.Translator so both transports share translation, dedup and stale
// completion handling.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
	"github.com/ShayCichocki/loopd/internal/logging"
	"github.com/ShayCichocki/loopd/internal/version"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// Name is the registry name of this backend.
const Name = "acp"

const defaultHandshakeTimeout = 30 * time.Second

// Backend talks ACP to a single agent process.
type Backend struct {
	log zerolog.Logger

	mu       sync.Mutex
	conn     *conn
	proc     *process
	cfg      backend.ConnectConfig
	sessions map[string]*session

	hub    *backend.Hub
	broker *backend.Broker
	guard  *backend.PromptGuard
}

type session struct {
	info backend.AgentSession
	cwd  string

	userID      string
	assistantID string
	announced   bool
	text        strings.Builder
	thought     string
	tools       map[string]*toolCall
}

type toolCall struct {
	title  string
	kind   string
	input  json.RawMessage
	status string
}

var _ backend.Backend = (*Backend)(nil)

// New creates an unconnected ACP backend.
func New() *Backend {
	guard := backend.NewPromptGuard()
	return &Backend{
		log:      logging.Component("acp"),
		sessions: make(map[string]*session),
		hub:      backend.NewHub(guard),
		broker:   backend.NewBroker(),
		guard:    guard,
	}
}

// Factory is a backend.Factory for the registry.
func Factory() backend.Backend { return New() }

// Connect spawns the agent process and performs the initialize handshake.
func (b *Backend) Connect(ctx context.Context, cfg backend.ConnectConfig) error {
	b.mu.Lock()
	connected := b.conn != nil
	b.mu.Unlock()
	if connected {
		return backend.ErrAlreadyConnected
	}

	proc, err := startProcess(cfg.Command, cfg.Args, cfg.Directory, cfg.Env, b.log)
	if err != nil {
		return &backend.ConnectionError{Backend: Name, Err: err}
	}
	if err := b.attach(ctx, cfg, proc.stdout, proc.stdin, proc); err != nil {
		proc.stop()
		if tail := proc.stderrTail(); tail != "" {
			return fmt.Errorf("%w (agent stderr: %s)", err, tail)
		}
		return err
	}
	b.log.Info().Str("command", cfg.Command).Msg("agent connected")
	return nil
}

// attach runs the handshake over an established byte stream.
func (b *Backend) attach(ctx context.Context, cfg backend.ConnectConfig, r io.Reader, w io.WriteCloser, proc *process) error {
	c := newConn(r, w, b)
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return backend.ErrAlreadyConnected
	}
	b.conn = c
	b.proc = proc
	b.cfg = cfg
	b.mu.Unlock()
	c.start()

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res initializeResult
	err := c.call(hctx, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo{Name: "loopd", Version: version.Get()},
	}, &res)
	if err == nil && res.ProtocolVersion != ProtocolVersion {
		err = fmt.Errorf("unsupported protocol version %d", res.ProtocolVersion)
	}
	if err != nil {
		b.detach()
		_ = c.close()
		return &backend.ConnectionError{Backend: Name, Err: fmt.Errorf("initialize: %w", err)}
	}
	return nil
}

// detach clears connection state and returns what was attached.
func (b *Backend) detach() (*conn, *process) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, p := b.conn, b.proc
	b.conn = nil
	b.proc = nil
	b.sessions = make(map[string]*session)
	return c, p
}

// Disconnect closes the connection, stops the agent process and ends every
// subscription.
func (b *Backend) Disconnect() error {
	c, p := b.detach()
	if c == nil {
		return nil
	}
	err := c.close()
	if p != nil {
		p.stop()
	}
	b.hub.AbortAll()
	b.broker.Clear()
	b.log.Info().Msg("agent disconnected")
	return err
}

func (b *Backend) requireConn() (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, backend.ErrNotConnected
	}
	return b.conn, nil
}

// CreateSession opens an ACP session rooted at the requested directory.
func (b *Backend) CreateSession(ctx context.Context, opts backend.SessionOptions) (*backend.AgentSession, error) {
	c, err := b.requireConn()
	if err != nil {
		return nil, err
	}
	cwd := opts.Directory
	if cwd == "" {
		b.mu.Lock()
		cwd = b.cfg.Directory
		b.mu.Unlock()
	}
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve session directory: %w", err)
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return nil, fmt.Errorf("resolve session directory: %w", err)
	}

	var res newSessionResult
	if err := c.call(ctx, methodSessionNew, newSessionParams{Cwd: cwd, MCPServers: []any{}}, &res); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("create session: agent returned empty session id")
	}

	if opts.Model != nil && opts.Model.ModelID != "" {
		if err := c.call(ctx, methodSetModel, setModelParams{SessionID: res.SessionID, ModelID: opts.Model.ModelID}, nil); err != nil {
			b.log.Warn().Err(err).Str("model", opts.Model.ModelID).Msg("agent rejected model selection")
		}
	}

	s := &session{
		info:  backend.AgentSession{ID: res.SessionID, Title: opts.Title, CreatedAt: time.Now()},
		cwd:   cwd,
		tools: make(map[string]*toolCall),
	}
	b.mu.Lock()
	b.sessions[res.SessionID] = s
	b.mu.Unlock()

	info := s.info
	return &info, nil
}

// GetSession returns a session created on this connection.
func (b *Backend) GetSession(_ context.Context, id string) (*backend.AgentSession, error) {
	if _, err := b.requireConn(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, nil
	}
	info := s.info
	return &info, nil
}

// DeleteSession cancels outstanding work and forgets the session.
func (b *Backend) DeleteSession(_ context.Context, id string) error {
	c, err := b.requireConn()
	if err != nil {
		return err
	}
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.guard.Forget(id)
	b.broker.DropSession(id)
	return c.notify(methodSessionCancel, cancelParams{SessionID: id})
}

// beginTurn resets per-turn state and registers the prompt with the guard.
func (b *Backend) beginTurn(sessionID string) (userID, assistantID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", backend.ErrSessionNotFound, sessionID)
	}
	_, userID = b.guard.Begin(sessionID)
	s.userID = userID
	s.assistantID = backend.NewMessageID()
	s.announced = false
	s.text.Reset()
	s.thought = ""
	return s.userID, s.assistantID, nil
}

// SendPrompt sends a prompt and waits for the turn to end.
func (b *Backend) SendPrompt(ctx context.Context, sessionID string, prompt backend.Prompt) (*backend.AgentResponse, error) {
	c, err := b.requireConn()
	if err != nil {
		return nil, err
	}
	userID, assistantID, err := b.beginTurn(sessionID)
	if err != nil {
		return nil, err
	}

	var res promptResult
	err = c.call(ctx, methodSessionPrompt, promptParams{
		SessionID: sessionID,
		Prompt:    []contentBlock{{Type: "text", Text: prompt.Text}},
	}, &res)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		_ = c.notify(methodSessionCancel, cancelParams{SessionID: sessionID})
	}
	b.finishTurn(sessionID, userID, assistantID, res.StopReason, err)
	if err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}

	b.mu.Lock()
	var content string
	if s, ok := b.sessions[sessionID]; ok && s.assistantID == assistantID {
		content = s.text.String()
	}
	b.mu.Unlock()
	return &backend.AgentResponse{MessageID: assistantID, Content: content, StopReason: res.StopReason}, nil
}

// SendPromptAsync sends a prompt and returns immediately. The turn's
// completion arrives on the session's event stream.
func (b *Backend) SendPromptAsync(_ context.Context, sessionID string, prompt backend.Prompt) error {
	c, err := b.requireConn()
	if err != nil {
		return err
	}
	userID, assistantID, err := b.beginTurn(sessionID)
	if err != nil {
		return err
	}

	go func() {
		var res promptResult
		err := c.call(context.Background(), methodSessionPrompt, promptParams{
			SessionID: sessionID,
			Prompt:    []contentBlock{{Type: "text", Text: prompt.Text}},
		}, &res)
		b.finishTurn(sessionID, userID, assistantID, res.StopReason, err)
	}()
	return nil
}

// finishTurn publishes the end of a prompt. Completions of superseded prompts
// are still published; the translator drops them by parent id.
func (b *Backend) finishTurn(sessionID, userID, assistantID, stopReason string, err error) {
	if errors.Is(err, ErrConnClosed) {
		return
	}
	if err != nil {
		if b.guard.IsCurrent(sessionID, userID) {
			b.hub.Dispatch(backend.NewRawEvent(backend.RawSessionError, map[string]any{
				"sessionID": sessionID,
				"error":     map[string]any{"name": "PromptError", "data": map[string]any{"message": err.Error()}},
			}))
		}
	} else {
		now := time.Now().UnixMilli()
		b.hub.Dispatch(backend.NewRawEvent(backend.RawMessageUpdated, map[string]any{
			"info": backend.RawMessageInfo{
				ID:        assistantID,
				SessionID: sessionID,
				Role:      "assistant",
				ParentID:  userID,
				Time:      backend.RawTime{Created: now, Completed: now},
				Finish:    stopReason,
			},
		}))
	}
	b.hub.Dispatch(backend.NewRawEvent(backend.RawSessionIdle, map[string]any{"sessionID": sessionID}))
}

// SubscribeToEvents opens a canonical event stream for a session.
func (b *Backend) SubscribeToEvents(ctx context.Context, sessionID string) (*eventstream.Stream[backend.AgentEvent], error) {
	if _, err := b.requireConn(); err != nil {
		return nil, err
	}
	return b.hub.Subscribe(ctx, sessionID), nil
}

// ReplyToPermission answers a pending session/request_permission.
func (b *Backend) ReplyToPermission(_ context.Context, requestID string, decision backend.PermissionDecision) error {
	c, err := b.requireConn()
	if err != nil {
		return err
	}
	req, err := b.broker.Lookup(requestID, backend.RequestPermission)
	if err != nil {
		return err
	}
	optionID, err := backend.SelectOption(decision, req.Options)
	if err != nil {
		return err
	}
	if err := c.respond(req.ProtocolID, requestPermissionResult{
		Outcome: permissionOutcome{Outcome: "selected", OptionID: optionID},
	}); err != nil {
		return fmt.Errorf("reply to permission: %w", err)
	}
	b.broker.Resolve(requestID)
	return nil
}

// ReplyToQuestion answers a pending session/ask_question.
func (b *Backend) ReplyToQuestion(_ context.Context, requestID string, answers [][]string) error {
	c, err := b.requireConn()
	if err != nil {
		return err
	}
	req, err := b.broker.Lookup(requestID, backend.RequestQuestion)
	if err != nil {
		return err
	}
	if answers == nil {
		answers = [][]string{}
	}
	if err := c.respond(req.ProtocolID, askQuestionResult{Answers: answers}); err != nil {
		return fmt.Errorf("reply to question: %w", err)
	}
	b.broker.Resolve(requestID)
	return nil
}

// AbortAllSubscriptions ends every open event stream.
func (b *Backend) AbortAllSubscriptions() {
	b.hub.AbortAll()
}

func (b *Backend) handleNotification(method string, params json.RawMessage) {
	if method != methodSessionUpdate {
		b.log.Debug().Str("method", method).Msg("ignoring agent notification")
		return
	}
	var n sessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		b.hub.Broadcast("", backend.ErrorEvent("", fmt.Sprintf("malformed session/update: %v", err)))
		return
	}
	for _, ev := range b.rewriteUpdate(n) {
		b.hub.Dispatch(ev)
	}
}

// rewriteUpdate maps one session/update onto native events.
func (b *Backend) rewriteUpdate(n sessionNotification) []backend.RawEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[n.SessionID]
	if !ok {
		return nil
	}
	u := n.Update

	var out []backend.RawEvent
	announce := func() {
		if s.announced {
			return
		}
		s.announced = true
		out = append(out, backend.NewRawEvent(backend.RawMessageUpdated, map[string]any{
			"info": backend.RawMessageInfo{
				ID:        s.assistantID,
				SessionID: n.SessionID,
				Role:      "assistant",
				ParentID:  s.userID,
				Time:      backend.RawTime{Created: time.Now().UnixMilli()},
			},
		}))
	}

	switch u.SessionUpdate {
	case updateAgentMessageChunk:
		chunk := gjson.GetBytes(u.Content, "text").String()
		if chunk == "" {
			return nil
		}
		announce()
		s.text.WriteString(chunk)
		out = append(out, backend.NewRawEvent(backend.RawMessagePartUpdated, map[string]any{
			"part": backend.RawPart{
				ID:        s.assistantID + "_text",
				SessionID: n.SessionID,
				MessageID: s.assistantID,
				Type:      "text",
				Text:      s.text.String(),
			},
			"delta": chunk,
		}))
	case updateAgentThoughtChunk:
		chunk := gjson.GetBytes(u.Content, "text").String()
		if chunk == "" {
			return nil
		}
		announce()
		s.thought += chunk
		out = append(out, backend.NewRawEvent(backend.RawMessagePartUpdated, map[string]any{
			"part": backend.RawPart{
				ID:        s.assistantID + "_reasoning",
				SessionID: n.SessionID,
				MessageID: s.assistantID,
				Type:      "reasoning",
				Text:      s.thought,
			},
		}))
	case updateToolCall, updateToolCallUpdate:
		if u.ToolCallID == "" {
			return nil
		}
		announce()
		tc, ok := s.tools[u.ToolCallID]
		if !ok {
			tc = &toolCall{status: "pending"}
			s.tools[u.ToolCallID] = tc
		}
		if u.Title != "" {
			tc.title = u.Title
		}
		if u.Kind != "" {
			tc.kind = u.Kind
		}
		if len(u.RawInput) > 0 {
			tc.input = u.RawInput
		}
		if u.Status != "" {
			tc.status = u.Status
		}
		state := backend.RawToolState{Status: toolStatus(tc.status), Input: tc.input, Title: tc.title}
		if output := toolOutput(u); output != "" {
			if state.Status == "error" {
				state.Error = output
			} else {
				state.Output, _ = json.Marshal(output)
			}
		}
		name := tc.kind
		if name == "" {
			name = tc.title
		}
		out = append(out, backend.NewRawEvent(backend.RawMessagePartUpdated, map[string]any{
			"part": backend.RawPart{
				ID:        u.ToolCallID,
				SessionID: n.SessionID,
				MessageID: s.assistantID,
				Type:      "tool",
				Tool:      name,
				CallID:    u.ToolCallID,
				State:     &state,
			},
		}))
	case updatePlan:
		todos := make([]models.TodoItem, 0, len(u.Entries))
		for i, e := range u.Entries {
			todos = append(todos, models.TodoItem{
				ID:       strconv.Itoa(i + 1),
				Content:  e.Content,
				Status:   models.TodoStatus(e.Status),
				Priority: models.TodoPriority(e.Priority),
			})
		}
		out = append(out, backend.NewRawEvent(backend.RawTodoUpdated, map[string]any{
			"sessionID": n.SessionID,
			"todos":     todos,
		}))
	case updateUserMessageChunk:
	default:
		b.log.Debug().Str("update", u.SessionUpdate).Msg("ignoring session update")
	}
	return out
}

func (b *Backend) handleRequest(id json.RawMessage, method string, params json.RawMessage) {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return
	}

	switch method {
	case methodRequestPermission:
		var p requestPermissionParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = c.respondError(id, codeInternalError, "invalid params: "+err.Error())
			return
		}
		options := make([]backend.PermissionOption, 0, len(p.Options))
		for _, o := range p.Options {
			options = append(options, backend.PermissionOption{ID: o.OptionID, Name: o.Name, Kind: o.Kind})
		}
		reqID := b.broker.Register(backend.PendingRequest{
			Kind:       backend.RequestPermission,
			SessionID:  p.SessionID,
			ProtocolID: id,
			Options:    options,
		})
		permission := p.ToolCall.Kind
		if permission == "" {
			permission = p.ToolCall.Title
		}
		b.hub.Dispatch(backend.NewRawEvent(backend.RawPermissionAsked, map[string]any{
			"id":         reqID,
			"sessionID":  p.SessionID,
			"permission": permission,
			"title":      p.ToolCall.Title,
			"patterns":   inputPatterns(p.ToolCall.RawInput),
		}))
	case methodAskQuestion:
		var p askQuestionParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = c.respondError(id, codeInternalError, "invalid params: "+err.Error())
			return
		}
		questions := make([]backend.Question, 0, len(p.Questions))
		for _, q := range p.Questions {
			opts := make([]backend.QuestionOption, 0, len(q.Options))
			for _, o := range q.Options {
				opts = append(opts, backend.QuestionOption{Label: o.Label, Description: o.Description})
			}
			questions = append(questions, backend.Question{Question: q.Question, Header: q.Header, Options: opts, Multiple: q.MultiSelect})
		}
		reqID := b.broker.Register(backend.PendingRequest{
			Kind:       backend.RequestQuestion,
			SessionID:  p.SessionID,
			ProtocolID: id,
		})
		b.hub.Dispatch(backend.NewRawEvent(backend.RawQuestionAsked, map[string]any{
			"id":        reqID,
			"sessionID": p.SessionID,
			"questions": questions,
		}))
	default:
		_ = c.respondError(id, codeMethodNotFound, "method not found: "+method)
	}
}

func (b *Backend) handleMalformed(line []byte, err error) {
	b.log.Warn().Err(err).Int("bytes", len(line)).Msg("malformed agent frame")
	b.hub.Broadcast("", backend.ErrorEvent("", fmt.Sprintf("malformed agent frame: %v", err)))
}

func (b *Backend) handleClosed(err error) {
	b.mu.Lock()
	intentional := b.conn == nil
	b.mu.Unlock()
	if intentional {
		return
	}
	c, p := b.detach()
	if c != nil {
		_ = c.close()
	}
	msg := "agent connection closed"
	if err != nil && !errors.Is(err, io.EOF) {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if p != nil {
		if tail := p.stderrTail(); tail != "" {
			msg += ": " + tail
		}
		go p.stop()
	}
	b.log.Error().Err(err).Msg(msg)
	b.hub.Broadcast("", backend.ErrorEvent("", msg))
	b.hub.AbortAll()
	b.broker.Clear()
}

func toolStatus(acpStatus string) string {
	switch acpStatus {
	case "pending":
		return "pending"
	case "completed":
		return "completed"
	case "failed":
		return "error"
	default:
		return "running"
	}
}

// toolOutput renders a tool call's output from rawOutput or its text content.
func toolOutput(u sessionUpdate) string {
	if len(u.RawOutput) > 0 {
		res := gjson.ParseBytes(u.RawOutput)
		if res.Type == gjson.String {
			return res.String()
		}
		return string(u.RawOutput)
	}
	var texts []string
	for _, t := range gjson.GetBytes(u.Content, "#.content.text").Array() {
		texts = append(texts, t.String())
	}
	return strings.Join(texts, "\n")
}

// inputPatterns picks the command or path a tool call acts on.
func inputPatterns(raw json.RawMessage) []string {
	for _, key := range []string{"command", "file_path", "path", "abs_path", "url"} {
		if v := gjson.GetBytes(raw, key); v.Exists() && v.String() != "" {
			return []string{v.String()}
		}
	}
	return []string{}
}
