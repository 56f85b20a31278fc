package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
)

// fakeAgent answers the handshake and session/new itself and hands prompts
// and every other inbound frame to the test.
type fakeAgent struct {
	t       *testing.T
	out     *io.PipeWriter
	prompts chan frame
	inbound chan frame
}

func newTestBackend(t *testing.T) (*Backend, *fakeAgent) {
	t.Helper()
	clientR, agentW := io.Pipe()
	agentR, clientW := io.Pipe()

	a := &fakeAgent{
		t:       t,
		out:     agentW,
		prompts: make(chan frame, 16),
		inbound: make(chan frame, 16),
	}
	go a.serve(agentR)

	b := New()
	require.NoError(t, b.attach(context.Background(), backend.ConnectConfig{Directory: t.TempDir()}, clientR, clientW, nil))
	t.Cleanup(func() {
		_ = b.Disconnect()
		_ = agentW.Close()
	})
	return b, a
}

func (a *fakeAgent) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		switch f.Method {
		case methodInitialize:
			a.reply(f.ID, map[string]any{"protocolVersion": ProtocolVersion, "agentCapabilities": map[string]any{}})
		case methodSessionNew:
			a.reply(f.ID, map[string]any{"sessionId": "sess-1"})
		case methodSessionPrompt:
			a.prompts <- f
		default:
			a.inbound <- f
		}
	}
}

func (a *fakeAgent) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.t.Errorf("marshal: %v", err)
		return
	}
	_, _ = a.out.Write(append(data, '\n'))
}

func (a *fakeAgent) reply(id json.RawMessage, result any) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (a *fakeAgent) update(u map[string]any) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  methodSessionUpdate,
		"params":  map[string]any{"sessionId": "sess-1", "update": u},
	})
}

func (a *fakeAgent) chunk(kind, text string) {
	a.update(map[string]any{"sessionUpdate": kind, "content": map[string]any{"type": "text", "text": text}})
}

func (a *fakeAgent) nextPrompt() frame {
	a.t.Helper()
	select {
	case f := <-a.prompts:
		return f
	case <-time.After(2 * time.Second):
		a.t.Fatal("agent received no prompt")
		return frame{}
	}
}

func (a *fakeAgent) nextInbound() frame {
	a.t.Helper()
	select {
	case f := <-a.inbound:
		return f
	case <-time.After(2 * time.Second):
		a.t.Fatal("agent received no frame")
		return frame{}
	}
}

func nextEvent(t *testing.T, s *eventstream.Stream[backend.AgentEvent]) backend.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok, "stream ended")
	return ev
}

// collectUntil reads events until stop returns true for one of them.
func collectUntil(t *testing.T, s *eventstream.Stream[backend.AgentEvent], stop func(backend.AgentEvent) bool) []backend.AgentEvent {
	t.Helper()
	var evs []backend.AgentEvent
	for {
		ev := nextEvent(t, s)
		evs = append(evs, ev)
		if stop(ev) {
			return evs
		}
	}
}

func openSession(t *testing.T, b *Backend) (*backend.AgentSession, *eventstream.Stream[backend.AgentEvent]) {
	t.Helper()
	sess, err := b.CreateSession(context.Background(), backend.SessionOptions{Title: "test"})
	require.NoError(t, err)
	require.Equal(t, "sess-1", sess.ID)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := b.SubscribeToEvents(ctx, sess.ID)
	require.NoError(t, err)
	return sess, stream
}

func TestOperationsRequireConnection(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.CreateSession(ctx, backend.SessionOptions{})
	assert.ErrorIs(t, err, backend.ErrNotConnected)
	assert.ErrorIs(t, b.SendPromptAsync(ctx, "s", backend.Prompt{Text: "x"}), backend.ErrNotConnected)
	_, err = b.SubscribeToEvents(ctx, "s")
	assert.ErrorIs(t, err, backend.ErrNotConnected)
	assert.ErrorIs(t, b.ReplyToPermission(ctx, "r", backend.DecisionOnce), backend.ErrNotConnected)
	assert.NoError(t, b.Disconnect())
}

func TestConnectTwiceFails(t *testing.T) {
	b, _ := newTestBackend(t)
	err := b.Connect(context.Background(), backend.ConnectConfig{Command: "unused"})
	assert.ErrorIs(t, err, backend.ErrAlreadyConnected)
}

func TestPromptStreamsAndCompletes(t *testing.T) {
	b, agent := newTestBackend(t)
	sess, stream := openSession(t, b)

	require.NoError(t, b.SendPromptAsync(context.Background(), sess.ID, backend.Prompt{Text: "build it"}))
	p := agent.nextPrompt()
	assert.Contains(t, string(p.Params), "build it")

	agent.chunk(updateAgentThoughtChunk, "Planning")
	agent.chunk(updateAgentMessageChunk, "Done. ")
	agent.chunk(updateAgentMessageChunk, "<promise>COMPLETE</promise>")
	agent.reply(p.ID, map[string]any{"stopReason": "end_turn"})

	evs := collectUntil(t, stream, func(ev backend.AgentEvent) bool { return ev.Type == backend.EventMessageComplete })
	var types []backend.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []backend.EventType{
		backend.EventMessageStart,
		backend.EventReasoningDelta,
		backend.EventMessageDelta,
		backend.EventMessageDelta,
		backend.EventMessageComplete,
	}, types)
	assert.Equal(t, "Planning", evs[1].Content)
	assert.Equal(t, "Done. <promise>COMPLETE</promise>", evs[len(evs)-1].Content)

	idle := nextEvent(t, stream)
	assert.Equal(t, backend.SessionIdle, idle.Status)
}

func TestSendPromptReturnsTurnText(t *testing.T) {
	b, agent := newTestBackend(t)
	sess, _ := openSession(t, b)

	go func() {
		p := agent.nextPrompt()
		agent.chunk(updateAgentMessageChunk, "short answer")
		agent.reply(p.ID, map[string]any{"stopReason": "end_turn"})
	}()

	resp, err := b.SendPrompt(context.Background(), sess.ID, backend.Prompt{Text: "name this"})
	require.NoError(t, err)
	assert.Equal(t, "short answer", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestStaleCompletionIsDropped(t *testing.T) {
	for _, order := range []string{"newest first", "oldest first"} {
		t.Run(order, func(t *testing.T) {
			b, agent := newTestBackend(t)
			sess, stream := openSession(t, b)

			require.NoError(t, b.SendPromptAsync(context.Background(), sess.ID, backend.Prompt{Text: "one"}))
			first := agent.nextPrompt()
			require.NoError(t, b.SendPromptAsync(context.Background(), sess.ID, backend.Prompt{Text: "two"}))
			second := agent.nextPrompt()

			if order == "newest first" {
				agent.reply(second.ID, map[string]any{"stopReason": "end_turn"})
				agent.reply(first.ID, map[string]any{"stopReason": "cancelled"})
			} else {
				agent.reply(first.ID, map[string]any{"stopReason": "cancelled"})
				agent.reply(second.ID, map[string]any{"stopReason": "end_turn"})
			}

			idle, complete := 0, 0
			collectUntil(t, stream, func(ev backend.AgentEvent) bool {
				switch {
				case ev.Type == backend.EventMessageComplete:
					complete++
				case ev.Type == backend.EventSessionStatus && ev.Status == backend.SessionIdle:
					idle++
				}
				return idle == 2
			})
			assert.Equal(t, 1, complete)
		})
	}
}

func TestToolCallTransitions(t *testing.T) {
	b, agent := newTestBackend(t)
	sess, stream := openSession(t, b)
	require.NoError(t, b.SendPromptAsync(context.Background(), sess.ID, backend.Prompt{Text: "run"}))
	p := agent.nextPrompt()

	agent.update(map[string]any{"sessionUpdate": updateToolCall, "toolCallId": "call-1", "title": "Run tests", "kind": "execute", "status": "pending", "rawInput": map[string]any{"command": "go test ./..."}})
	agent.update(map[string]any{"sessionUpdate": updateToolCallUpdate, "toolCallId": "call-1", "status": "in_progress"})
	agent.update(map[string]any{"sessionUpdate": updateToolCallUpdate, "toolCallId": "call-1", "status": "in_progress"})
	agent.update(map[string]any{
		"sessionUpdate": updateToolCallUpdate, "toolCallId": "call-1", "status": "completed",
		"content": []any{map[string]any{"type": "content", "content": map[string]any{"type": "text", "text": "ok"}}},
	})
	agent.reply(p.ID, map[string]any{"stopReason": "end_turn"})

	evs := collectUntil(t, stream, func(ev backend.AgentEvent) bool { return ev.Type == backend.EventMessageComplete })
	var starts, completes []backend.AgentEvent
	for _, ev := range evs {
		switch ev.Type {
		case backend.EventToolStart:
			starts = append(starts, ev)
		case backend.EventToolComplete:
			completes = append(completes, ev)
		}
	}
	require.Len(t, starts, 1)
	require.Len(t, completes, 1)
	assert.Equal(t, "execute", starts[0].ToolName)
	assert.JSONEq(t, `{"command":"go test ./..."}`, string(starts[0].Input))
	assert.Equal(t, "ok", completes[0].Output)
}

func TestPlanUpdateBecomesTodos(t *testing.T) {
	b, agent := newTestBackend(t)
	_, stream := openSession(t, b)

	agent.update(map[string]any{"sessionUpdate": updatePlan, "entries": []any{
		map[string]any{"content": "write parser", "priority": "high", "status": "in_progress"},
		map[string]any{"content": "add tests", "priority": "low", "status": "pending"},
	}})

	ev := nextEvent(t, stream)
	require.Equal(t, backend.EventTodoUpdated, ev.Type)
	require.Len(t, ev.Todos, 2)
	assert.Equal(t, "1", ev.Todos[0].ID)
	assert.Equal(t, "write parser", ev.Todos[0].Content)
	assert.EqualValues(t, "in_progress", ev.Todos[0].Status)
}

func TestPermissionRoundTrip(t *testing.T) {
	b, agent := newTestBackend(t)
	_, stream := openSession(t, b)

	agent.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      99,
		"method":  methodRequestPermission,
		"params": map[string]any{
			"sessionId": "sess-1",
			"toolCall":  map[string]any{"toolCallId": "call-9", "title": "git status", "kind": "execute", "rawInput": map[string]any{"command": "git status"}},
			"options": []any{
				map[string]any{"optionId": "yes", "name": "Allow", "kind": backend.OptionAllowOnce},
				map[string]any{"optionId": "yes-all", "name": "Always", "kind": backend.OptionAllowAlways},
				map[string]any{"optionId": "no", "name": "Reject", "kind": backend.OptionRejectOnce},
			},
		},
	})

	ev := nextEvent(t, stream)
	require.Equal(t, backend.EventPermissionAsked, ev.Type)
	assert.Equal(t, "execute", ev.Permission)
	assert.Equal(t, []string{"git status"}, ev.Patterns)
	require.NotEmpty(t, ev.RequestID)

	require.NoError(t, b.ReplyToPermission(context.Background(), ev.RequestID, backend.DecisionAlways))
	resp := agent.nextInbound()
	assert.JSONEq(t, `99`, string(resp.ID))
	assert.JSONEq(t, `{"outcome":{"outcome":"selected","optionId":"yes-all"}}`, string(resp.Result))

	err := b.ReplyToPermission(context.Background(), ev.RequestID, backend.DecisionAlways)
	assert.True(t, backend.IsUnknownRequest(err))
}

func TestQuestionRoundTrip(t *testing.T) {
	b, agent := newTestBackend(t)
	_, stream := openSession(t, b)

	agent.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      "q-1",
		"method":  methodAskQuestion,
		"params": map[string]any{
			"sessionId": "sess-1",
			"questions": []any{map[string]any{"question": "Which db?", "options": []any{map[string]any{"label": "sqlite"}, map[string]any{"label": "postgres"}}}},
		},
	})

	ev := nextEvent(t, stream)
	require.Equal(t, backend.EventQuestionAsked, ev.Type)
	require.Len(t, ev.Questions, 1)
	assert.Equal(t, "sqlite", ev.Questions[0].Options[0].Label)

	require.NoError(t, b.ReplyToQuestion(context.Background(), ev.RequestID, [][]string{{"sqlite"}}))
	resp := agent.nextInbound()
	assert.JSONEq(t, `"q-1"`, string(resp.ID))
	assert.JSONEq(t, `{"answers":[["sqlite"]]}`, string(resp.Result))
}

func TestUnknownAgentRequestGetsMethodNotFound(t *testing.T) {
	_, agent := newTestBackend(t)
	agent.send(map[string]any{"jsonrpc": "2.0", "id": 5, "method": "fs/read_text_file", "params": map[string]any{}})

	resp := agent.nextInbound()
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestMalformedFrameBecomesErrorEvent(t *testing.T) {
	b, agent := newTestBackend(t)
	_, stream := openSession(t, b)

	_, _ = agent.out.Write([]byte("this is not json\n"))
	ev := nextEvent(t, stream)
	assert.Equal(t, backend.EventError, ev.Type)
	assert.Contains(t, ev.Message, "malformed")

	agent.update(map[string]any{"sessionUpdate": updatePlan, "entries": []any{}})
	assert.Equal(t, backend.EventTodoUpdated, nextEvent(t, stream).Type)
}

func TestAgentExitEndsStreams(t *testing.T) {
	b, agent := newTestBackend(t)
	_, stream := openSession(t, b)

	require.NoError(t, agent.out.Close())
	ev := nextEvent(t, stream)
	assert.Equal(t, backend.EventError, ev.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.CreateSession(context.Background(), backend.SessionOptions{})
	assert.ErrorIs(t, err, backend.ErrNotConnected)
}
