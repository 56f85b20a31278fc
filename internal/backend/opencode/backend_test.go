package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
)

type fakeServer struct {
	*httptest.Server
	events chan string

	mu       sync.Mutex
	prompts  []promptBody
	requests []string
	bodies   map[string]string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{events: make(chan string, 32), bodies: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /path", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"directory":"/tmp"}`))
	})
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(": connected\n\n"))
		flusher.Flush()
		for {
			select {
			case ev := <-fs.events:
				_, _ = fmt.Fprintf(w, "data: %s\n\n", ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		_, _ = w.Write([]byte(`{"id":"ses_1","title":"loop","time":{"created":1700000000000}}`))
	})
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "ses_1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ses_1","title":"loop"}`))
	})
	mux.HandleFunc("POST /session/{id}/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		var body promptBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.prompts = append(fs.prompts, body)
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /session/{id}/permissions/{perm}", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		_, _ = w.Write([]byte(`true`))
	})
	mux.HandleFunc("POST /question/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		_, _ = w.Write([]byte(`true`))
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) record(r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.requests = append(fs.requests, r.Method+" "+r.URL.Path)
	fs.bodies[r.URL.Path] = strings.TrimSpace(string(data))
}

func (fs *fakeServer) emit(typ string, props any) {
	data, _ := json.Marshal(map[string]any{"type": typ, "properties": props})
	fs.events <- string(data)
}

func (fs *fakeServer) prompt(i int) promptBody {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.prompts[i]
}

func connect(t *testing.T, fs *fakeServer) (*Backend, *eventstream.Stream[backend.AgentEvent]) {
	t.Helper()
	b := New()
	require.NoError(t, b.Connect(context.Background(), backend.ConnectConfig{ServerURL: fs.URL, Directory: "/tmp/work"}))
	t.Cleanup(func() { _ = b.Disconnect() })

	sess, err := b.CreateSession(context.Background(), backend.SessionOptions{Title: "loop"})
	require.NoError(t, err)
	require.Equal(t, "ses_1", sess.ID)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := b.SubscribeToEvents(ctx, sess.ID)
	require.NoError(t, err)
	return b, stream
}

func next(t *testing.T, s *eventstream.Stream[backend.AgentEvent]) backend.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return ev
}

func assistant(id, parent string, completed int64) map[string]any {
	return map[string]any{"info": map[string]any{
		"id": id, "sessionID": "ses_1", "role": "assistant", "parentID": parent,
		"time": map[string]any{"created": 1, "completed": completed},
	}}
}

func TestConnectRequiresServer(t *testing.T) {
	err := New().Connect(context.Background(), backend.ConnectConfig{})
	var connErr *backend.ConnectionError
	assert.ErrorAs(t, err, &connErr)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	err = New().Connect(context.Background(), backend.ConnectConfig{ServerURL: srv.URL})
	assert.ErrorAs(t, err, &connErr)
}

func TestConnectTwice(t *testing.T) {
	fs := newFakeServer(t)
	b, _ := connect(t, fs)
	assert.ErrorIs(t, b.Connect(context.Background(), backend.ConnectConfig{ServerURL: fs.URL}), backend.ErrAlreadyConnected)
}

func TestCreateSessionSendsDirectory(t *testing.T) {
	fs := newFakeServer(t)
	connect(t, fs)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Contains(t, fs.requests, "POST /session")
	assert.JSONEq(t, `{"title":"loop"}`, fs.bodies["/session"])
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	fs := newFakeServer(t)
	b, _ := connect(t, fs)

	sess, err := b.GetSession(context.Background(), "ses_missing")
	require.NoError(t, err)
	assert.Nil(t, sess)

	sess, err = b.GetSession(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "loop", sess.Title)
}

func TestPromptAsyncCompletesThroughEvents(t *testing.T) {
	fs := newFakeServer(t)
	b, stream := connect(t, fs)

	require.NoError(t, b.SendPromptAsync(context.Background(), "ses_1", backend.Prompt{Text: "go"}))
	msgID := fs.prompt(0).MessageID
	require.True(t, strings.HasPrefix(msgID, "msg_"))

	fs.emit(backend.RawMessageUpdated, map[string]any{"info": map[string]any{"id": msgID, "sessionID": "ses_1", "role": "user"}})
	fs.emit(backend.RawMessageUpdated, assistant("msg_a", msgID, 0))
	fs.emit(backend.RawMessagePartUpdated, map[string]any{"part": map[string]any{"id": "prt_1", "sessionID": "ses_1", "messageID": "msg_a", "type": "text", "text": ""}})
	fs.emit(backend.RawMessagePartDelta, map[string]any{"sessionID": "ses_1", "messageID": "msg_a", "partID": "prt_1", "field": "text", "delta": "<promise>COMPLETE</promise>"})
	fs.emit(backend.RawMessageUpdated, assistant("msg_a", msgID, 5))

	assert.Equal(t, backend.EventMessageStart, next(t, stream).Type)
	delta := next(t, stream)
	assert.Equal(t, backend.EventMessageDelta, delta.Type)
	complete := next(t, stream)
	assert.Equal(t, backend.EventMessageComplete, complete.Type)
	assert.Equal(t, "<promise>COMPLETE</promise>", complete.Content)
}

func TestStaleCompletionDropped(t *testing.T) {
	fs := newFakeServer(t)
	b, stream := connect(t, fs)

	require.NoError(t, b.SendPromptAsync(context.Background(), "ses_1", backend.Prompt{Text: "one"}))
	require.NoError(t, b.SendPromptAsync(context.Background(), "ses_1", backend.Prompt{Text: "two"}))
	first, second := fs.prompt(0).MessageID, fs.prompt(1).MessageID

	fs.emit(backend.RawMessageUpdated, assistant("msg_old", first, 5))
	fs.emit(backend.RawMessageUpdated, assistant("msg_new", second, 6))

	var types []backend.EventType
	for len(types) < 3 {
		types = append(types, next(t, stream).Type)
	}
	assert.Equal(t, []backend.EventType{backend.EventMessageStart, backend.EventMessageStart, backend.EventMessageComplete}, types)
}

func TestPermissionRequestUsesMintedID(t *testing.T) {
	fs := newFakeServer(t)
	b, stream := connect(t, fs)

	fs.emit(backend.RawPermissionAsked, map[string]any{"id": "per_1", "sessionID": "ses_1", "permission": "bash", "patterns": []string{"rm -rf build"}})
	ev := next(t, stream)
	require.Equal(t, backend.EventPermissionAsked, ev.Type)
	assert.NotEqual(t, "per_1", ev.RequestID)
	assert.Equal(t, []string{"rm -rf build"}, ev.Patterns)

	require.NoError(t, b.ReplyToPermission(context.Background(), ev.RequestID, backend.DecisionOnce))
	fs.mu.Lock()
	assert.JSONEq(t, `{"response":"once"}`, fs.bodies["/session/ses_1/permissions/per_1"])
	fs.mu.Unlock()

	assert.True(t, backend.IsUnknownRequest(b.ReplyToPermission(context.Background(), ev.RequestID, backend.DecisionOnce)))
}

func TestQuestionReply(t *testing.T) {
	fs := newFakeServer(t)
	b, stream := connect(t, fs)

	fs.emit(backend.RawQuestionAsked, map[string]any{"id": "que_1", "sessionID": "ses_1", "questions": []any{
		map[string]any{"question": "Proceed?", "options": []any{map[string]any{"label": "yes"}}},
	}})
	ev := next(t, stream)
	require.Equal(t, backend.EventQuestionAsked, ev.Type)

	require.NoError(t, b.ReplyToQuestion(context.Background(), ev.RequestID, [][]string{{"yes"}}))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.JSONEq(t, `{"answers":[["yes"]]}`, fs.bodies["/question/que_1/reply"])
}

func TestMalformedEventBecomesError(t *testing.T) {
	fs := newFakeServer(t)
	_, stream := connect(t, fs)

	fs.events <- "{not json"
	ev := next(t, stream)
	assert.Equal(t, backend.EventError, ev.Type)
}

func TestDisconnectEndsStreams(t *testing.T) {
	fs := newFakeServer(t)
	b, stream := connect(t, fs)

	require.NoError(t, b.Disconnect())
	assert.True(t, stream.Ended())
	assert.ErrorIs(t, b.SendPromptAsync(context.Background(), "ses_1", backend.Prompt{Text: "x"}), backend.ErrNotConnected)
}

func TestReadSSE(t *testing.T) {
	input := ": comment\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\n\nevent: ping\n\ndata: tail"
	var got []string
	require.NoError(t, readSSE(strings.NewReader(input), func(d []byte) { got = append(got, string(d)) }))
	assert.Equal(t, []string{`{"a":1}`, "line1\nline2", "tail"}, got)
}
