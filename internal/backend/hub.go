package backend

import (
	"context"
	"sync"

	"github.com/ShayCichocki/loopd/internal/eventstream"
)

type subscription struct {
	sessionID string
	tr        *Translator
	stream    *eventstream.Stream[AgentEvent]
}

// Hub fans native events out to per-session subscriptions. Each subscription
// translates independently so dedup state is never shared.
type Hub struct {
	mu    sync.Mutex
	subs  map[*subscription]struct{}
	guard *PromptGuard
}

// NewHub creates a hub whose translators consult guard for stale completions.
func NewHub(guard *PromptGuard) *Hub {
	return &Hub{subs: make(map[*subscription]struct{}), guard: guard}
}

// Subscribe opens a stream for sessionID. The stream ends when ctx is done or
// on AbortAll.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) *eventstream.Stream[AgentEvent] {
	sub := &subscription{
		sessionID: sessionID,
		tr:        NewTranslator(sessionID, h.guard),
		stream:    eventstream.New[AgentEvent](),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.stream.Done():
		}
		h.remove(sub)
	}()
	return sub.stream
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.stream.End()
}

// Dispatch translates ev for every subscription of its session.
func (h *Hub) Dispatch(ev RawEvent) {
	sid := SessionIDOf(ev)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sid != "" && sub.sessionID != sid {
			continue
		}
		for _, out := range sub.tr.Translate(ev) {
			sub.stream.Push(out)
		}
	}
}

// Broadcast pushes a canonical event to subscriptions of sessionID, or to all
// subscriptions when sessionID is empty.
func (h *Hub) Broadcast(sessionID string, ev AgentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		e := ev
		e.SessionID = sub.sessionID
		sub.stream.Push(e)
	}
}

// AbortAll ends every open subscription.
func (h *Hub) AbortAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscription]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.stream.End()
	}
}

// Count returns the number of open subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
