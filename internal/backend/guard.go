package backend

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PromptGuard tracks the latest prompt per session so a completion belonging
// to a superseded prompt can be recognised and dropped.
type PromptGuard struct {
	mu     sync.Mutex
	seq    map[string]uint64
	latest map[string]string
}

// NewPromptGuard creates an empty guard.
func NewPromptGuard() *PromptGuard {
	return &PromptGuard{
		seq:    make(map[string]uint64),
		latest: make(map[string]string),
	}
}

// Begin registers a new prompt for sessionID and returns its sequence number
// and the user message id the prompt is sent under.
func (g *PromptGuard) Begin(sessionID string) (uint64, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq[sessionID]++
	id := NewMessageID()
	g.latest[sessionID] = id
	return g.seq[sessionID], id
}

// IsCurrent reports whether a completion whose parent is parentID belongs to
// the latest prompt of sessionID. Completions without a parent, or for a
// session that never prompted through this guard, are accepted.
func (g *PromptGuard) IsCurrent(sessionID, parentID string) bool {
	if parentID == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	latest, ok := g.latest[sessionID]
	if !ok {
		return true
	}
	return latest == parentID
}

// IsCurrentSeq reports whether seq is still the latest prompt of sessionID.
func (g *PromptGuard) IsCurrentSeq(sessionID string, seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq[sessionID] == seq
}

// LatestMessageID returns the user message id of the latest prompt.
func (g *PromptGuard) LatestMessageID(sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[sessionID]
}

// Forget drops all state for sessionID.
func (g *PromptGuard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seq, sessionID)
	delete(g.latest, sessionID)
}

// NewMessageID returns a time-ordered message id with the "msg_" prefix agent
// servers expect.
func NewMessageID() string {
	return fmt.Sprintf("msg_%012x%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:14])
}
