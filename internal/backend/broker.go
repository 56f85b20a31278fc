package backend

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RequestKind distinguishes pending agent requests.
type RequestKind string

const (
	RequestPermission RequestKind = "permission"
	RequestQuestion   RequestKind = "question"
)

// Option kinds offered by agents on permission requests.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

// PermissionOption is one answer an agent offers for a permission request.
type PermissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// PendingRequest is an agent request awaiting a reply.
type PendingRequest struct {
	Kind      RequestKind
	SessionID string
	// ProtocolID is the transport's own id for the request: a JSON-RPC id
	// for stdio agents, the server's request id for HTTP agents.
	ProtocolID json.RawMessage
	Options    []PermissionOption
}

// Broker correlates agent requests with replies through minted request ids.
type Broker struct {
	mu      sync.Mutex
	pending map[string]PendingRequest
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]PendingRequest)}
}

// Register stores req and returns the request id exposed to consumers.
func (b *Broker) Register(req PendingRequest) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.pending[id] = req
	b.mu.Unlock()
	return id
}

// Lookup returns the pending request of the given kind.
func (b *Broker) Lookup(requestID string, kind RequestKind) (PendingRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[requestID]
	if !ok || req.Kind != kind {
		return PendingRequest{}, &UnknownRequestError{RequestID: requestID}
	}
	return req, nil
}

// Resolve discards a request after its reply was written.
func (b *Broker) Resolve(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// DropSession discards every pending request of sessionID.
func (b *Broker) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, req := range b.pending {
		if req.SessionID == sessionID {
			delete(b.pending, id)
		}
	}
}

// Clear discards every pending request.
func (b *Broker) Clear() {
	b.mu.Lock()
	b.pending = make(map[string]PendingRequest)
	b.mu.Unlock()
}

// Len returns the number of pending requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SelectOption maps a decision onto the option an agent offered.
// once selects allow_once, always selects allow_always and reject selects
// reject_once, falling back to reject_always.
func SelectOption(decision PermissionDecision, options []PermissionOption) (string, error) {
	var kinds []string
	switch decision {
	case DecisionOnce:
		kinds = []string{OptionAllowOnce}
	case DecisionAlways:
		kinds = []string{OptionAllowAlways}
	case DecisionReject:
		kinds = []string{OptionRejectOnce, OptionRejectAlways}
	default:
		return "", &ConfigurationError{Msg: fmt.Sprintf("unmapped permission decision %q", decision)}
	}
	for _, kind := range kinds {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt.ID, nil
			}
		}
	}
	return "", &ConfigurationError{Msg: fmt.Sprintf("agent offered no option for decision %q", decision)}
}

// ParseDecision validates a decision string.
func ParseDecision(s string) (PermissionDecision, error) {
	switch d := PermissionDecision(s); d {
	case DecisionOnce, DecisionAlways, DecisionReject:
		return d, nil
	}
	return "", &ConfigurationError{Msg: fmt.Sprintf("unmapped permission decision %q", s)}
}
