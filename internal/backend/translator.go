package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// Native event types understood by the translator. HTTP agent servers emit
// them directly; stdio transports synthesize them from protocol updates.
const (
	RawMessageUpdated     = "message.updated"
	RawMessagePartUpdated = "message.part.updated"
	RawMessagePartDelta   = "message.part.delta"
	RawSessionStatus      = "session.status"
	RawSessionIdle        = "session.idle"
	RawSessionError       = "session.error"
	RawPermissionAsked    = "permission.asked"
	RawPermissionUpdated  = "permission.updated"
	RawQuestionAsked      = "question.asked"
	RawTodoUpdated        = "todo.updated"
)

// RawEvent is a backend-native event envelope.
type RawEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// NewRawEvent marshals props into an envelope.
func NewRawEvent(typ string, props any) RawEvent {
	data, err := json.Marshal(props)
	if err != nil {
		data = []byte("{}")
	}
	return RawEvent{Type: typ, Properties: data}
}

// RawTime holds unix millisecond timestamps.
type RawTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// RawMessageError is the error attached to a failed assistant message.
type RawMessageError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// RawMessageInfo is the payload of message.updated.
type RawMessageInfo struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionID"`
	Role      string           `json:"role"`
	ParentID  string           `json:"parentID,omitempty"`
	Time      RawTime          `json:"time"`
	Finish    string           `json:"finish,omitempty"`
	Error     *RawMessageError `json:"error,omitempty"`
}

// RawToolState is the state of a tool part.
type RawToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Title  string          `json:"title,omitempty"`
}

// RawPart is the payload of message.part.updated.
type RawPart struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionID"`
	MessageID string        `json:"messageID"`
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	CallID    string        `json:"callID,omitempty"`
	State     *RawToolState `json:"state,omitempty"`
}

type rawPartUpdated struct {
	Part  RawPart `json:"part"`
	Delta *string `json:"delta,omitempty"`
}

type rawPartDelta struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
	Field     string `json:"field"`
	Delta     string `json:"delta"`
}

type rawSessionStatus struct {
	SessionID string `json:"sessionID"`
	Status    struct {
		Type    string `json:"type"`
		Attempt int    `json:"attempt,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"status"`
}

type rawSessionError struct {
	SessionID string           `json:"sessionID"`
	Error     *RawMessageError `json:"error,omitempty"`
}

type rawPermission struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Type       string   `json:"type,omitempty"`
	Title      string   `json:"title,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
	Pattern    any      `json:"pattern,omitempty"`
}

type rawQuestion struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Questions []Question `json:"questions"`
}

type rawTodos struct {
	SessionID string            `json:"sessionID"`
	Todos     []models.TodoItem `json:"todos"`
}

// SessionIDOf extracts the session a native event belongs to.
func SessionIDOf(ev RawEvent) string {
	for _, path := range []string{"sessionID", "info.sessionID", "part.sessionID"} {
		if v := gjson.GetBytes(ev.Properties, path); v.Exists() {
			return v.String()
		}
	}
	return ""
}

const (
	partText      = "text"
	partReasoning = "reasoning"
	partTool      = "tool"
)

// Translator converts one session's native events into canonical events and
// suppresses duplicates. Each subscription owns its own Translator, so two
// subscriptions never share dedup state.
type Translator struct {
	sessionID string
	guard     *PromptGuard

	// assistant message ids that produced message.start
	started   map[string]bool
	completed map[string]bool
	errored   map[string]bool
	users     map[string]bool
	// message id -> parent (user message) id
	parents map[string]string

	// tool part id -> last emitted status
	toolStatus map[string]string
	// text/reasoning part id -> length of text already emitted
	emitted map[string]int
	// part id -> declared part type
	partTypes map[string]string
	// part id -> owning message id
	partMessage map[string]string

	partText map[string]string
	// message id -> text part ids in first-seen order
	messageParts map[string][]string
	// assistant message ids in first-seen order
	order []string
}

// NewTranslator creates a translator for sessionID. guard may be nil, in which
// case every completion is accepted.
func NewTranslator(sessionID string, guard *PromptGuard) *Translator {
	return &Translator{
		sessionID:    sessionID,
		guard:        guard,
		started:      make(map[string]bool),
		completed:    make(map[string]bool),
		errored:      make(map[string]bool),
		users:        make(map[string]bool),
		parents:      make(map[string]string),
		toolStatus:   make(map[string]string),
		emitted:      make(map[string]int),
		partTypes:    make(map[string]string),
		partMessage:  make(map[string]string),
		partText:     make(map[string]string),
		messageParts: make(map[string][]string),
	}
}

// Translate converts one native event. Events for other sessions and unknown
// event types produce nothing; malformed payloads produce an error event.
func (t *Translator) Translate(ev RawEvent) []AgentEvent {
	if sid := SessionIDOf(ev); sid != "" && sid != t.sessionID {
		return nil
	}

	var (
		out []AgentEvent
		err error
	)
	switch ev.Type {
	case RawMessageUpdated:
		var p struct {
			Info RawMessageInfo `json:"info"`
		}
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = t.messageUpdated(p.Info)
		}
	case RawMessagePartUpdated:
		var p rawPartUpdated
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = t.partUpdated(p.Part, p.Delta)
		}
	case RawMessagePartDelta:
		var p rawPartDelta
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = t.partDelta(p)
		}
	case RawSessionStatus:
		var p rawSessionStatus
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = []AgentEvent{{
				Type:      EventSessionStatus,
				SessionID: t.sessionID,
				Status:    SessionStatus(p.Status.Type),
				Attempt:   p.Status.Attempt,
				Message:   p.Status.Message,
			}}
		}
	case RawSessionIdle:
		out = []AgentEvent{{Type: EventSessionStatus, SessionID: t.sessionID, Status: SessionIdle}}
	case RawSessionError:
		var p rawSessionError
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			msg := "session error"
			if p.Error != nil {
				msg = errorText(p.Error)
			}
			out = []AgentEvent{ErrorEvent(t.sessionID, msg)}
		}
	case RawPermissionAsked, RawPermissionUpdated:
		var p rawPermission
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = []AgentEvent{t.permission(p)}
		}
	case RawQuestionAsked:
		var p rawQuestion
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = []AgentEvent{{
				Type:      EventQuestionAsked,
				SessionID: t.sessionID,
				RequestID: p.ID,
				Questions: p.Questions,
			}}
		}
	case RawTodoUpdated:
		var p rawTodos
		if err = json.Unmarshal(ev.Properties, &p); err == nil {
			out = []AgentEvent{{Type: EventTodoUpdated, SessionID: t.sessionID, Todos: p.Todos}}
		}
	default:
		return nil
	}
	if err != nil {
		return []AgentEvent{ErrorEvent(t.sessionID, fmt.Sprintf("malformed %s event: %v", ev.Type, err))}
	}
	return out
}

func (t *Translator) messageUpdated(info RawMessageInfo) []AgentEvent {
	if info.ID == "" {
		return nil
	}
	if info.Role == "user" {
		t.users[info.ID] = true
		return nil
	}
	if info.Role != "" && info.Role != "assistant" {
		return nil
	}

	var out []AgentEvent
	if info.ParentID != "" {
		t.parents[info.ID] = info.ParentID
	}
	out = append(out, t.start(info.ID)...)

	if info.Error != nil && !t.errored[info.ID] {
		t.errored[info.ID] = true
		out = append(out, ErrorEvent(t.sessionID, errorText(info.Error)))
	}

	// Intermediate steps that stop to run tools are not turn completions.
	if info.Time.Completed > 0 && info.Finish != "tool-calls" && !t.completed[info.ID] {
		t.completed[info.ID] = true
		if t.guard != nil && !t.guard.IsCurrent(t.sessionID, info.ParentID) {
			return out
		}
		if info.Error != nil {
			return out
		}
		out = append(out, AgentEvent{
			Type:      EventMessageComplete,
			SessionID: t.sessionID,
			MessageID: info.ID,
			Content:   t.turnText(info.ID),
		})
	}
	return out
}

func (t *Translator) start(messageID string) []AgentEvent {
	if t.started[messageID] {
		return nil
	}
	t.started[messageID] = true
	t.order = append(t.order, messageID)
	return []AgentEvent{{Type: EventMessageStart, SessionID: t.sessionID, MessageID: messageID}}
}

func (t *Translator) partUpdated(part RawPart, delta *string) []AgentEvent {
	if part.ID == "" || t.users[part.MessageID] {
		return nil
	}
	if part.Type != "" {
		t.partTypes[part.ID] = part.Type
	}
	if part.MessageID != "" {
		t.partMessage[part.ID] = part.MessageID
	}

	switch part.Type {
	case partText, partReasoning:
		var out []AgentEvent
		if part.Type == partText {
			out = append(out, t.start(part.MessageID)...)
			t.trackTextPart(part.MessageID, part.ID)
		}
		prior := t.emitted[part.ID]
		var chunk string
		switch {
		case delta != nil && *delta != "":
			chunk = *delta
		case len(part.Text) > prior:
			chunk = part.Text[prior:]
		}
		if part.Text != "" {
			t.emitted[part.ID] = len(part.Text)
			t.partText[part.ID] = part.Text
		} else if chunk != "" {
			t.emitted[part.ID] = prior + len(chunk)
			t.partText[part.ID] += chunk
		}
		if chunk == "" {
			return out
		}
		return append(out, t.deltaEvent(part.Type, part.MessageID, chunk))
	case partTool:
		return t.toolUpdated(part)
	}
	return nil
}

func (t *Translator) partDelta(d rawPartDelta) []AgentEvent {
	if d.PartID == "" || d.Delta == "" || t.users[d.MessageID] {
		return nil
	}
	if d.Field != "" && d.Field != "text" {
		return nil
	}
	msgID := d.MessageID
	if msgID == "" {
		msgID = t.partMessage[d.PartID]
	}
	typ, ok := t.partTypes[d.PartID]
	if !ok {
		typ = partText
	}
	if typ != partText && typ != partReasoning {
		return nil
	}

	var out []AgentEvent
	if typ == partText {
		out = append(out, t.start(msgID)...)
		t.trackTextPart(msgID, d.PartID)
	}
	t.emitted[d.PartID] += len(d.Delta)
	t.partText[d.PartID] += d.Delta
	return append(out, t.deltaEvent(typ, msgID, d.Delta))
}

func (t *Translator) deltaEvent(partType, messageID, chunk string) AgentEvent {
	typ := EventMessageDelta
	if partType == partReasoning {
		typ = EventReasoningDelta
	}
	return AgentEvent{Type: typ, SessionID: t.sessionID, MessageID: messageID, Content: chunk}
}

func (t *Translator) toolUpdated(part RawPart) []AgentEvent {
	if part.State == nil {
		return nil
	}
	status := part.State.Status
	if status == "pending" {
		status = "running"
	}
	if t.toolStatus[part.ID] == status {
		return nil
	}
	t.toolStatus[part.ID] = status

	var out []AgentEvent
	switch status {
	case "running":
		out = append(out, AgentEvent{
			Type:      EventToolStart,
			SessionID: t.sessionID,
			MessageID: part.MessageID,
			ToolName:  part.Tool,
			Input:     part.State.Input,
		})
		if todos := checklistFromJSON(part.State.Input); len(todos) > 0 {
			out = append(out, AgentEvent{Type: EventTodoUpdated, SessionID: t.sessionID, Todos: todos})
		}
	case "completed":
		out = append(out, AgentEvent{
			Type:      EventToolComplete,
			SessionID: t.sessionID,
			MessageID: part.MessageID,
			ToolName:  part.Tool,
			Output:    rawText(part.State.Output),
		})
		if todos := checklistFromJSON(part.State.Output); len(todos) > 0 {
			out = append(out, AgentEvent{Type: EventTodoUpdated, SessionID: t.sessionID, Todos: todos})
		}
	case "error":
		out = append(out, AgentEvent{
			Type:      EventToolComplete,
			SessionID: t.sessionID,
			MessageID: part.MessageID,
			ToolName:  part.Tool,
			Output:    "error: " + part.State.Error,
		})
	}
	return out
}

func (t *Translator) permission(p rawPermission) AgentEvent {
	perm := p.Permission
	if perm == "" {
		perm = p.Type
	}
	patterns := p.Patterns
	switch v := p.Pattern.(type) {
	case string:
		patterns = append(patterns, v)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				patterns = append(patterns, str)
			}
		}
	}
	return AgentEvent{
		Type:       EventPermissionAsked,
		SessionID:  t.sessionID,
		RequestID:  p.ID,
		Permission: perm,
		Patterns:   patterns,
		Message:    p.Title,
	}
}

func (t *Translator) trackTextPart(messageID, partID string) {
	for _, id := range t.messageParts[messageID] {
		if id == partID {
			return
		}
	}
	t.messageParts[messageID] = append(t.messageParts[messageID], partID)
}

// turnText returns the text of every assistant message answering the same
// prompt as messageID.
func (t *Translator) turnText(messageID string) string {
	parent := t.parents[messageID]
	var parts []string
	for _, id := range t.order {
		if id != messageID && (parent == "" || t.parents[id] != parent) {
			continue
		}
		var b strings.Builder
		for _, pid := range t.messageParts[id] {
			b.WriteString(t.partText[pid])
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	return strings.Join(parts, "\n")
}

func errorText(e *RawMessageError) string {
	if e.Data.Message != "" {
		if e.Name != "" {
			return e.Name + ": " + e.Data.Message
		}
		return e.Data.Message
	}
	if e.Name != "" {
		return e.Name
	}
	return "unknown error"
}

// rawText renders a JSON value as text, unquoting plain strings.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.String()
	}
	return string(raw)
}
