package backend

import (
	"encoding/json"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// EventType tags a canonical AgentEvent.
type EventType string

const (
	EventMessageStart    EventType = "message.start"
	EventMessageDelta    EventType = "message.delta"
	EventMessageComplete EventType = "message.complete"
	EventReasoningDelta  EventType = "reasoning.delta"
	EventToolStart       EventType = "tool.start"
	EventToolComplete    EventType = "tool.complete"
	EventError           EventType = "error"
	EventPermissionAsked EventType = "permission.asked"
	EventQuestionAsked   EventType = "question.asked"
	EventSessionStatus   EventType = "session.status"
	EventTodoUpdated     EventType = "todo.updated"
)

// SessionStatus is the coarse activity state of a session.
type SessionStatus string

const (
	SessionIdle  SessionStatus = "idle"
	SessionBusy  SessionStatus = "busy"
	SessionRetry SessionStatus = "retry"
)

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one multiple-choice question asked by the agent.
type Question struct {
	Question string           `json:"question"`
	Header   string           `json:"header,omitempty"`
	Options  []QuestionOption `json:"options"`
	Multiple bool             `json:"multiple,omitempty"`
}

// AgentEvent is the canonical event union. Only the fields relevant to Type
// are set.
type AgentEvent struct {
	Type EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	// Content carries message and reasoning text.
	Content string `json:"content,omitempty"`

	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`

	// Message carries error text and session status detail.
	Message string `json:"message,omitempty"`

	RequestID  string     `json:"request_id,omitempty"`
	Permission string     `json:"permission,omitempty"`
	Patterns   []string   `json:"patterns,omitempty"`
	Questions  []Question `json:"questions,omitempty"`

	Status  SessionStatus `json:"status,omitempty"`
	Attempt int           `json:"attempt,omitempty"`

	Todos []models.TodoItem `json:"todos,omitempty"`
}

// ErrorEvent builds a canonical error event.
func ErrorEvent(sessionID, msg string) AgentEvent {
	return AgentEvent{Type: EventError, SessionID: sessionID, Message: msg}
}
