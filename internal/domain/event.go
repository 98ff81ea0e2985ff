package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind identifies the kind of streaming event emitted by a backend.
type EventKind string

const (
	EventRunStarted         EventKind = "RunStarted"
	EventRunResponseContent EventKind = "RunResponseContent"
	EventRunCompleted       EventKind = "RunCompleted"
	EventRunError           EventKind = "RunError"
	EventHeartbeat          EventKind = "Heartbeat"
)

// eventAliases maps non-canonical event discriminators seen in the wild to
// their canonical kind. Lookup is case-insensitive.
var eventAliases = map[string]EventKind{
	"runstarted":             EventRunStarted,
	"runresponse":            EventRunResponseContent,
	"runresponsecontent":     EventRunResponseContent,
	"teamrunstarted":         EventRunStarted,
	"teamrunresponse":        EventRunResponseContent,
	"teamrunresponsecontent": EventRunResponseContent,
	"teamruncompleted":       EventRunCompleted,
	"runcompleted":           EventRunCompleted,
	"runerror":               EventRunError,
	"teamrunerror":           EventRunError,
	"error":                  EventRunError,
	"heartbeat":              EventHeartbeat,
	"ping":                   EventHeartbeat,
}

// CanonicalEventKind resolves a raw event discriminator to a canonical kind.
// Returns false when the discriminator is unknown.
func CanonicalEventKind(raw string) (EventKind, bool) {
	kind, ok := eventAliases[strings.ToLower(strings.TrimSpace(raw))]
	return kind, ok
}

// StreamEvent is one typed event from a streaming backend run. It is a flat
// tagged struct: Kind discriminates which of the optional fields are
// meaningful. Every event carries a Timestamp; the parser defaults it to now
// when the backend omits or garbles it.
type StreamEvent struct {
	Kind      EventKind `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`

	// Content is the incremental text delta on RunResponseContent, or the
	// full accumulated text on RunCompleted when the backend provides it.
	// Always a string, never null.
	Content string `json:"content,omitempty"`

	// RunCompleted bookkeeping.
	TotalTokens      int             `json:"total_tokens,omitempty"`
	CompletionReason string          `json:"completion_reason,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`

	// RunError fields. ErrorDetails preserves the raw payload when an event
	// could not be classified, so nothing is dropped silently.
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
}

// UnknownEventCode tags RunError events synthesized for payloads whose
// declared type is not in the known set. Consumers treat these as non-fatal
// so one bad line cannot hard-fail a whole stream.
const UnknownEventCode = "unknown_event"

// IsTerminal reports whether this event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Kind == EventRunCompleted || e.Kind == EventRunError
}

// IsSoftError reports whether this is a degraded unknown-event error that
// should be logged and skipped rather than failing the session.
func (e StreamEvent) IsSoftError() bool {
	return e.Kind == EventRunError && e.ErrorCode == UnknownEventCode
}

// NewErrorEvent builds a terminal RunError event carrying the raw payload
// that triggered it.
func NewErrorEvent(msg string, raw []byte) StreamEvent {
	ev := StreamEvent{
		Kind:         EventRunError,
		Timestamp:    time.Now(),
		ErrorMessage: msg,
	}
	if len(raw) > 0 {
		ev.ErrorDetails = json.RawMessage(raw)
	}
	return ev
}
