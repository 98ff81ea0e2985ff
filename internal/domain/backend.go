package domain

import "context"

// Backend is an external conversational service the router can call.
type Backend interface {
	// Run sends one message and blocks for the complete response.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	// HealthCheck probes the backend. False means the backend is unusable
	// right now; the cause is logged by the implementation.
	HealthCheck(ctx context.Context) bool
	// Name returns the backend's identifier (e.g., "agent", "hive").
	Name() string
}

// StreamingBackend extends Backend with an event stream per run.
type StreamingBackend interface {
	Backend
	// Stream opens a streaming run. The returned channel yields typed
	// events in arrival order and is closed after a terminal event; errors
	// after stream open surface as a terminal RunError event, never as a
	// panic or a stuck channel.
	Stream(ctx context.Context, req RunRequest) (<-chan StreamEvent, error)
	// ContinueRun resumes a prior run with a follow-up message.
	ContinueRun(ctx context.Context, runID string, req RunRequest) (<-chan StreamEvent, error)
}
