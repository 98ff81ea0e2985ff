package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalEventKind(t *testing.T) {
	tests := []struct {
		raw  string
		want EventKind
		ok   bool
	}{
		{"RunStarted", EventRunStarted, true},
		{"runresponsecontent", EventRunResponseContent, true},
		{"TeamRunResponseContent", EventRunResponseContent, true},
		{"  RunCompleted  ", EventRunCompleted, true},
		{"PING", EventHeartbeat, true},
		{"error", EventRunError, true},
		{"SomethingElse", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		kind, ok := CanonicalEventKind(tt.raw)
		assert.Equal(t, tt.ok, ok, "raw %q", tt.raw)
		if tt.ok {
			assert.Equal(t, tt.want, kind, "raw %q", tt.raw)
		}
	}
}

func TestStreamEventTerminality(t *testing.T) {
	assert.False(t, StreamEvent{Kind: EventRunStarted}.IsTerminal())
	assert.False(t, StreamEvent{Kind: EventRunResponseContent}.IsTerminal())
	assert.False(t, StreamEvent{Kind: EventHeartbeat}.IsTerminal())
	assert.True(t, StreamEvent{Kind: EventRunCompleted}.IsTerminal())
	assert.True(t, StreamEvent{Kind: EventRunError}.IsTerminal())
}

func TestSoftErrorClassification(t *testing.T) {
	soft := StreamEvent{Kind: EventRunError, ErrorCode: UnknownEventCode}
	hard := StreamEvent{Kind: EventRunError, ErrorCode: "backend_down"}

	assert.True(t, soft.IsSoftError())
	assert.False(t, hard.IsSoftError())
	assert.False(t, StreamEvent{Kind: EventRunCompleted}.IsSoftError())
}

func TestNewErrorEventPreservesRawPayload(t *testing.T) {
	raw := []byte(`{"event":"Mystery","x":1}`)
	ev := NewErrorEvent("unknown event type: Mystery", raw)

	require.Equal(t, EventRunError, ev.Kind)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, 5*time.Second)

	// Round-trip: the original payload survives re-serialization.
	out, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded StreamEvent
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.JSONEq(t, string(raw), string(decoded.ErrorDetails))
}
