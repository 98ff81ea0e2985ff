package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omni-gateway/internal/domain"
)

func hiveTarget(url string, kind domain.TargetKind) domain.RoutingTarget {
	return domain.RoutingTarget{
		Instance:      "test",
		Kind:          kind,
		HiveURL:       url,
		HiveKey:       "hive-key",
		HiveTargetID:  "agent-1",
		StreamEnabled: true,
	}
}

func TestHiveClientStream(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`{"event":"RunStarted","run_id":"r1"}{"event":"RunResponseContent","content":"Hi"}{"event":"RunCompleted","run_id":"r1"}`))
	}))
	defer srv.Close()

	c := NewHiveClient(hiveTarget(srv.URL, domain.TargetHiveAgent), testLogger())
	events, err := c.Stream(context.Background(), domain.RunRequest{
		Message:   "hello",
		UserID:    "u1",
		SessionID: "s1",
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, domain.EventRunStarted, got[0].Kind)
	assert.Equal(t, domain.EventRunCompleted, got[2].Kind)

	assert.Equal(t, "/agents/agent-1/runs", gotPath)
	assert.Equal(t, "Bearer hive-key", gotAuth)
	assert.Equal(t, "text/event-stream", gotAccept)
	assert.Equal(t, "hello", gotBody["message"])
	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, "u1", gotBody["user_id"])
	assert.Equal(t, "s1", gotBody["session_id"])
}

func TestHiveClientTeamPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"event":"RunCompleted"}`))
	}))
	defer srv.Close()

	c := NewHiveClient(hiveTarget(srv.URL, domain.TargetHiveTeam), testLogger())
	events, err := c.Stream(context.Background(), domain.RunRequest{Message: "hello"})
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, "/teams/agent-1/runs", gotPath)
}

func TestHiveClientRunNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// The non-streaming call must not ask for a stream.
		_, hasStream := body["stream"]
		assert.False(t, hasStream)
		json.NewEncoder(w).Encode(map[string]any{"run_id": "r9", "content": "full reply"})
	}))
	defer srv.Close()

	c := NewHiveClient(hiveTarget(srv.URL, domain.TargetHiveAgent), testLogger())
	result, err := c.Run(context.Background(), domain.RunRequest{Message: "hello", Stream: true})

	require.NoError(t, err)
	assert.Equal(t, "full reply", result.Text)
}

func TestHiveClientContinueRun(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"event":"RunCompleted","run_id":"r7"}`))
	}))
	defer srv.Close()

	c := NewHiveClient(hiveTarget(srv.URL, domain.TargetHiveAgent), testLogger())
	events, err := c.ContinueRun(context.Background(), "r7", domain.RunRequest{Message: "go on"})
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, "/agents/agent-1/runs/r7/continue", gotPath)
}

func TestHiveClientContinueRunEmptyID(t *testing.T) {
	c := NewHiveClient(hiveTarget("http://localhost:1", domain.TargetHiveAgent), testLogger())
	_, err := c.ContinueRun(context.Background(), "", domain.RunRequest{Message: "go on"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestHiveClientStreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHiveClient(hiveTarget(srv.URL, domain.TargetHiveAgent), testLogger())
	_, err := c.Stream(context.Background(), domain.RunRequest{Message: "hello"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}
