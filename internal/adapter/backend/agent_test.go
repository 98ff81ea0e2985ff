package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omni-gateway/internal/domain"
)

func agentTarget(url string) domain.RoutingTarget {
	return domain.RoutingTarget{
		Instance:  "test",
		Kind:      domain.TargetAgent,
		AgentName: "helper",
		AgentURL:  url,
		AgentKey:  "secret-key",
	}
}

func TestAgentClientRun(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"message": "hello back", "success": true})
	}))
	defer srv.Close()

	c := NewAgentClient(agentTarget(srv.URL), testLogger())
	result, err := c.Run(context.Background(), domain.RunRequest{
		Message: "hi",
		UserID:  "u1",
	})

	require.NoError(t, err)
	assert.Equal(t, "hello back", result.Text)
	assert.Equal(t, "/api/v1/agent/helper/run", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "hi", gotBody["message"])
	assert.Equal(t, "u1", gotBody["user_id"])
}

func TestAgentClientRunLegacyResponseField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": "legacy text"})
	}))
	defer srv.Close()

	c := NewAgentClient(agentTarget(srv.URL), testLogger())
	result, err := c.Run(context.Background(), domain.RunRequest{Message: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "legacy text", result.Text)
}

func TestAgentClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthInvalid},
		{"forbidden", http.StatusForbidden, domain.ErrAuthInvalid},
		{"not found", http.StatusNotFound, domain.ErrEndpointNotFound},
		{"server error", http.StatusInternalServerError, domain.ErrBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewAgentClient(agentTarget(srv.URL), testLogger())
			_, err := c.Run(context.Background(), domain.RunRequest{Message: "hi"})

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAgentClientConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := NewAgentClient(agentTarget(srv.URL), testLogger())
	_, err := c.Run(context.Background(), domain.RunRequest{Message: "hi"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestAgentClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	target := agentTarget(srv.URL)
	target.AgentTimeout = 50 * time.Millisecond
	c := NewAgentClient(target, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Run(ctx, domain.RunRequest{Message: "hi"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestAgentClientHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewAgentClient(agentTarget(srv.URL), testLogger())
	assert.True(t, c.HealthCheck(context.Background()))

	srv.Close()
	assert.False(t, c.HealthCheck(context.Background()))
}
