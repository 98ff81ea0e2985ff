package backend

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omni-gateway/internal/domain"
	"omni-gateway/internal/infra/config"
)

// scriptedBackend fails until healed.
type scriptedBackend struct {
	healthy bool
	calls   int
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) HealthCheck(context.Context) bool { return s.healthy }

func (s *scriptedBackend) Run(context.Context, domain.RunRequest) (*domain.RunResult, error) {
	s.calls++
	if !s.healthy {
		return nil, fmt.Errorf("down: %w", domain.ErrConnection)
	}
	return &domain.RunResult{Text: "ok"}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedBackend{}
	b := NewBreakerBackend(inner, config.CircuitBreakerConfig{
		Enabled:     true,
		MaxFailures: 3,
		Timeout:     time.Minute,
	}, testLogger())

	for i := 0; i < 3; i++ {
		_, err := b.Run(context.Background(), domain.RunRequest{Message: "hi"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	// Open circuit fails fast without touching the backend.
	callsBefore := inner.calls
	_, err := b.Run(context.Background(), domain.RunRequest{Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, callsBefore, inner.calls)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &scriptedBackend{healthy: true}
	b := NewBreakerBackend(inner, config.CircuitBreakerConfig{Enabled: true}, testLogger())

	result, err := b.Run(context.Background(), domain.RunRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	inner := &scriptedBackend{}
	b := NewBreakerBackend(inner, config.CircuitBreakerConfig{
		Enabled:     true,
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
	}, testLogger())

	_, err := b.Run(context.Background(), domain.RunRequest{Message: "hi"})
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, b.State())

	inner.healthy = true
	time.Sleep(40 * time.Millisecond)

	// Half-open probe succeeds and closes the circuit.
	result, err := b.Run(context.Background(), domain.RunRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestBreakerStreamOnNonStreamingBackend(t *testing.T) {
	b := NewBreakerBackend(&scriptedBackend{healthy: true}, config.CircuitBreakerConfig{Enabled: true}, testLogger())

	_, err := b.Stream(context.Background(), domain.RunRequest{Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support streaming")
}

func TestBreakerHealthCheckBypassesCircuit(t *testing.T) {
	inner := &scriptedBackend{}
	b := NewBreakerBackend(inner, config.CircuitBreakerConfig{
		Enabled:     true,
		MaxFailures: 1,
		Timeout:     time.Minute,
	}, testLogger())

	_, _ = b.Run(context.Background(), domain.RunRequest{Message: "hi"})
	require.Equal(t, gobreaker.StateOpen, b.State())

	inner.healthy = true
	assert.True(t, b.HealthCheck(context.Background()))
}
