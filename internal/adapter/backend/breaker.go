package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"omni-gateway/internal/domain"
	"omni-gateway/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerBackend wraps a Backend with circuit breaker protection. When the
// wrapped backend fails repeatedly, the circuit opens and subsequent calls
// fail fast without reaching the backend, preventing retry storms against an
// unhealthy service.
type BreakerBackend struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[*domain.RunResult]
	logger  *slog.Logger
}

// NewBreakerBackend wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to defaults.
func NewBreakerBackend(inner domain.Backend, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.RunResult](gobreaker.Settings{
		Name:        "backend:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerBackend{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Run implements domain.Backend. Calls are routed through the circuit breaker.
func (b *BreakerBackend) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	result, err := b.breaker.Execute(func() (*domain.RunResult, error) {
		return b.inner.Run(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend %q circuit open: %w", b.inner.Name(), err)
		}
		return nil, err
	}
	return result, nil
}

// Stream implements domain.StreamingBackend if the inner backend supports it.
// The circuit breaker protects the initial connection; events errors after
// the stream opens do not trip the breaker (they arrive through the channel).
func (b *BreakerBackend) Stream(ctx context.Context, req domain.RunRequest) (<-chan domain.StreamEvent, error) {
	sb, ok := b.inner.(domain.StreamingBackend)
	if !ok {
		return nil, fmt.Errorf("backend %q does not support streaming", b.inner.Name())
	}

	var ch <-chan domain.StreamEvent
	_, err := b.breaker.Execute(func() (*domain.RunResult, error) {
		var streamErr error
		ch, streamErr = sb.Stream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend %q circuit open: %w", b.inner.Name(), err)
		}
		return nil, err
	}
	return ch, nil
}

// ContinueRun implements domain.StreamingBackend if the inner backend supports it.
func (b *BreakerBackend) ContinueRun(ctx context.Context, runID string, req domain.RunRequest) (<-chan domain.StreamEvent, error) {
	sb, ok := b.inner.(domain.StreamingBackend)
	if !ok {
		return nil, fmt.Errorf("backend %q does not support streaming", b.inner.Name())
	}

	var ch <-chan domain.StreamEvent
	_, err := b.breaker.Execute(func() (*domain.RunResult, error) {
		var streamErr error
		ch, streamErr = sb.ContinueRun(ctx, runID, req)
		return nil, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend %q circuit open: %w", b.inner.Name(), err)
		}
		return nil, err
	}
	return ch, nil
}

// HealthCheck implements domain.Backend. Health probes bypass the breaker so
// an open circuit can still be observed recovering.
func (b *BreakerBackend) HealthCheck(ctx context.Context) bool {
	return b.inner.HealthCheck(ctx)
}

// Name implements domain.Backend.
func (b *BreakerBackend) Name() string { return b.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (b *BreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *BreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

// Compile-time interface checks.
var (
	_ domain.Backend          = (*BreakerBackend)(nil)
	_ domain.StreamingBackend = (*BreakerBackend)(nil)
)
