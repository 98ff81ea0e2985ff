package backend

import (
	"fmt"
	"log/slog"
	"sync"

	"omni-gateway/internal/domain"
	"omni-gateway/internal/infra/config"
)

// Factory builds backend clients from routing targets and caches them by
// base URL plus credentials, so one connection pool per distinct backend is
// shared across sessions and released once on shutdown. When the circuit
// breaker is enabled every client is wrapped before caching, so breaker
// state is shared too.
type Factory struct {
	breaker config.CircuitBreakerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]domain.Backend
	closers []func()
}

// NewFactory creates a backend factory. If cfg.Enabled is false clients are
// returned unwrapped.
func NewFactory(cfg config.CircuitBreakerConfig, logger *slog.Logger) *Factory {
	return &Factory{
		breaker: cfg,
		logger:  logger,
		clients: make(map[string]domain.Backend),
	}
}

// Backend returns a client for the target, building and caching it on first
// use.
func (f *Factory) Backend(target domain.RoutingTarget) (domain.Backend, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := cacheKey(target)
	if b, ok := f.clients[key]; ok {
		return b, nil
	}

	var inner domain.Backend
	if target.IsHive() {
		c := NewHiveClient(target, f.logger)
		f.closers = append(f.closers, c.CloseIdleConnections)
		inner = c
	} else {
		c := NewAgentClient(target, f.logger)
		f.closers = append(f.closers, c.CloseIdleConnections)
		inner = c
	}

	if f.breaker.Enabled {
		inner = NewBreakerBackend(inner, f.breaker, f.logger)
	}

	f.clients[key] = inner
	return inner, nil
}

// Streaming returns a streaming-capable client for the target. Fails when
// the target's backend family does not stream.
func (f *Factory) Streaming(target domain.RoutingTarget) (domain.StreamingBackend, error) {
	b, err := f.Backend(target)
	if err != nil {
		return nil, err
	}
	sb, ok := b.(domain.StreamingBackend)
	if !ok {
		return nil, domain.NewDomainError("backend.streaming", domain.ErrInvalidTarget,
			fmt.Sprintf("backend %q does not support streaming", b.Name()))
	}
	return sb, nil
}

// Close releases every cached client's connection pool.
func (f *Factory) Close() {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.clients = make(map[string]domain.Backend)
	f.mu.Unlock()

	for _, c := range closers {
		c()
	}
}

func cacheKey(target domain.RoutingTarget) string {
	if target.IsHive() {
		return fmt.Sprintf("hive|%s|%s|%s|%s", target.Kind, target.HiveURL, target.HiveKey, target.HiveTargetID)
	}
	return fmt.Sprintf("agent|%s|%s|%s", target.AgentURL, target.AgentKey, target.AgentName)
}
