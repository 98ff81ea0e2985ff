package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"omni-gateway/internal/domain"
	"omni-gateway/internal/infra/config"
	"omni-gateway/internal/infra/tracer"
)

// AgentClient implements domain.Backend for the classic request/response
// agent API. Auth is an x-api-key header on every request.
type AgentClient struct {
	name      string
	agentName string
	apiKey    string
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
}

// NewAgentClient creates a direct agent API client from a RoutingTarget.
func NewAgentClient(target domain.RoutingTarget, logger *slog.Logger) *AgentClient {
	cfg := config.BackendConfig{
		BaseURL:     target.AgentURL,
		APIKey:      target.AgentKey,
		RespTimeout: target.AgentTimeout,
	}
	return &AgentClient{
		name:      "agent",
		agentName: target.AgentName,
		apiKey:    target.AgentKey,
		baseURL:   strings.TrimRight(target.AgentURL, "/"),
		client:    NewHTTPClient(cfg),
		logger:    logger,
	}
}

// Name implements domain.Backend.
func (c *AgentClient) Name() string { return c.name }

// agentRunResponse is the wire shape of a direct agent run reply. The text
// lives in "message" on current deployments and lived in "response" on older
// ones; both are accepted.
type agentRunResponse struct {
	Message  string          `json:"message"`
	Response string          `json:"response"`
	Success  *bool           `json:"success,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Run implements domain.Backend.
func (c *AgentClient) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.run",
		trace.WithAttributes(
			tracer.StringAttr("backend.name", c.name),
			tracer.StringAttr("backend.agent", c.agentName),
		),
	)
	defer span.End()

	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/agent/%s/run", c.baseURL, c.agentName)
	respBody, err := doJSONRequest(ctx, c.client, url, body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("agent.run", err)
	}

	var wire agentRunResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("agent.run", fmt.Errorf("%w: unmarshal response: %v", domain.ErrBackend, err))
	}
	if wire.Success != nil && !*wire.Success {
		err := fmt.Errorf("%w: %s", domain.ErrBackend, wire.Error)
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("agent.run", err)
	}

	text := wire.Message
	if text == "" {
		text = wire.Response
	}

	tracer.SetOK(span)
	c.logger.Debug("agent run completed", "agent", c.agentName, "chars", len(text))

	return &domain.RunResult{Text: text, Raw: json.RawMessage(respBody)}, nil
}

// HealthCheck implements domain.Backend.
func (c *AgentClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("agent health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *AgentClient) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["x-api-key"] = c.apiKey
	}
	return h
}

// CloseIdleConnections releases pooled connections. Called on shutdown.
func (c *AgentClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

var _ domain.Backend = (*AgentClient)(nil)
