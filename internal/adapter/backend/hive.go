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

// HiveClient implements domain.StreamingBackend for the Hive service. A
// target addresses either a single agent or a team; the two differ only in
// the URL path. Auth is a bearer token on every request.
type HiveClient struct {
	name     string
	targetID string
	isTeam   bool
	apiKey   string
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

// NewHiveClient creates a Hive client from a RoutingTarget.
func NewHiveClient(target domain.RoutingTarget, logger *slog.Logger) *HiveClient {
	cfg := config.BackendConfig{
		BaseURL:     target.HiveURL,
		APIKey:      target.HiveKey,
		RespTimeout: target.HiveTimeout,
	}
	return &HiveClient{
		name:     "hive",
		targetID: target.HiveTargetID,
		isTeam:   target.Kind == domain.TargetHiveTeam,
		apiKey:   target.HiveKey,
		baseURL:  strings.TrimRight(target.HiveURL, "/"),
		client:   NewHTTPClient(cfg),
		logger:   logger,
	}
}

// Name implements domain.Backend.
func (c *HiveClient) Name() string { return c.name }

func (c *HiveClient) runURL() string {
	if c.isTeam {
		return fmt.Sprintf("%s/teams/%s/runs", c.baseURL, c.targetID)
	}
	return fmt.Sprintf("%s/agents/%s/runs", c.baseURL, c.targetID)
}

func (c *HiveClient) continueURL(runID string) string {
	if c.isTeam {
		return fmt.Sprintf("%s/teams/%s/runs/%s/continue", c.baseURL, c.targetID, runID)
	}
	return fmt.Sprintf("%s/agents/%s/runs/%s/continue", c.baseURL, c.targetID, runID)
}

func (c *HiveClient) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

// hiveRunResponse is the wire shape of a non-streaming Hive run reply.
type hiveRunResponse struct {
	RunID   string `json:"run_id"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// Run implements domain.Backend (non-streaming call).
func (c *HiveClient) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.run",
		trace.WithAttributes(
			tracer.StringAttr("backend.name", c.name),
			tracer.StringAttr("backend.target", c.targetID),
		),
	)
	defer span.End()

	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, c.client, c.runURL(), body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("hive.run", err)
	}

	var wire hiveRunResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("hive.run", fmt.Errorf("%w: unmarshal response: %v", domain.ErrBackend, err))
	}

	tracer.SetOK(span)
	c.logger.Debug("hive run completed", "target", c.targetID, "run_id", wire.RunID)

	return &domain.RunResult{Text: wire.Content, Raw: json.RawMessage(respBody)}, nil
}

// Stream implements domain.StreamingBackend. The returned channel yields
// typed events in arrival order; see ParseStream for termination semantics.
func (c *HiveClient) Stream(ctx context.Context, req domain.RunRequest) (<-chan domain.StreamEvent, error) {
	return c.open(ctx, c.runURL(), req)
}

// ContinueRun implements domain.StreamingBackend: resumes a prior run with a
// follow-up message.
func (c *HiveClient) ContinueRun(ctx context.Context, runID string, req domain.RunRequest) (<-chan domain.StreamEvent, error) {
	if runID == "" {
		return nil, domain.NewDomainError("hive.continue", domain.ErrInvalidTarget, "empty run id")
	}
	return c.open(ctx, c.continueURL(runID), req)
}

func (c *HiveClient) open(ctx context.Context, url string, req domain.RunRequest) (<-chan domain.StreamEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.stream",
		trace.WithAttributes(
			tracer.StringAttr("backend.name", c.name),
			tracer.StringAttr("backend.target", c.targetID),
		),
	)

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, c.client, url, body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, domain.WrapOp("hive.stream", err)
	}

	span.End()
	return ParseStream(ctx, httpResp.Body, c.logger), nil
}

// HealthCheck implements domain.Backend.
func (c *HiveClient) HealthCheck(ctx context.Context) bool {
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
		c.logger.Debug("hive health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CloseIdleConnections releases pooled connections. Called on shutdown.
func (c *HiveClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

var _ domain.StreamingBackend = (*HiveClient)(nil)
