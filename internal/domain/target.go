package domain

import (
	"context"
	"fmt"
	"time"
)

// TargetKind discriminates which backend family a RoutingTarget points at.
type TargetKind string

const (
	// TargetAgent is the classic request/response agent API.
	TargetAgent TargetKind = "agent"
	// TargetHiveAgent is a single agent on a streaming Hive service.
	TargetHiveAgent TargetKind = "hive-agent"
	// TargetHiveTeam is an agent team on a streaming Hive service.
	TargetHiveTeam TargetKind = "hive-team"
)

// RoutingTarget identifies the backend configured for one instance. Exactly
// one of the agent path or the hive path is active, selected by Kind; a hive
// target additionally distinguishes agent vs team.
type RoutingTarget struct {
	Instance string     `json:"instance"`
	Kind     TargetKind `json:"kind"`

	// Direct agent API path.
	AgentName    string        `json:"agent_name,omitempty"`
	AgentURL     string        `json:"agent_url,omitempty"`
	AgentKey     string        `json:"agent_key,omitempty"`
	AgentTimeout time.Duration `json:"agent_timeout,omitempty"`

	// Hive path.
	HiveURL      string        `json:"hive_url,omitempty"`
	HiveKey      string        `json:"hive_key,omitempty"`
	HiveTargetID string        `json:"hive_target_id,omitempty"`
	HiveTimeout  time.Duration `json:"hive_timeout,omitempty"`
	// StreamEnabled is the recipient-facing feature flag for live streaming.
	StreamEnabled bool `json:"stream_enabled,omitempty"`
}

// IsHive reports whether the target points at a streaming Hive service.
func (t RoutingTarget) IsHive() bool {
	return t.Kind == TargetHiveAgent || t.Kind == TargetHiveTeam
}

// StreamReady reports whether the target has every field a streaming call
// needs. A target that is not stream-ready always routes direct.
func (t RoutingTarget) StreamReady() bool {
	return t.IsHive() && t.HiveURL != "" && t.HiveKey != "" && t.HiveTargetID != ""
}

// TargetStore persists the routing target configured for each instance.
type TargetStore interface {
	Get(ctx context.Context, instance string) (*RoutingTarget, error)
	Put(ctx context.Context, target *RoutingTarget) error
	List(ctx context.Context) ([]*RoutingTarget, error)
	Delete(ctx context.Context, instance string) error
	Close() error
}

// Validate checks the invariant that exactly one backend path is configured.
func (t RoutingTarget) Validate() error {
	switch t.Kind {
	case TargetAgent:
		if t.AgentURL == "" || t.AgentName == "" {
			return NewDomainError("target.validate", ErrInvalidTarget,
				fmt.Sprintf("instance %q: agent target needs agent_url and agent_name", t.Instance))
		}
		if t.HiveURL != "" || t.HiveTargetID != "" {
			return NewDomainError("target.validate", ErrInvalidTarget,
				fmt.Sprintf("instance %q: agent target must not carry hive fields", t.Instance))
		}
	case TargetHiveAgent, TargetHiveTeam:
		if t.HiveURL == "" || t.HiveTargetID == "" {
			return NewDomainError("target.validate", ErrInvalidTarget,
				fmt.Sprintf("instance %q: hive target needs hive_url and hive_target_id", t.Instance))
		}
		if t.AgentURL != "" || t.AgentName != "" {
			return NewDomainError("target.validate", ErrInvalidTarget,
				fmt.Sprintf("instance %q: hive target must not carry agent fields", t.Instance))
		}
	default:
		return NewDomainError("target.validate", ErrInvalidTarget,
			fmt.Sprintf("instance %q: unknown target kind %q", t.Instance, t.Kind))
	}
	return nil
}
