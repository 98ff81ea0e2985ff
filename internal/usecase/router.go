package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"omni-gateway/internal/domain"
	"omni-gateway/internal/infra/config"
	"omni-gateway/internal/infra/tracer"
)

// apologyMessage is the single user-visible message sent when a session
// fails after work has already reached the recipient.
const apologyMessage = "Sorry, something went wrong while answering you. Please try again."

// maxDeliveryFailures is how many consecutive chunk delivery failures end a
// streaming session. A single failed chunk never aborts the sequence.
const maxDeliveryFailures = 3

// BackendFactory builds backend clients from routing targets. Implemented by
// the backend adapter; injected so the router never constructs clients
// itself.
type BackendFactory interface {
	Backend(target domain.RoutingTarget) (domain.Backend, error)
	Streaming(target domain.RoutingTarget) (domain.StreamingBackend, error)
}

// RouteRequest carries one inbound exchange through the router.
type RouteRequest struct {
	Text        string
	RecipientID string
	Instance    string
	Channel     string // channel name the reply goes out on
	UserID      string
	SessionID   string
}

// Router is the top-level orchestrator: it decides whether an exchange goes
// direct or streaming, drives the chunker/typing/delivery pipeline for
// streaming sessions, and falls back to a single direct call when a stream
// fails. All state it mutates across concurrent exchanges lives in the
// session registry.
type Router struct {
	factory  BackendFactory
	registry *SessionRegistry
	cfg      config.RoutingConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	senders map[string]domain.ChannelSender
	queues  map[string]*DeliveryQueue
}

// NewRouter creates a router. Channels are attached afterwards via
// RegisterChannel.
func NewRouter(factory BackendFactory, registry *SessionRegistry, cfg config.RoutingConfig, logger *slog.Logger) *Router {
	return &Router{
		factory:  factory,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		senders:  make(map[string]domain.ChannelSender),
		queues:   make(map[string]*DeliveryQueue),
	}
}

// RegisterChannel makes a channel sender available for outbound delivery,
// with its own rate-limited delivery queue.
func (r *Router) RegisterChannel(sender domain.ChannelSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[sender.Name()] = sender
	r.queues[sender.Name()] = NewDeliveryQueue(sender, r.cfg.MinSendInterval, r.logger)
}

func (r *Router) channel(name string) (domain.ChannelSender, *DeliveryQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[name]
	if !ok {
		return nil, nil, false
	}
	return s, r.queues[name], true
}

// Sessions exposes the active-session registry for shutdown and monitoring.
func (r *Router) Sessions() *SessionRegistry { return r.registry }

// ShouldUseStreaming reports whether the target should be handled on the
// streaming path: the backend family must stream, the target's streaming
// fields must be complete, and the stream flag must be on. Callers use this
// to decide UX before invoking either route method.
func (r *Router) ShouldUseStreaming(target domain.RoutingTarget) bool {
	return target.StreamEnabled && target.StreamReady()
}

// RouteMessage handles one exchange on the direct path: a single blocking
// backend call whose reply goes straight to the channel sender, unchunked.
// Failures surface a generic apology to the recipient and are returned to
// the caller with the underlying cause intact.
func (r *Router) RouteMessage(ctx context.Context, req RouteRequest, target domain.RoutingTarget) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route_message",
		trace.WithAttributes(
			tracer.StringAttr("instance", req.Instance),
			tracer.StringAttr("channel", req.Channel),
		),
	)
	defer span.End()

	sender, _, ok := r.channel(req.Channel)
	if !ok {
		err := domain.NewDomainError("router.route", domain.ErrDelivery, "unknown channel "+req.Channel)
		tracer.RecordError(span, err)
		return "", err
	}

	b, err := r.factory.Backend(target)
	if err != nil {
		tracer.RecordError(span, err)
		r.apologize(ctx, sender, req.RecipientID)
		return "", err
	}

	result, err := b.Run(ctx, domain.RunRequest{
		Message:   req.Text,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		tracer.RecordError(span, err)
		r.logger.Error("direct call failed",
			"instance", req.Instance,
			"backend", b.Name(),
			"recipient", req.RecipientID,
			"error", err,
		)
		r.apologize(ctx, sender, req.RecipientID)
		return "", err
	}

	if sendErr := sender.SendText(ctx, req.RecipientID, result.Text); sendErr != nil {
		tracer.RecordError(span, sendErr)
		r.logger.Error("direct reply delivery failed",
			"instance", req.Instance,
			"recipient", req.RecipientID,
			"error", sendErr,
		)
		return result.Text, sendErr
	}

	tracer.SetOK(span)
	return result.Text, nil
}

// RouteMessageStreaming handles one exchange on the streaming path: open the
// backend stream, feed content deltas through the chunker, deliver ready
// chunks in order with typing sustained throughout, and fall back to one
// direct call if the stream fails. It never panics or returns an error to
// the caller; the result is simply whether the recipient got an answer.
func (r *Router) RouteMessageStreaming(ctx context.Context, req RouteRequest, target domain.RoutingTarget) bool {
	ctx, span := tracer.StartSpan(ctx, "router.route_message_streaming",
		trace.WithAttributes(
			tracer.StringAttr("instance", req.Instance),
			tracer.StringAttr("channel", req.Channel),
		),
	)
	defer span.End()

	sender, queue, ok := r.channel(req.Channel)
	if !ok {
		r.logger.Error("unknown channel", "channel", req.Channel, "instance", req.Instance)
		return false
	}

	if !r.ShouldUseStreaming(target) {
		r.logger.Warn("streaming requested for non-streaming target, routing direct",
			"instance", req.Instance,
		)
		_, err := r.RouteMessage(ctx, req, target)
		return err == nil
	}

	sess, sessCtx, opened := r.registry.Open(ctx, req.Instance, req.RecipientID, string(target.Kind))
	if !opened {
		r.logger.Warn("streaming session already active",
			"instance", req.Instance,
			"recipient", req.RecipientID,
		)
		return false
	}
	defer r.registry.Remove(req.Instance, req.RecipientID, sess)
	defer sess.Cancel()

	typing := NewTypingManager(sender, req.RecipientID, r.cfg.TypingRefresh, r.cfg.TypingTTL, r.logger)
	typing.Start(sessCtx)

	sb, err := r.factory.Streaming(target)
	if err != nil {
		tracer.RecordError(span, err)
		return r.failStream(ctx, req, target, queue, typing, sess, err)
	}

	events, err := sb.Stream(sessCtx, domain.RunRequest{
		Message:   req.Text,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return r.failStream(ctx, req, target, queue, typing, sess, err)
	}

	chunker := NewChunker(sender.MaxMessageLength())
	deliveryFailures := 0

	for ev := range events {
		switch ev.Kind {
		case domain.EventRunStarted:
			r.logger.Debug("run started",
				"instance", req.Instance,
				"run_id", ev.RunID,
				"session", sess.ID,
			)

		case domain.EventHeartbeat:
			// keep-alive only

		case domain.EventRunResponseContent:
			remainder, ready := chunker.ProcessIncrement(sess.Remainder(), ev.Content)
			sess.SetRemainder(remainder)
			for _, chunk := range ready {
				if queue.Send(sessCtx, req.RecipientID, chunk) {
					sess.RecordSent()
					deliveryFailures = 0
					continue
				}
				deliveryFailures++
				if deliveryFailures >= maxDeliveryFailures {
					err := domain.NewDomainError("router.stream", domain.ErrDelivery, "repeated chunk delivery failures")
					tracer.RecordError(span, err)
					return r.failStream(ctx, req, target, queue, typing, sess, err)
				}
			}

		case domain.EventRunCompleted:
			for _, chunk := range chunker.Finalize(sess.Remainder()) {
				if queue.Send(sessCtx, req.RecipientID, chunk) {
					sess.RecordSent()
					deliveryFailures = 0
					continue
				}
				deliveryFailures++
				if deliveryFailures >= maxDeliveryFailures {
					err := domain.NewDomainError("router.stream", domain.ErrDelivery, "repeated chunk delivery failures")
					tracer.RecordError(span, err)
					return r.failStream(ctx, req, target, queue, typing, sess, err)
				}
			}
			sess.SetRemainder("")
			typing.Stop(ctx)
			r.logger.Info("streaming session completed",
				"instance", req.Instance,
				"session", sess.ID,
				"chunks", sess.SentCount(),
				"run_id", ev.RunID,
			)
			span.SetAttributes(tracer.IntAttr("chunks_sent", sess.SentCount()))
			tracer.SetOK(span)
			return true

		case domain.EventRunError:
			if ev.IsSoftError() {
				r.logger.Warn("degraded stream event skipped",
					"instance", req.Instance,
					"session", sess.ID,
					"detail", ev.ErrorMessage,
				)
				continue
			}
			err := domain.NewDomainError("router.stream", domain.ErrBackend, ev.ErrorMessage)
			tracer.RecordError(span, err)
			return r.failStream(ctx, req, target, queue, typing, sess, err)
		}
	}

	// Channel closed without a terminal event: either the session was
	// force-stopped or the parser gave up silently.
	if sessCtx.Err() != nil {
		typing.Stop(ctx)
		r.logger.Info("streaming session canceled",
			"instance", req.Instance,
			"session", sess.ID,
		)
		return false
	}
	err = domain.NewDomainError("router.stream", domain.ErrStreamProtocol, "stream ended without terminal event")
	tracer.RecordError(span, err)
	return r.failStream(ctx, req, target, queue, typing, sess, err)
}

// failStream handles any stream failure: stop typing, apologize exactly once
// if the recipient already saw output, then make a single non-streaming call
// against the same target. It never re-attempts streaming.
func (r *Router) failStream(ctx context.Context, req RouteRequest, target domain.RoutingTarget, queue *DeliveryQueue, typing *TypingManager, sess *StreamingSession, cause error) bool {
	typing.Stop(ctx)

	r.logger.Error("streaming session failed",
		"instance", req.Instance,
		"session", sess.ID,
		"chunks_sent", sess.SentCount(),
		"error", cause,
	)

	apologized := false
	if sess.SentCount() > 0 {
		queue.Send(ctx, req.RecipientID, apologyMessage)
		apologized = true
	}

	if errors.Is(cause, context.Canceled) || !domain.IsFallbackEligible(cause) {
		if !apologized {
			queue.Send(ctx, req.RecipientID, apologyMessage)
		}
		return false
	}

	delivered, err := r.fallbackDirect(ctx, req, target, queue)
	if err == nil {
		return delivered
	}
	r.logger.Error("direct fallback failed",
		"instance", req.Instance,
		"recipient", req.RecipientID,
		"error", err,
	)

	if !apologized {
		queue.Send(ctx, req.RecipientID, apologyMessage)
	}
	return false
}

// fallbackDirect performs the single direct retry of the hybrid policy,
// delivering the reply through the queue in size-limited chunks.
func (r *Router) fallbackDirect(ctx context.Context, req RouteRequest, target domain.RoutingTarget, queue *DeliveryQueue) (bool, error) {
	b, err := r.factory.Backend(target)
	if err != nil {
		return false, err
	}

	result, err := b.Run(ctx, domain.RunRequest{
		Message:   req.Text,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		return false, err
	}

	sender, _, ok := r.channel(req.Channel)
	if !ok {
		return false, fmt.Errorf("unknown channel %q", req.Channel)
	}

	delivered := false
	for _, chunk := range NewChunker(sender.MaxMessageLength()).Finalize(result.Text) {
		if queue.Send(ctx, req.RecipientID, chunk) {
			delivered = true
		}
	}
	return delivered, nil
}

func (r *Router) apologize(ctx context.Context, sender domain.ChannelSender, recipientID string) {
	if err := sender.SendText(ctx, recipientID, apologyMessage); err != nil {
		r.logger.Warn("apology delivery failed", "recipient", recipientID, "error", err)
	}
}
