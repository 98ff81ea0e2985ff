package domain

import (
	"context"
	"time"
)

// PresenceKind is a channel-level presence signal shown to the recipient.
type PresenceKind string

const (
	PresenceComposing PresenceKind = "composing"
	PresencePaused    PresenceKind = "paused"
	PresenceAvailable PresenceKind = "available"
)

// MessageHandler is the callback a channel invokes for each inbound message.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// ChannelSender is the outbound half of a channel adapter. Implementations
// must be safe for concurrent use; the router fans out one delivery pipeline
// per active streaming session.
type ChannelSender interface {
	// SendText delivers one message chunk to the recipient.
	SendText(ctx context.Context, recipientID, text string) error
	// SendPresence asks the channel to show a presence signal for roughly
	// ttl. Channels without presence support return nil.
	SendPresence(ctx context.Context, recipientID string, kind PresenceKind, ttl time.Duration) error
	// MaxMessageLength is the channel's hard per-message size limit.
	MaxMessageLength() int
	Name() string
}

// Channel is a full channel adapter: a sender that also owns an inbound
// connection (webhook server, bot gateway) feeding a MessageHandler.
type Channel interface {
	ChannelSender
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
}
