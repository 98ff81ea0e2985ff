package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"omni-gateway/internal/domain"
)

// Typing indicator defaults. The refresh interval must stay well under the
// TTL so the indicator never expires mid-stream.
const (
	defaultTypingRefresh = 5 * time.Second
	defaultTypingTTL     = 15 * time.Second
	typingStopTimeout    = 3 * time.Second
)

// TypingManager keeps a "composing" presence alive for one recipient while a
// streaming session runs. Start is idempotent; Stop is safe even if Start
// was never called. Presence sends are best-effort: a failed refresh is
// logged and the loop continues.
type TypingManager struct {
	sender      domain.ChannelSender
	recipientID string
	refresh     time.Duration
	ttl         time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewTypingManager creates a typing manager for one recipient. Zero
// durations fall back to defaults.
func NewTypingManager(sender domain.ChannelSender, recipientID string, refresh, ttl time.Duration, logger *slog.Logger) *TypingManager {
	if refresh <= 0 {
		refresh = defaultTypingRefresh
	}
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingManager{
		sender:      sender,
		recipientID: recipientID,
		refresh:     refresh,
		ttl:         ttl,
		logger:      logger,
	}
}

// Start begins the refresh loop. Calling Start while a loop is already
// running is a no-op.
func (t *TypingManager) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.stopped = make(chan struct{})

	go t.loop(loopCtx, t.stopped)
}

func (t *TypingManager) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	// Send immediately so the indicator appears before the first refresh.
	t.sendComposing(ctx)

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendComposing(ctx)
		}
	}
}

func (t *TypingManager) sendComposing(ctx context.Context) {
	if err := t.sender.SendPresence(ctx, t.recipientID, domain.PresenceComposing, t.ttl); err != nil {
		t.logger.Warn("typing refresh failed", "recipient", t.recipientID, "error", err)
	}
}

// Stop cancels the refresh loop, sends a final "paused" presence to clear
// the indicator, and waits for the loop to exit with a bounded timeout.
// Safe to call multiple times and before Start.
func (t *TypingManager) Stop(ctx context.Context) {
	t.mu.Lock()
	cancel := t.cancel
	stopped := t.stopped
	t.cancel = nil
	t.stopped = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(typingStopTimeout):
		t.logger.Warn("typing loop did not stop in time", "recipient", t.recipientID)
	}

	if err := t.sender.SendPresence(ctx, t.recipientID, domain.PresencePaused, 0); err != nil {
		t.logger.Debug("typing clear failed", "recipient", t.recipientID, "error", err)
	}
}
