package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"omni-gateway/internal/domain"
)

// defaultMinSendInterval spaces outbound sends so the channel bridge does
// not throttle us.
const defaultMinSendInterval = 500 * time.Millisecond

// DeliveryQueue serializes outbound sends through one channel sender with a
// minimum inter-send delay. Sends to the same recipient never overlap or
// reorder; the per-sender limiter also spaces sends across recipients
// because bridge rate limits apply to the whole instance. The queue does
// not retry, a failed send is reported as false and policy stays with the
// caller.
type DeliveryQueue struct {
	sender  domain.ChannelSender
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	lane map[string]*sync.Mutex // per-recipient send lock
}

// NewDeliveryQueue creates a delivery queue over sender. A non-positive
// interval falls back to the default.
func NewDeliveryQueue(sender domain.ChannelSender, minInterval time.Duration, logger *slog.Logger) *DeliveryQueue {
	if minInterval <= 0 {
		minInterval = defaultMinSendInterval
	}
	return &DeliveryQueue{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		logger:  logger,
		lane:    make(map[string]*sync.Mutex),
	}
}

// Send delivers one text message, waiting out the inter-send delay first.
// Returns false on failure; the error is logged, not returned, so a failed
// chunk never aborts the rest of a multi-chunk sequence.
func (q *DeliveryQueue) Send(ctx context.Context, recipientID, text string) bool {
	lane := q.recipientLane(recipientID)
	lane.Lock()
	defer lane.Unlock()

	if err := q.limiter.Wait(ctx); err != nil {
		q.logger.Warn("delivery wait canceled", "recipient", recipientID, "error", err)
		return false
	}

	if err := q.sender.SendText(ctx, recipientID, text); err != nil {
		q.logger.Error("delivery failed",
			"recipient", recipientID,
			"channel", q.sender.Name(),
			"length", len(text),
			"error", err,
		)
		return false
	}
	return true
}

func (q *DeliveryQueue) recipientLane(recipientID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lane[recipientID]
	if !ok {
		l = &sync.Mutex{}
		q.lane[recipientID] = l
	}
	return l
}
