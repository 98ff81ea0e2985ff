package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"omni-gateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records sends and presence updates for assertions.
type fakeSender struct {
	name   string
	maxLen int

	mu        sync.Mutex
	texts     []sentText
	attempts  []string // every SendText, successful or not
	presences []domain.PresenceKind
	failText  bool
	failCount int // fail this many sends, then succeed
}

type sentText struct {
	recipient string
	text      string
	at        time.Time
}

func newFakeSender() *fakeSender {
	return &fakeSender{name: "fake", maxLen: 2000}
}

func (f *fakeSender) Name() string          { return f.name }
func (f *fakeSender) MaxMessageLength() int { return f.maxLen }

func (f *fakeSender) SendText(_ context.Context, recipientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, text)
	if f.failText || f.failCount > 0 {
		if f.failCount > 0 {
			f.failCount--
		}
		return domain.NewDomainError("fake.send", domain.ErrDelivery, "send refused")
	}
	f.texts = append(f.texts, sentText{recipient: recipientID, text: text, at: time.Now()})
	return nil
}

func (f *fakeSender) SendPresence(_ context.Context, _ string, kind domain.PresenceKind, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, kind)
	return nil
}

func (f *fakeSender) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	for i, s := range f.texts {
		out[i] = s.text
	}
	return out
}

func (f *fakeSender) sendAttempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func (f *fakeSender) sentPresences() []domain.PresenceKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PresenceKind(nil), f.presences...)
}

func (f *fakeSender) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failText = v
}

var _ domain.ChannelSender = (*fakeSender)(nil)

// fakeBackend scripts the direct and streaming behavior of a backend.
type fakeBackend struct {
	name      string
	runResult *domain.RunResult
	runErr    error
	events    []domain.StreamEvent
	streamErr error

	mu         sync.Mutex
	runCalls   int
	streamCall int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) HealthCheck(context.Context) bool { return f.runErr == nil }

func (f *fakeBackend) Run(_ context.Context, _ domain.RunRequest) (*domain.RunResult, error) {
	f.mu.Lock()
	f.runCalls++
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.runResult, nil
}

func (f *fakeBackend) Stream(ctx context.Context, _ domain.RunRequest) (<-chan domain.StreamEvent, error) {
	f.mu.Lock()
	f.streamCall++
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan domain.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeBackend) ContinueRun(ctx context.Context, _ string, req domain.RunRequest) (<-chan domain.StreamEvent, error) {
	return f.Stream(ctx, req)
}

func (f *fakeBackend) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCalls
}

func (f *fakeBackend) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCall
}

var _ domain.StreamingBackend = (*fakeBackend)(nil)

// fakeFactory returns the scripted backend for every target.
type fakeFactory struct {
	backend *fakeBackend
	err     error
}

func (f *fakeFactory) Backend(domain.RoutingTarget) (domain.Backend, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.backend, nil
}

func (f *fakeFactory) Streaming(domain.RoutingTarget) (domain.StreamingBackend, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.backend, nil
}

var _ BackendFactory = (*fakeFactory)(nil)
