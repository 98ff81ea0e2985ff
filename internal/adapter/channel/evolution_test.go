package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omni-gateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvolutionSendText(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewEvolutionChannel(srv.URL, "evo-key", "main", ":0", testLogger())
	err := e.SendText(context.Background(), "5511999990000", "hello there")

	require.NoError(t, err)
	assert.Equal(t, "/message/sendText/main", gotPath)
	assert.Equal(t, "evo-key", gotKey)
	assert.Equal(t, "5511999990000", gotBody["number"])
	assert.Equal(t, "hello there", gotBody["text"])
}

func TestEvolutionSendTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewEvolutionChannel(srv.URL, "evo-key", "main", ":0", testLogger())
	err := e.SendText(context.Background(), "5511999990000", "hello")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestEvolutionSendPresence(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	e := NewEvolutionChannel(srv.URL, "evo-key", "main", ":0", testLogger())
	err := e.SendPresence(context.Background(), "5511999990000", domain.PresenceComposing, 15*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "/chat/sendPresence/main", gotPath)
	assert.Equal(t, "composing", gotBody["presence"])
	assert.EqualValues(t, 15000, gotBody["delay"])
}

func TestEvolutionMaxMessageLength(t *testing.T) {
	e := NewEvolutionChannel("http://localhost", "k", "main", ":0", testLogger())
	assert.Equal(t, 4000, e.MaxMessageLength())
	assert.Equal(t, "whatsapp", e.Name())
}

func startEvolution(t *testing.T) (*EvolutionChannel, *inboundRecorder) {
	t.Helper()
	e := NewEvolutionChannel("http://localhost:1", "k", "main", "127.0.0.1:0", testLogger())
	rec := &inboundRecorder{}
	require.NoError(t, e.Start(context.Background(), rec.handle))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e, rec
}

type inboundRecorder struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (r *inboundRecorder) handle(_ context.Context, msg domain.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *inboundRecorder) messages() []domain.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InboundMessage(nil), r.msgs...)
}

func postWebhook(t *testing.T, addr string, payload string) {
	t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("http://%s/webhook", addr),
		"application/json",
		bytes.NewReader([]byte(payload)),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvolutionWebhookDispatchesTextMessage(t *testing.T) {
	e, rec := startEvolution(t)

	postWebhook(t, e.BoundAddr(), `{
		"event": "messages.upsert",
		"instance": "main",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "m1"},
			"pushName": "Alice",
			"message": {"conversation": "hi bot"}
		}
	}`)

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "5511999990000", msgs[0].SenderID)
	assert.Equal(t, "hi bot", msgs[0].Text)
	assert.Equal(t, domain.MessageTypeText, msgs[0].MessageType)
	assert.Equal(t, "whatsapp", msgs[0].ChannelName)
	assert.Equal(t, "main", msgs[0].Instance)
	assert.Equal(t, "Alice", msgs[0].SenderName)
	assert.NotEmpty(t, msgs[0].Raw)
}

func TestEvolutionWebhookSkipsOwnMessages(t *testing.T) {
	e, rec := startEvolution(t)

	postWebhook(t, e.BoundAddr(), `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true},
			"message": {"conversation": "echo"}
		}
	}`)

	assert.Empty(t, rec.messages())
}

func TestEvolutionWebhookIgnoresOtherEvents(t *testing.T) {
	e, rec := startEvolution(t)

	postWebhook(t, e.BoundAddr(), `{"event": "connection.update", "data": {}}`)
	postWebhook(t, e.BoundAddr(), `not json at all`)

	assert.Empty(t, rec.messages())
}

func TestEvolutionWebhookExtendedTextAndMedia(t *testing.T) {
	e, rec := startEvolution(t)

	postWebhook(t, e.BoundAddr(), `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "1@s.whatsapp.net", "fromMe": false},
			"message": {"extendedTextMessage": {"text": "quoted reply"}}
		}
	}`)
	postWebhook(t, e.BoundAddr(), `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "2@s.whatsapp.net", "fromMe": false},
			"message": {"audioMessage": {"mimetype": "audio/ogg"}}
		}
	}`)

	msgs := rec.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "quoted reply", msgs[0].Text)
	assert.Equal(t, domain.MessageTypeText, msgs[0].MessageType)
	assert.Equal(t, domain.MessageTypeAudio, msgs[1].MessageType)
	assert.Empty(t, msgs[1].Text)
}
