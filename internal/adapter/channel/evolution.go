package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"omni-gateway/internal/domain"
)

// WhatsApp messages above this length are rejected by the bridge, so
// outbound text is chunked to fit.
const whatsappMaxLength = 4000

// EvolutionOption configures the Evolution channel.
type EvolutionOption func(*EvolutionChannel)

// WithEvolutionHTTPClient overrides the outbound HTTP client (tests).
func WithEvolutionHTTPClient(c *http.Client) EvolutionOption {
	return func(e *EvolutionChannel) { e.client = c }
}

// EvolutionChannel implements domain.Channel for WhatsApp via an Evolution
// API bridge. It runs a webhook server for receiving messages and calls the
// bridge REST API for sending text and presence.
type EvolutionChannel struct {
	baseURL     string // Evolution API base
	apiKey      string
	instance    string // bridge instance name, appears in URL paths
	webhookAddr string // ":3380"
	boundAddr   string // actual bound address
	handler     domain.MessageHandler
	logger      *slog.Logger
	client      *http.Client
	server      *http.Server
	done        chan struct{}
}

// NewEvolutionChannel creates a WhatsApp channel backed by an Evolution API
// instance.
func NewEvolutionChannel(baseURL, apiKey, instance, webhookAddr string, logger *slog.Logger, opts ...EvolutionOption) *EvolutionChannel {
	e := &EvolutionChannel{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		instance:    instance,
		webhookAddr: webhookAddr,
		logger:      logger,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements domain.ChannelSender.
func (e *EvolutionChannel) Name() string { return "whatsapp" }

// MaxMessageLength implements domain.ChannelSender.
func (e *EvolutionChannel) MaxMessageLength() int { return whatsappMaxLength }

// BoundAddr returns the actual bound address of the webhook server.
func (e *EvolutionChannel) BoundAddr() string { return e.boundAddr }

// Start begins the webhook server. Non-blocking (serves in a goroutine).
func (e *EvolutionChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	e.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", e.handleWebhook)
	mux.HandleFunc("/webhook/", e.handleWebhook)

	e.server = &http.Server{
		Addr:              e.webhookAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", e.webhookAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.webhookAddr, err)
	}
	e.boundAddr = ln.Addr().String()

	go func() {
		e.logger.Info("evolution webhook started", "addr", e.boundAddr, "instance", e.instance)
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Error("evolution webhook server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the webhook server.
func (e *EvolutionChannel) Stop(ctx context.Context) error {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}

// SendText sends a text message through the bridge.
func (e *EvolutionChannel) SendText(ctx context.Context, recipientID, text string) error {
	url := fmt.Sprintf("%s/message/sendText/%s", e.baseURL, e.instance)
	payload := evolutionSendTextRequest{
		Number: recipientID,
		Text:   text,
	}
	if err := e.post(ctx, url, payload); err != nil {
		return domain.NewDomainError("evolution.send_text", domain.ErrDelivery, err.Error())
	}
	return nil
}

// SendPresence publishes a chat presence (typing indicator) for the
// recipient. The bridge expires the presence after delay milliseconds.
func (e *EvolutionChannel) SendPresence(ctx context.Context, recipientID string, kind domain.PresenceKind, ttl time.Duration) error {
	url := fmt.Sprintf("%s/chat/sendPresence/%s", e.baseURL, e.instance)
	payload := evolutionPresenceRequest{
		Number:   recipientID,
		Presence: string(kind),
		Delay:    int(ttl.Milliseconds()),
	}
	if err := e.post(ctx, url, payload); err != nil {
		return domain.NewDomainError("evolution.send_presence", domain.ErrDelivery, err.Error())
	}
	return nil
}

func (e *EvolutionChannel) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("evolution API error %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// handleWebhook processes Evolution webhook deliveries. Always returns 200 so
// the bridge does not retry payloads we chose to skip.
func (e *EvolutionChannel) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		e.logger.Warn("evolution read body error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	var payload evolutionWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		e.logger.Warn("evolution unmarshal error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	e.processEvent(r.Context(), &payload, body)
	rw.WriteHeader(http.StatusOK)
}

func (e *EvolutionChannel) processEvent(ctx context.Context, payload *evolutionWebhookPayload, raw []byte) {
	// Only message arrivals are routed; connection and QR events are noise.
	if !strings.EqualFold(payload.Event, "messages.upsert") {
		return
	}
	if payload.Data == nil {
		return
	}
	// Skip our own outbound echoes.
	if payload.Data.Key.FromMe {
		return
	}

	senderID := strings.TrimSuffix(payload.Data.Key.RemoteJID, "@s.whatsapp.net")
	if senderID == "" {
		return
	}

	text, msgType := extractEvolutionContent(payload.Data.Message)

	inbound := domain.InboundMessage{
		SenderID:    senderID,
		Text:        text,
		MessageType: msgType,
		ChannelName: "whatsapp",
		Instance:    e.instance,
		SenderName:  payload.Data.PushName,
		Raw:         json.RawMessage(raw),
	}

	if err := e.handler(ctx, inbound); err != nil {
		e.logger.Error("evolution handler error", "error", err, "sender", senderID)
	}
}

// extractEvolutionContent pulls text and a message type out of the nested
// Evolution message union.
func extractEvolutionContent(msg *evolutionMessage) (string, domain.MessageType) {
	if msg == nil {
		return "", domain.MessageTypeUnknown
	}
	switch {
	case msg.Conversation != "":
		return msg.Conversation, domain.MessageTypeText
	case msg.ExtendedText != nil && msg.ExtendedText.Text != "":
		return msg.ExtendedText.Text, domain.MessageTypeText
	case msg.ImageMessage != nil:
		return msg.ImageMessage.Caption, domain.MessageTypeImage
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.Caption, domain.MessageTypeDocument
	case msg.AudioMessage != nil:
		return "", domain.MessageTypeAudio
	default:
		return "", domain.MessageTypeUnknown
	}
}

// --- Evolution API wire types ---

type evolutionSendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type evolutionPresenceRequest struct {
	Number   string `json:"number"`
	Presence string `json:"presence"`
	Delay    int    `json:"delay"`
}

type evolutionWebhookPayload struct {
	Event    string             `json:"event"`
	Instance string             `json:"instance"`
	Data     *evolutionMsgEvent `json:"data"`
}

type evolutionMsgEvent struct {
	Key      evolutionMsgKey   `json:"key"`
	PushName string            `json:"pushName"`
	Message  *evolutionMessage `json:"message"`
}

type evolutionMsgKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type evolutionMessage struct {
	Conversation    string                  `json:"conversation,omitempty"`
	ExtendedText    *evolutionExtendedText  `json:"extendedTextMessage,omitempty"`
	ImageMessage    *evolutionCaptionMedia  `json:"imageMessage,omitempty"`
	DocumentMessage *evolutionCaptionMedia  `json:"documentMessage,omitempty"`
	AudioMessage    *evolutionPlainMedia    `json:"audioMessage,omitempty"`
}

type evolutionExtendedText struct {
	Text string `json:"text"`
}

type evolutionCaptionMedia struct {
	Caption  string `json:"caption,omitempty"`
	MIMEType string `json:"mimetype,omitempty"`
}

type evolutionPlainMedia struct {
	MIMEType string `json:"mimetype,omitempty"`
}

// Compile-time interface check.
var _ domain.Channel = (*EvolutionChannel)(nil)
