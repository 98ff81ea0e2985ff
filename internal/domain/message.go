package domain

import "encoding/json"

// MessageType classifies the payload of an inbound channel message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeUnknown  MessageType = "unknown"
)

// InboundMessage is a normalized message received from a channel.
type InboundMessage struct {
	SenderID    string          `json:"sender_id"`
	Text        string          `json:"text"`
	MessageType MessageType     `json:"message_type"`
	ChannelName string          `json:"channel_name"`
	Instance    string          `json:"instance,omitempty"`
	SenderName  string          `json:"sender_name,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// RunRequest is the payload sent to a backend on each exchange.
type RunRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// RunResult is what a non-streaming backend call returns.
type RunResult struct {
	Text string          `json:"text"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}
