package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names the server may push over the channel.
const (
	EventMessageNew       = "message:new"
	EventMessageAck       = "message:ack"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventTyping           = "typing"
	EventHistory          = "history"
	EventError            = "error"
)

// Outbound event names the client emits.
const (
	EventMessageSend  = "message:send"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
	EventReadAck      = "read:ack"
	EventCallInitiate = "call:initiate"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
)

// ErrMalformed marks an inbound event missing required fields. Such events
// are logged and dropped at the dispatch boundary; they must never take down
// the processing loop.
var ErrMalformed = errors.New("malformed event")

// Envelope is the wire format for every event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the wire representation of a chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	Kind           string    `json:"kind"`
	Attachments    []string  `json:"attachments,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ReadBy         []string  `json:"readBy,omitempty"`
}

// MessageNew is pushed when another participant sends a message.
type MessageNew struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageAck confirms a send initiated by this device, matched by the local
// message id the client attached to message:send.
type MessageAck struct {
	LocalID string  `json:"localTempId"`
	Message Message `json:"message"`
}

// MessageDelivered fires when at least one recipient device received the
// message identified by its server id.
type MessageDelivered struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

// MessageRead fires when a participant read the conversation.
type MessageRead struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// Typing is a remote composing indicator.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// History carries a page of older messages for a conversation.
type History struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// ServerError is a server-side error report.
type ServerError struct {
	Context string `json:"context"`
	Detail  string `json:"detail"`
}

// MessageSend is the outbound send request. LocalID lets the server echo the
// identity back in message:ack.
type MessageSend struct {
	LocalID        string   `json:"localTempId"`
	ConversationID string   `json:"conversationId"`
	Body           string   `json:"body"`
	Kind           string   `json:"kind"`
	Attachments    []string `json:"attachments,omitempty"`
}

// TypingState is the outbound payload for typing:start / typing:stop.
type TypingState struct {
	ConversationID string `json:"conversationId"`
}

// ReadAck tells the server the local user read a conversation.
type ReadAck struct {
	ConversationID string `json:"conversationId"`
}

// CallSignal is the opaque payload for the call:* passthrough events. The
// daemon relays signaling data without interpreting it.
type CallSignal struct {
	ConversationID string          `json:"conversationId"`
	CallID         string          `json:"callId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// DecodeInbound parses an inbound payload into its typed form. The set of
// inbound events is closed: unknown names return (nil, nil) so the caller can
// skip them, and payloads missing required fields return ErrMalformed.
func DecodeInbound(name string, raw json.RawMessage) (any, error) {
	switch name {
	case EventMessageNew:
		var p MessageNew
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if p.ConversationID == "" || p.Message.ID == "" {
			return nil, fmt.Errorf("%w: %s: missing conversationId or message.id", ErrMalformed, name)
		}
		return &p, nil
	case EventMessageAck:
		var p MessageAck
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if p.LocalID == "" || p.Message.ID == "" {
			return nil, fmt.Errorf("%w: %s: missing localTempId or message.id", ErrMalformed, name)
		}
		return &p, nil
	case EventMessageDelivered:
		var p MessageDelivered
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("%w: %s: missing messageId", ErrMalformed, name)
		}
		return &p, nil
	case EventMessageRead:
		var p MessageRead
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if p.ConversationID == "" || p.ReaderID == "" {
			return nil, fmt.Errorf("%w: %s: missing conversationId or readerId", ErrMalformed, name)
		}
		return &p, nil
	case EventTyping:
		var p Typing
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%w: %s: missing conversationId or userId", ErrMalformed, name)
		}
		return &p, nil
	case EventHistory:
		var p History
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("%w: %s: missing conversationId", ErrMalformed, name)
		}
		return &p, nil
	case EventError:
		var p ServerError
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		return &p, nil
	}
	return nil, nil
}
