package model

// TypingSignal is the ephemeral composing indicator for one user in one
// conversation. Signals are never persisted and expire on their own if not
// refreshed.
type TypingSignal struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

// OutboxEntry holds everything needed to retransmit a message composed while
// disconnected. It exists only until the message leaves the pending state.
type OutboxEntry struct {
	LocalID        string
	ConversationID string
	Body           string
	Kind           Kind
	Attachments    []string
	Status         string // queued, sending, failed
	ErrorMessage   string
}
