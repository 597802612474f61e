package model

import "time"

// LastMessage is the denormalized newest-message projection kept on a
// conversation for list display.
type LastMessage struct {
	Body     string
	SenderID string
	SentAt   time.Time
}

// Conversation is a chat thread between two or more participants. It may be
// linked to an external job or guild. Conversations are never removed
// locally; archival only clears Active.
type Conversation struct {
	ID           string
	Participants []string
	JobID        string
	GuildID      string
	LastMessage  *LastMessage
	UnreadCount  int
	Active       bool
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy for snapshot reads.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.Participants != nil {
		cp.Participants = append([]string(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}
