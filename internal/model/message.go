package model

import "time"

// Kind classifies message content.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
	KindVoice Kind = "voice"
)

// DeliveryState is the position of a message in its delivery lifecycle.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// Message is a single chat message. LocalID is assigned at creation on the
// sending device and never replaced; ServerID is installed once the server
// acknowledges the send.
type Message struct {
	LocalID        string
	ServerID       string
	ConversationID string
	SenderID       string
	Body           string
	Kind           Kind
	Attachments    []string
	State          DeliveryState
	CreatedAt      time.Time
	ReadBy         map[string]struct{}
}

// MarkReadBy adds a reader to the read set. The set only ever grows, so
// duplicate read events are absorbed here. Returns true if the reader was new.
func (m *Message) MarkReadBy(userID string) bool {
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]struct{})
	}
	if _, ok := m.ReadBy[userID]; ok {
		return false
	}
	m.ReadBy[userID] = struct{}{}
	return true
}

// ReadByUser reports whether userID is in the read set.
func (m *Message) ReadByUser(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// Clone returns a deep copy, so snapshots handed outside the state engine
// cannot alias engine-owned maps and slices.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.ReadBy != nil {
		c.ReadBy = make(map[string]struct{}, len(m.ReadBy))
		for k := range m.ReadBy {
			c.ReadBy[k] = struct{}{}
		}
	}
	return &c
}
