package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix,
// e.g. "message." receives every message lifecycle event.
const (
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"

	KindMessageAppended   = "message.appended"
	KindMessageSent       = "message.sent"
	KindMessageDelivered  = "message.delivered"
	KindMessageRead       = "message.read"
	KindMessageFailed     = "message.failed"

	KindTypingChanged = "typing.changed"

	KindSessionStatusChanged = "session.status_changed"

	KindConversationUpdated = "conversation.updated"
	KindUnreadChanged       = "conversation.unread_changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
