// Package lifecycle tracks the delivery state machine for outbound sends:
// pending until the server acknowledges, then sent, delivered, and read.
// Sends that never get acknowledged are retried once and then failed.
package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/clock"
	"github.com/guildwork/chatsync/internal/model"
	"github.com/guildwork/chatsync/internal/wire"
)

// validTransitions defines the legal delivery-state moves. read is terminal
// (the reader set may still grow); failed re-enters pending only through an
// explicit retry.
var validTransitions = map[model.DeliveryState][]model.DeliveryState{
	model.StatePending:   {model.StateSent, model.StateFailed},
	model.StateSent:      {model.StateDelivered, model.StateRead},
	model.StateDelivered: {model.StateRead},
	model.StateRead:      {},
	model.StateFailed:    {model.StatePending},
}

// CanTransition reports whether moving from one delivery state to another is
// legal.
func CanTransition(from, to model.DeliveryState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the payload of message.* bus events published by the
// tracker. The conversation store applies them to its messages.
type Transition struct {
	LocalID        string
	ServerID       string
	ConversationID string
	To             model.DeliveryState
	ReaderID       string
	Message        *wire.Message // set on ack and only there
	Reason         string        // set on failure
}

// EmitFunc sends a named event over the transport channel.
type EmitFunc func(name string, payload any) error

type pendingSend struct {
	send     wire.MessageSend
	timer    clock.Timer
	attempts int
}

// Tracker owns per-message ack timers and publishes every delivery-state
// transition on the bus.
type Tracker struct {
	bus        *bus.Bus
	logger     *zap.Logger
	clock      clock.Clock
	ackTimeout time.Duration
	emit       EmitFunc

	mu       sync.Mutex
	pending  map[string]*pendingSend // localID -> in-flight send
	serverID map[string]string       // serverID -> localID, for delivered events
}

// NewTracker creates a tracker. clk may be nil for the system clock.
func NewTracker(b *bus.Bus, emit EmitFunc, ackTimeout time.Duration, clk clock.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	if ackTimeout == 0 {
		ackTimeout = 3 * time.Second
	}
	return &Tracker{
		bus:        b,
		logger:     logger,
		clock:      clk,
		ackTimeout: ackTimeout,
		emit:       emit,
		pending:    make(map[string]*pendingSend),
		serverID:   make(map[string]string),
	}
}

// Dispatch arms the ack timer and emits a message:send. Tracking is
// registered before the frame goes out: the ack runs on the read-loop
// goroutine and can arrive before emit even returns. A transport error is
// returned to the caller, which routes the message to the outbox instead;
// tracking is rolled back in that case.
func (t *Tracker) Dispatch(send wire.MessageSend) error {
	t.track(send, 0)
	if err := t.emit(wire.EventMessageSend, send); err != nil {
		t.Cancel(send.LocalID)
		return err
	}
	return nil
}

func (t *Tracker) track(send wire.MessageSend, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[send.LocalID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	p := &pendingSend{send: send, attempts: attempts}
	p.timer = t.clock.AfterFunc(t.ackTimeout, func() { t.onAckTimeout(send.LocalID) })
	t.pending[send.LocalID] = p
}

// Cancel drops tracking for a message, cancelling its timer. Used when a
// message is deleted locally while still in flight.
func (t *Tracker) Cancel(localID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[localID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(t.pending, localID)
	}
}

// PendingCount returns the number of in-flight sends.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleAck processes a server acknowledgment. Acks for unknown local ids
// (already failed, or deleted locally) are dropped.
func (t *Tracker) HandleAck(p *wire.MessageAck) {
	t.mu.Lock()
	ps, ok := t.pending[p.LocalID]
	if ok {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		delete(t.pending, p.LocalID)
		t.serverID[p.Message.ID] = p.LocalID
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("ack for unknown message dropped", zap.String("local_id", p.LocalID))
		return
	}

	msg := p.Message
	t.publish(bus.KindMessageSent, Transition{
		LocalID:        p.LocalID,
		ServerID:       msg.ID,
		ConversationID: msg.ConversationID,
		To:             model.StateSent,
		Message:        &msg,
	})
}

// HandleDelivered processes a delivery receipt, referenced by server id.
func (t *Tracker) HandleDelivered(p *wire.MessageDelivered) {
	t.mu.Lock()
	localID := t.serverID[p.MessageID]
	t.mu.Unlock()

	t.publish(bus.KindMessageDelivered, Transition{
		LocalID:  localID,
		ServerID: p.MessageID,
		To:       model.StateDelivered,
		ReaderID: p.ReaderID,
	})
}

// HandleRead processes a conversation-level read receipt. The reader is
// unioned into every message's read set by the store; duplicates are
// absorbed there.
func (t *Tracker) HandleRead(p *wire.MessageRead) {
	t.publish(bus.KindMessageRead, Transition{
		ConversationID: p.ConversationID,
		To:             model.StateRead,
		ReaderID:       p.ReaderID,
	})
}

// HandleSendError fails an in-flight send after a transport-level error
// report for it.
func (t *Tracker) HandleSendError(localID, reason string) {
	t.mu.Lock()
	var convID string
	if p, ok := t.pending[localID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		convID = p.send.ConversationID
		delete(t.pending, localID)
	}
	t.mu.Unlock()
	t.fail(localID, convID, reason)
}

// Retry re-enters a failed message into the state machine. The local id is
// stable and kept.
func (t *Tracker) Retry(send wire.MessageSend) error {
	t.publish(bus.KindMessageAppended, Transition{
		LocalID:        send.LocalID,
		ConversationID: send.ConversationID,
		To:             model.StatePending,
	})
	return t.Dispatch(send)
}

func (t *Tracker) onAckTimeout(localID string) {
	t.mu.Lock()
	p, ok := t.pending[localID]
	if !ok {
		t.mu.Unlock()
		return
	}
	send := p.send
	if p.attempts >= 1 {
		delete(t.pending, localID)
		t.mu.Unlock()
		t.fail(localID, send.ConversationID, "no acknowledgment from server")
		return
	}
	attempts := p.attempts + 1
	t.mu.Unlock()

	// Re-track before the resend for the same reason Dispatch does: the ack
	// for the resent frame may land before emit returns.
	t.logger.Warn("ack timeout, resending", zap.String("local_id", localID))
	t.track(send, attempts)
	if err := t.emit(wire.EventMessageSend, send); err != nil {
		t.Cancel(localID)
		t.fail(localID, send.ConversationID, err.Error())
		return
	}
}

func (t *Tracker) fail(localID, convID, reason string) {
	t.logger.Warn("message failed", zap.String("local_id", localID), zap.String("reason", reason))
	t.publish(bus.KindMessageFailed, Transition{
		LocalID:        localID,
		ConversationID: convID,
		To:             model.StateFailed,
		Reason:         reason,
	})
}

func (t *Tracker) publish(kind string, tr Transition) {
	if t.bus != nil {
		t.bus.Publish(bus.Event{Kind: kind, Timestamp: t.clock.Now(), Payload: tr})
	}
}
