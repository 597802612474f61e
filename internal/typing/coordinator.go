// Package typing manages composing indicators: debounced start/stop signals
// for the local user and self-expiring aggregation of remote signals.
package typing

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/clock"
	"github.com/guildwork/chatsync/internal/transport"
	"github.com/guildwork/chatsync/internal/wire"
)

// DefaultWindow is how long a typing signal stays alive without a refresh.
const DefaultWindow = 3 * time.Second

// Update is the payload of typing.changed bus events: the derived set of
// currently-typing remote users for one conversation.
type Update struct {
	ConversationID string
	UserIDs        []string
}

// EmitFunc sends a named event over the transport channel.
type EmitFunc func(name string, payload any) error

// Coordinator debounces outbound typing signals and expires remote ones.
// Typing is best effort: emit failures while disconnected are dropped, never
// buffered.
type Coordinator struct {
	emit   EmitFunc
	bus    *bus.Bus
	logger *zap.Logger
	clock  clock.Clock
	window time.Duration

	mu     sync.Mutex
	local  map[string]clock.Timer                // conversation -> local expiry
	remote map[string]map[string]clock.Timer     // conversation -> user -> expiry
}

// NewCoordinator creates a coordinator. clk may be nil for the system clock,
// window zero for the default.
func NewCoordinator(b *bus.Bus, emit EmitFunc, window time.Duration, clk clock.Clock, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	if window == 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		emit:   emit,
		bus:    b,
		logger: logger,
		clock:  clk,
		window: window,
		local:  make(map[string]clock.Timer),
		remote: make(map[string]map[string]clock.Timer),
	}
}

// StartTyping signals that the local user is composing. The first call in a
// window emits typing:start; further calls only reset the expiry timer, so
// rapid keystrokes produce a single transport emission.
func (c *Coordinator) StartTyping(conversationID string) {
	c.mu.Lock()
	timer, active := c.local[conversationID]
	if active {
		timer.Stop()
	}
	c.local[conversationID] = c.clock.AfterFunc(c.window, func() { c.expireLocal(conversationID) })
	c.mu.Unlock()

	if active {
		return
	}
	c.send(wire.EventTypingStart, conversationID)
}

// StopTyping cancels the window and emits typing:stop. Idempotent: calling
// without an active window does nothing.
func (c *Coordinator) StopTyping(conversationID string) {
	c.mu.Lock()
	timer, active := c.local[conversationID]
	if active {
		timer.Stop()
		delete(c.local, conversationID)
	}
	c.mu.Unlock()

	if !active {
		return
	}
	c.send(wire.EventTypingStop, conversationID)
}

func (c *Coordinator) expireLocal(conversationID string) {
	c.mu.Lock()
	_, active := c.local[conversationID]
	delete(c.local, conversationID)
	c.mu.Unlock()

	if active {
		c.send(wire.EventTypingStop, conversationID)
	}
}

// HandleRemote processes an inbound typing signal. A start arms (or
// refreshes) the user's expiry so a lost stop signal still clears the
// indicator.
func (c *Coordinator) HandleRemote(p *wire.Typing) {
	c.mu.Lock()
	users, ok := c.remote[p.ConversationID]
	if !ok {
		users = make(map[string]clock.Timer)
		c.remote[p.ConversationID] = users
	}
	if timer, ok := users[p.UserID]; ok {
		timer.Stop()
		delete(users, p.UserID)
	}
	if p.IsTyping {
		convID, userID := p.ConversationID, p.UserID
		users[userID] = c.clock.AfterFunc(c.window, func() { c.expireRemote(convID, userID) })
	}
	c.mu.Unlock()

	c.publishUpdate(p.ConversationID)
}

func (c *Coordinator) expireRemote(conversationID, userID string) {
	c.mu.Lock()
	if users, ok := c.remote[conversationID]; ok {
		delete(users, userID)
	}
	c.mu.Unlock()

	c.publishUpdate(conversationID)
}

// TypingUsers returns the remote users currently typing in a conversation,
// sorted for stable output.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingUsersLocked(conversationID)
}

func (c *Coordinator) typingUsersLocked(conversationID string) []string {
	users := c.remote[conversationID]
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) publishUpdate(conversationID string) {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	ids := c.typingUsersLocked(conversationID)
	c.mu.Unlock()
	c.bus.Publish(bus.Event{
		Kind:      bus.KindTypingChanged,
		Timestamp: c.clock.Now(),
		Payload:   Update{ConversationID: conversationID, UserIDs: ids},
	})
}

func (c *Coordinator) send(event, conversationID string) {
	if err := c.emit(event, wire.TypingState{ConversationID: conversationID}); err != nil {
		if !errors.Is(err, transport.ErrNotConnected) {
			c.logger.Warn("typing signal dropped", zap.String("event", event), zap.Error(err))
		}
	}
}
