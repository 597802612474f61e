// Package state holds the in-memory authoritative view of conversations and
// their messages. All mutation is funneled through one engine goroutine, so
// the maps need no locks and UI-triggered operations can never interleave
// with inbound event processing.
package state

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/lifecycle"
	"github.com/guildwork/chatsync/internal/model"
	"github.com/guildwork/chatsync/internal/wire"
)

// UnreadChange is the payload of conversation.unread_changed bus events.
type UnreadChange struct {
	ConversationID string
	Unread         int
}

// ReadAckFunc is invoked on MarkRead so the façade can emit read:ack
// upstream. Called from the engine goroutine; implementations must not call
// back into the store synchronously.
type ReadAckFunc func(conversationID string)

// Store is the conversation state engine.
type Store struct {
	localUserID string
	bus         *bus.Bus
	logger      *zap.Logger
	readAck     ReadAckFunc

	cmds   chan func()
	cancel context.CancelFunc
	done   chan struct{}

	// Everything below is owned by the engine goroutine.
	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message
	byLocalID     map[string]*model.Message
	byServerID    map[string]*model.Message
	deleted       map[string]struct{}
	activeConv    string
}

// NewStore creates a store for the given local user.
func NewStore(localUserID string, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		localUserID:   localUserID,
		bus:           b,
		logger:        logger,
		cmds:          make(chan func(), 256),
		done:          make(chan struct{}),
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		byLocalID:     make(map[string]*model.Message),
		byServerID:    make(map[string]*model.Message),
		deleted:       make(map[string]struct{}),
	}
}

// SetReadAck installs the upstream read-receipt hook. Must be called before
// Start.
func (s *Store) SetReadAck(fn ReadAckFunc) {
	s.readAck = fn
}

// Start launches the engine goroutine. It consumes façade commands and the
// lifecycle tracker's message.* bus events.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	var events <-chan bus.Event
	unsub := func() {}
	if s.bus != nil {
		events, unsub = s.bus.Subscribe("message.", 256)
	}

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case cmd := <-s.cmds:
				cmd()
			case evt := <-events:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// run executes fn on the engine goroutine and waits for it.
func (s *Store) run(fn func()) {
	doneCh := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(doneCh) }:
	case <-s.done:
		return
	}
	select {
	case <-doneCh:
	case <-s.done:
	}
}

func (s *Store) handleEvent(evt bus.Event) {
	tr, ok := evt.Payload.(lifecycle.Transition)
	if !ok {
		// The store's own message.appended publications circulate on the
		// same namespace; only tracker transitions are applied.
		return
	}
	switch evt.Kind {
	case bus.KindMessageSent:
		s.applyAck(tr)
	case bus.KindMessageDelivered:
		s.applyDelivered(tr)
	case bus.KindMessageRead:
		s.applyRead(tr)
	case bus.KindMessageFailed:
		s.applyFailed(tr)
	case bus.KindMessageAppended:
		s.applyRetry(tr)
	}
}

// UpsertConversation inserts or refreshes a conversation.
func (s *Store) UpsertConversation(conv *model.Conversation) {
	c := conv.Clone()
	s.run(func() { s.upsertConversation(c) })
}

func (s *Store) upsertConversation(conv *model.Conversation) {
	existing, ok := s.conversations[conv.ID]
	if ok {
		// Unread and last-message are locally maintained; the directory copy
		// may lag behind what this device already processed.
		conv.UnreadCount = existing.UnreadCount
		if existing.LastMessage != nil {
			conv.LastMessage = existing.LastMessage
		}
	}
	s.conversations[conv.ID] = conv
	s.publishConversation(conv)
}

// AppendMessage inserts a message composed on this device or received from
// a remote sender.
func (s *Store) AppendMessage(msg *model.Message) {
	m := msg.Clone()
	s.run(func() { s.appendMessage(m) })
}

// HandleMessageNew converts and appends an inbound remote message.
func (s *Store) HandleMessageNew(p *wire.MessageNew) {
	m := wireToModel(&p.Message)
	s.run(func() { s.appendMessage(m) })
}

func (s *Store) appendMessage(msg *model.Message) {
	if s.isDeleted(msg) {
		return
	}
	if msg.ServerID != "" {
		if _, dup := s.byServerID[msg.ServerID]; dup {
			return
		}
	}

	conv := s.ensureConversation(msg.ConversationID)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.index(msg)

	fromMe := msg.SenderID == s.localUserID
	if !fromMe {
		if msg.ConversationID == s.activeConv {
			// The user is looking at this conversation; it never counts as
			// unread and the read receipt goes out immediately.
			msg.MarkReadBy(s.localUserID)
			s.ackRead(msg.ConversationID)
		} else if !msg.ReadByUser(s.localUserID) {
			conv.UnreadCount++
			s.publishUnread(conv)
		}
	}

	s.refreshLastMessage(conv, msg)
	conv.UpdatedAt = msg.CreatedAt
	s.publishConversation(conv)

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageAppended,
			Timestamp: time.Now(),
			Payload:   msg.Clone(),
		})
	}
}

// ApplyHistory merges a page of older messages. Idempotent per server id.
func (s *Store) ApplyHistory(conversationID string, msgs []*model.Message) {
	cloned := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		cloned = append(cloned, m.Clone())
	}
	s.run(func() { s.applyHistory(conversationID, cloned) })
}

func (s *Store) applyHistory(conversationID string, msgs []*model.Message) {
	conv := s.ensureConversation(conversationID)
	changed := false
	for _, msg := range msgs {
		if msg.ServerID != "" {
			if _, dup := s.byServerID[msg.ServerID]; dup {
				continue
			}
		}
		if s.isDeleted(msg) {
			continue
		}
		s.messages[conversationID] = append(s.messages[conversationID], msg)
		s.index(msg)
		changed = true
	}
	if !changed {
		return
	}

	list := s.messages[conversationID]
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if last := newest(list); last != nil {
		s.refreshLastMessage(conv, last)
	}
	conv.UnreadCount = s.recomputeUnread(conversationID)
	s.publishUnread(conv)
	s.publishConversation(conv)
}

// MarkRead zeroes the unread count, stamps the local user into every read
// set, and triggers the upstream read receipt.
func (s *Store) MarkRead(conversationID string) {
	s.run(func() { s.markRead(conversationID) })
}

func (s *Store) markRead(conversationID string) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	for _, msg := range s.messages[conversationID] {
		msg.MarkReadBy(s.localUserID)
	}
	if conv.UnreadCount != 0 {
		conv.UnreadCount = 0
		s.publishUnread(conv)
	}
	s.publishConversation(conv)
	s.ackRead(conversationID)
}

// SetActiveConversation marks the conversation the user is currently
// viewing; inbound messages for it are read on arrival. Empty clears.
func (s *Store) SetActiveConversation(conversationID string) {
	s.run(func() {
		s.activeConv = conversationID
		if conversationID != "" {
			s.markRead(conversationID)
		}
	})
}

// ActiveConversation returns the currently joined conversation id.
func (s *Store) ActiveConversation() string {
	var id string
	s.run(func() { id = s.activeConv })
	return id
}

// RemoveMessageLocally removes a message from this device only. Later
// events referencing it are dropped. Returns false if the message is
// unknown.
func (s *Store) RemoveMessageLocally(conversationID, localID string) bool {
	var removed bool
	s.run(func() { removed = s.removeMessage(conversationID, localID) })
	return removed
}

func (s *Store) removeMessage(conversationID, localID string) bool {
	msg, ok := s.byLocalID[localID]
	if !ok || msg.ConversationID != conversationID {
		return false
	}

	list := s.messages[conversationID]
	for i, m := range list {
		if m.LocalID == localID {
			s.messages[conversationID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(s.byLocalID, msg.LocalID)
	s.deleted[msg.LocalID] = struct{}{}
	if msg.ServerID != "" {
		delete(s.byServerID, msg.ServerID)
		s.deleted[msg.ServerID] = struct{}{}
	}

	conv := s.conversations[conversationID]
	if conv != nil {
		if last := newest(s.messages[conversationID]); last != nil {
			conv.LastMessage = &model.LastMessage{Body: last.Body, SenderID: last.SenderID, SentAt: last.CreatedAt}
		} else {
			conv.LastMessage = nil
		}
		conv.UnreadCount = s.recomputeUnread(conversationID)
		s.publishUnread(conv)
		s.publishConversation(conv)
	}
	return true
}

// Conversations returns a snapshot sorted by most recent activity.
func (s *Store) Conversations() []*model.Conversation {
	var out []*model.Conversation
	s.run(func() {
		for _, c := range s.conversations {
			out = append(out, c.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Messages returns a snapshot of a conversation's messages in send order.
func (s *Store) Messages(conversationID string) []*model.Message {
	var out []*model.Message
	s.run(func() {
		for _, m := range s.messages[conversationID] {
			out = append(out, m.Clone())
		}
	})
	return out
}

// UnreadCount returns the maintained unread counter for a conversation.
func (s *Store) UnreadCount(conversationID string) int {
	var n int
	s.run(func() {
		if c, ok := s.conversations[conversationID]; ok {
			n = c.UnreadCount
		}
	})
	return n
}

// ReconcileUnread recomputes the unread count from message read sets. The
// maintained counter must always agree with this definition.
func (s *Store) ReconcileUnread(conversationID string) int {
	var n int
	s.run(func() { n = s.recomputeUnread(conversationID) })
	return n
}

func (s *Store) applyAck(tr lifecycle.Transition) {
	if _, gone := s.deleted[tr.LocalID]; gone {
		s.logger.Debug("ack for locally deleted message dropped", zap.String("local_id", tr.LocalID))
		return
	}
	msg, ok := s.byLocalID[tr.LocalID]
	if !ok {
		s.logger.Debug("ack for unknown message dropped", zap.String("local_id", tr.LocalID))
		return
	}
	if !lifecycle.CanTransition(msg.State, model.StateSent) {
		return
	}
	msg.State = model.StateSent
	msg.ServerID = tr.ServerID
	s.byServerID[tr.ServerID] = msg
	if tr.Message != nil && !tr.Message.CreatedAt.IsZero() {
		msg.CreatedAt = tr.Message.CreatedAt
	}
	s.publishConversationByID(msg.ConversationID)
}

func (s *Store) applyDelivered(tr lifecycle.Transition) {
	msg := s.findMessage(tr.LocalID, tr.ServerID)
	if msg == nil {
		s.logger.Debug("delivery for unknown message dropped", zap.String("server_id", tr.ServerID))
		return
	}
	if !lifecycle.CanTransition(msg.State, model.StateDelivered) {
		return
	}
	msg.State = model.StateDelivered
	s.publishConversationByID(msg.ConversationID)
}

func (s *Store) applyRead(tr lifecycle.Transition) {
	for _, msg := range s.messages[tr.ConversationID] {
		msg.MarkReadBy(tr.ReaderID)
		if msg.SenderID == s.localUserID && lifecycle.CanTransition(msg.State, model.StateRead) {
			msg.State = model.StateRead
		}
	}
	s.publishConversationByID(tr.ConversationID)
}

func (s *Store) applyFailed(tr lifecycle.Transition) {
	msg, ok := s.byLocalID[tr.LocalID]
	if !ok {
		return
	}
	if !lifecycle.CanTransition(msg.State, model.StateFailed) {
		return
	}
	msg.State = model.StateFailed
	s.publishConversationByID(msg.ConversationID)
}

func (s *Store) applyRetry(tr lifecycle.Transition) {
	msg, ok := s.byLocalID[tr.LocalID]
	if !ok || tr.To != model.StatePending {
		return
	}
	if !lifecycle.CanTransition(msg.State, model.StatePending) {
		return
	}
	msg.State = model.StatePending
	s.publishConversationByID(msg.ConversationID)
}

func (s *Store) findMessage(localID, serverID string) *model.Message {
	if localID != "" {
		if m, ok := s.byLocalID[localID]; ok {
			return m
		}
	}
	if serverID != "" {
		if m, ok := s.byServerID[serverID]; ok {
			return m
		}
	}
	return nil
}

func (s *Store) isDeleted(msg *model.Message) bool {
	if _, gone := s.deleted[msg.LocalID]; gone {
		return true
	}
	if msg.ServerID != "" {
		if _, gone := s.deleted[msg.ServerID]; gone {
			return true
		}
	}
	return false
}

func (s *Store) index(msg *model.Message) {
	s.byLocalID[msg.LocalID] = msg
	if msg.ServerID != "" {
		s.byServerID[msg.ServerID] = msg
	}
}

func (s *Store) ensureConversation(id string) *model.Conversation {
	conv, ok := s.conversations[id]
	if !ok {
		conv = &model.Conversation{ID: id, Active: true}
		s.conversations[id] = conv
	}
	return conv
}

func (s *Store) recomputeUnread(conversationID string) int {
	n := 0
	for _, msg := range s.messages[conversationID] {
		if msg.SenderID != s.localUserID && !msg.ReadByUser(s.localUserID) {
			n++
		}
	}
	return n
}

func (s *Store) refreshLastMessage(conv *model.Conversation, msg *model.Message) {
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.SentAt) {
		conv.LastMessage = &model.LastMessage{Body: msg.Body, SenderID: msg.SenderID, SentAt: msg.CreatedAt}
	}
}

func (s *Store) ackRead(conversationID string) {
	if s.readAck != nil {
		s.readAck(conversationID)
	}
}

func (s *Store) publishConversationByID(id string) {
	if conv, ok := s.conversations[id]; ok {
		s.publishConversation(conv)
	}
}

func (s *Store) publishConversation(conv *model.Conversation) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   conv.Clone(),
	})
}

func (s *Store) publishUnread(conv *model.Conversation) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: time.Now(),
		Payload:   UnreadChange{ConversationID: conv.ID, Unread: conv.UnreadCount},
	})
}

func newest(list []*model.Message) *model.Message {
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func wireToModel(w *wire.Message) *model.Message {
	msg := &model.Message{
		LocalID:        w.ID,
		ServerID:       w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		Kind:           model.Kind(w.Kind),
		Attachments:    w.Attachments,
		State:          model.StateSent,
		CreatedAt:      w.CreatedAt,
	}
	for _, r := range w.ReadBy {
		msg.MarkReadBy(r)
	}
	return msg
}
