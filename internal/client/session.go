// Package client exposes the session façade: one object tying the channel,
// the lifecycle tracker, the typing coordinator, the outbox, and the
// conversation store into the operations a frontend calls.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/clock"
	"github.com/guildwork/chatsync/internal/directory"
	"github.com/guildwork/chatsync/internal/lifecycle"
	"github.com/guildwork/chatsync/internal/model"
	"github.com/guildwork/chatsync/internal/outbox"
	"github.com/guildwork/chatsync/internal/state"
	"github.com/guildwork/chatsync/internal/transport"
	"github.com/guildwork/chatsync/internal/typing"
	"github.com/guildwork/chatsync/internal/wire"
)

// ErrUnknownMessage is returned for retry or delete requests naming a
// message this session has never seen.
var ErrUnknownMessage = errors.New("unknown message")

// Session is the façade over the sync engine for one authenticated user.
type Session struct {
	userID  string
	channel *transport.Channel
	tracker *lifecycle.Tracker
	typing  *typing.Coordinator
	store   *state.Store
	outbox  *outbox.Outbox
	dir     *directory.Client
	clock   clock.Clock
	logger  *zap.Logger

	mu            sync.Mutex
	historyCancel context.CancelFunc
}

// New wires the façade. It installs the inbound event handlers on the
// channel and the read-receipt hook on the store; call it before
// Channel.Connect.
func New(
	userID string,
	ch *transport.Channel,
	tracker *lifecycle.Tracker,
	typ *typing.Coordinator,
	st *state.Store,
	ob *outbox.Outbox,
	dir *directory.Client,
	clk clock.Clock,
	logger *zap.Logger,
) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	s := &Session{
		userID:  userID,
		channel: ch,
		tracker: tracker,
		typing:  typ,
		store:   st,
		outbox:  ob,
		dir:     dir,
		clock:   clk,
		logger:  logger,
	}
	s.registerHandlers()
	st.SetReadAck(s.emitReadAck)
	return s
}

// registerHandlers routes decoded inbound events to their owners.
func (s *Session) registerHandlers() {
	s.channel.On(wire.EventMessageNew, func(payload any) {
		if p, ok := payload.(*wire.MessageNew); ok {
			s.store.HandleMessageNew(p)
		}
	})
	s.channel.On(wire.EventMessageAck, func(payload any) {
		if p, ok := payload.(*wire.MessageAck); ok {
			s.tracker.HandleAck(p)
		}
	})
	s.channel.On(wire.EventMessageDelivered, func(payload any) {
		if p, ok := payload.(*wire.MessageDelivered); ok {
			s.tracker.HandleDelivered(p)
		}
	})
	s.channel.On(wire.EventMessageRead, func(payload any) {
		if p, ok := payload.(*wire.MessageRead); ok {
			s.tracker.HandleRead(p)
		}
	})
	s.channel.On(wire.EventTyping, func(payload any) {
		if p, ok := payload.(*wire.Typing); ok {
			s.typing.HandleRemote(p)
		}
	})
	s.channel.On(wire.EventHistory, func(payload any) {
		if p, ok := payload.(*wire.History); ok {
			s.applyWireHistory(p)
		}
	})
	s.channel.On(wire.EventError, func(payload any) {
		if p, ok := payload.(*wire.ServerError); ok {
			s.logger.Warn("server error",
				zap.String("context", p.Context),
				zap.String("detail", p.Detail))
			if p.Context != "" {
				s.tracker.HandleSendError(p.Context, p.Detail)
			}
		}
	})
}

// SendMessage composes a message and dispatches it. The returned local id
// identifies the message for its whole life; the server id learned later is
// recorded alongside it, never in its place. When the channel is down the
// message is queued for replay instead of failing.
func (s *Session) SendMessage(conversationID, body string, kind model.Kind, attachments []string) (string, error) {
	localID := uuid.NewString()
	msg := &model.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Body:           body,
		Kind:           kind,
		Attachments:    attachments,
		State:          model.StatePending,
		CreatedAt:      s.clock.Now(),
	}
	s.store.AppendMessage(msg)

	send := wire.MessageSend{
		LocalID:        localID,
		ConversationID: conversationID,
		Body:           body,
		Kind:           string(kind),
		Attachments:    attachments,
	}
	err := s.tracker.Dispatch(send)
	switch {
	case err == nil:
		return localID, nil
	case errors.Is(err, transport.ErrNotConnected):
		qErr := s.outbox.Enqueue(&model.OutboxEntry{
			LocalID:        localID,
			ConversationID: conversationID,
			Body:           body,
			Kind:           kind,
			Attachments:    attachments,
		})
		if qErr != nil {
			s.tracker.HandleSendError(localID, qErr.Error())
			return localID, qErr
		}
		return localID, nil
	default:
		s.tracker.HandleSendError(localID, err.Error())
		return localID, err
	}
}

// RetryMessage puts a failed message back on the wire under its original
// local id.
func (s *Session) RetryMessage(conversationID, localID string) error {
	var target *model.Message
	for _, m := range s.store.Messages(conversationID) {
		if m.LocalID == localID {
			target = m
			break
		}
	}
	if target == nil {
		return ErrUnknownMessage
	}
	if target.State != model.StateFailed {
		return nil
	}

	send := wire.MessageSend{
		LocalID:        target.LocalID,
		ConversationID: target.ConversationID,
		Body:           target.Body,
		Kind:           string(target.Kind),
		Attachments:    target.Attachments,
	}
	err := s.tracker.Retry(send)
	if errors.Is(err, transport.ErrNotConnected) {
		return s.outbox.Enqueue(&model.OutboxEntry{
			LocalID:        target.LocalID,
			ConversationID: target.ConversationID,
			Body:           target.Body,
			Kind:           target.Kind,
			Attachments:    target.Attachments,
		})
	}
	return err
}

// MarkAsRead clears the unread count and sends the read receipt upstream.
func (s *Session) MarkAsRead(conversationID string) {
	s.store.MarkRead(conversationID)
}

// JoinConversation marks a conversation active and loads its recent
// history. A previous in-flight history load is cancelled first.
func (s *Session) JoinConversation(ctx context.Context, conversationID string, pageSize int) {
	s.store.SetActiveConversation(conversationID)

	s.mu.Lock()
	if s.historyCancel != nil {
		s.historyCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.historyCancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		msgs, err := s.dir.GetMessages(ctx, conversationID, pageSize, "")
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("history load failed",
					zap.String("conversation_id", conversationID),
					zap.Error(err))
			}
			return
		}
		s.store.ApplyHistory(conversationID, msgs)
	}()
}

// LeaveConversation clears the active conversation and stops any local
// typing indicator for it.
func (s *Session) LeaveConversation(conversationID string) {
	s.mu.Lock()
	if s.historyCancel != nil {
		s.historyCancel()
		s.historyCancel = nil
	}
	s.mu.Unlock()
	s.typing.StopTyping(conversationID)
	s.store.SetActiveConversation("")
}

// LoadOlderMessages fetches the page before the given message id.
func (s *Session) LoadOlderMessages(ctx context.Context, conversationID string, pageSize int, beforeMessageID string) error {
	msgs, err := s.dir.GetMessages(ctx, conversationID, pageSize, beforeMessageID)
	if err != nil {
		return err
	}
	s.store.ApplyHistory(conversationID, msgs)
	return nil
}

// SyncConversations pulls the conversation list from the directory and
// merges it into the store.
func (s *Session) SyncConversations(ctx context.Context) error {
	convs, err := s.dir.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		s.store.UpsertConversation(c)
	}
	return nil
}

// CreateDirectConversation starts a one-to-one conversation.
func (s *Session) CreateDirectConversation(ctx context.Context, recipientID string) (*model.Conversation, error) {
	conv, err := s.dir.CreateDirectConversation(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	s.store.UpsertConversation(conv)
	return conv, nil
}

// CreateGroupConversation starts a conversation tied to a job or guild.
func (s *Session) CreateGroupConversation(ctx context.Context, relatedEntityID string, participantIDs []string) (*model.Conversation, error) {
	conv, err := s.dir.CreateGroupConversation(ctx, relatedEntityID, participantIDs)
	if err != nil {
		return nil, err
	}
	s.store.UpsertConversation(conv)
	return conv, nil
}

// DeleteMessageLocally removes a message from this device only. The server
// copy is untouched; later events about the message are discarded.
func (s *Session) DeleteMessageLocally(conversationID, localID string) error {
	s.tracker.Cancel(localID)
	if !s.store.RemoveMessageLocally(conversationID, localID) {
		return ErrUnknownMessage
	}
	return nil
}

// StartTyping reports local composing activity, debounced by the
// coordinator.
func (s *Session) StartTyping(conversationID string) {
	s.typing.StartTyping(conversationID)
}

// StopTyping clears the local composing state.
func (s *Session) StopTyping(conversationID string) {
	s.typing.StopTyping(conversationID)
}

// TypingUsers lists remote participants currently composing.
func (s *Session) TypingUsers(conversationID string) []string {
	users := s.typing.TypingUsers(conversationID)
	sort.Strings(users)
	return users
}

// Conversations returns a snapshot sorted by recent activity.
func (s *Session) Conversations() []*model.Conversation {
	return s.store.Conversations()
}

// Messages returns a snapshot of a conversation's messages.
func (s *Session) Messages(conversationID string) []*model.Message {
	return s.store.Messages(conversationID)
}

// InitiateCall relays a call offer. Signaling is passthrough; the engine
// does not track call state.
func (s *Session) InitiateCall(sig wire.CallSignal) error {
	return s.channel.Emit(wire.EventCallInitiate, sig)
}

// AcceptCall relays a call accept.
func (s *Session) AcceptCall(sig wire.CallSignal) error {
	return s.channel.Emit(wire.EventCallAccept, sig)
}

// RejectCall relays a call reject.
func (s *Session) RejectCall(sig wire.CallSignal) error {
	return s.channel.Emit(wire.EventCallReject, sig)
}

// EndCall relays a call hangup.
func (s *Session) EndCall(sig wire.CallSignal) error {
	return s.channel.Emit(wire.EventCallEnd, sig)
}

func (s *Session) applyWireHistory(p *wire.History) {
	msgs := make([]*model.Message, 0, len(p.Messages))
	for i := range p.Messages {
		w := p.Messages[i]
		m := &model.Message{
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
			m.MarkReadBy(r)
		}
		msgs = append(msgs, m)
	}
	s.store.ApplyHistory(p.ConversationID, msgs)
}

// emitReadAck is the store's read-receipt hook. A down channel is fine; the
// server reconciles read state from the directory on reconnect.
func (s *Session) emitReadAck(conversationID string) {
	s.send(wire.EventReadAck, wire.ReadAck{ConversationID: conversationID})
}

func (s *Session) send(name string, payload any) {
	if err := s.channel.Emit(name, payload); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Warn("emit failed", zap.String("event", name), zap.Error(err))
	}
}
