package state

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/lifecycle"
	"github.com/guildwork/chatsync/internal/model"
	"github.com/guildwork/chatsync/internal/wire"
)

const localUser = "user-local"

func newTestStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := NewStore(localUser, b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, b
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func pendingMessage(localID, convID, sender, body string, at time.Time) *model.Message {
	return &model.Message{
		LocalID:        localID,
		ConversationID: convID,
		SenderID:       sender,
		Body:           body,
		Kind:           model.KindText,
		State:          model.StatePending,
		CreatedAt:      at,
	}
}

func TestAppendFromRemoteIncrementsUnread(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()

	s.AppendMessage(pendingMessage("m1", "conv-1", "user-other", "hi", base))
	s.AppendMessage(pendingMessage("m2", "conv-1", "user-other", "there", base.Add(time.Second)))
	s.AppendMessage(pendingMessage("m3", "conv-1", localUser, "hello", base.Add(2*time.Second)))

	if got := s.UnreadCount("conv-1"); got != 2 {
		t.Fatalf("unread = %d, want 2 (own messages never count)", got)
	}
	if got := s.ReconcileUnread("conv-1"); got != 2 {
		t.Fatalf("reconciled unread = %d, want 2", got)
	}

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Body != "hello" {
		t.Fatalf("last message projection = %+v, want newest body", convs[0].LastMessage)
	}
}

func TestMarkReadZeroesUnreadAndMatchesReconciliation(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()
	s.AppendMessage(pendingMessage("m1", "conv-1", "user-other", "a", base))
	s.AppendMessage(pendingMessage("m2", "conv-1", "user-other", "b", base.Add(time.Second)))

	acked := make(chan string, 1)
	// Hook installed after Start is fine here; the engine reads it on the
	// next markRead command.
	s.readAck = func(id string) { acked <- id }

	s.MarkRead("conv-1")

	if got := s.UnreadCount("conv-1"); got != 0 {
		t.Fatalf("unread after mark-read = %d, want 0", got)
	}
	if got := s.ReconcileUnread("conv-1"); got != 0 {
		t.Fatalf("reconciled unread = %d, want 0", got)
	}
	select {
	case id := <-acked:
		if id != "conv-1" {
			t.Fatalf("read ack conversation = %q", id)
		}
	default:
		t.Fatal("expected upstream read ack")
	}
	for _, m := range s.Messages("conv-1") {
		if !m.ReadByUser(localUser) {
			t.Fatalf("message %s missing local user in read set", m.LocalID)
		}
	}
}

func TestActiveConversationReadsOnArrival(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetActiveConversation("conv-1")

	s.HandleMessageNew(&wire.MessageNew{
		ConversationID: "conv-1",
		Message: wire.Message{
			ID:             "srv-1",
			ConversationID: "conv-1",
			SenderID:       "user-other",
			Body:           "ping",
			Kind:           "text",
			CreatedAt:      time.Now(),
		},
	})

	waitUntil(t, func() bool { return len(s.Messages("conv-1")) == 1 })
	if got := s.UnreadCount("conv-1"); got != 0 {
		t.Fatalf("unread for active conversation = %d, want 0", got)
	}
}

func TestAckTransitionInstallsServerID(t *testing.T) {
	s, b := newTestStore(t)
	s.AppendMessage(pendingMessage("local-1", "conv-1", localUser, "x", time.Now()))

	b.Publish(bus.Event{Kind: bus.KindMessageSent, Payload: lifecycle.Transition{
		LocalID:        "local-1",
		ServerID:       "srv-9",
		ConversationID: "conv-1",
		To:             model.StateSent,
	}})

	waitUntil(t, func() bool {
		msgs := s.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].State == model.StateSent && msgs[0].ServerID == "srv-9"
	})
	msgs := s.Messages("conv-1")
	if msgs[0].LocalID != "local-1" {
		t.Fatalf("local id changed to %q, identity must be stable", msgs[0].LocalID)
	}
}

func TestDeliveredAndReadProgression(t *testing.T) {
	s, b := newTestStore(t)
	s.AppendMessage(pendingMessage("local-1", "conv-1", localUser, "x", time.Now()))

	b.Publish(bus.Event{Kind: bus.KindMessageSent, Payload: lifecycle.Transition{
		LocalID: "local-1", ServerID: "srv-1", ConversationID: "conv-1", To: model.StateSent,
	}})
	b.Publish(bus.Event{Kind: bus.KindMessageDelivered, Payload: lifecycle.Transition{
		LocalID: "local-1", ServerID: "srv-1", ConversationID: "conv-1", To: model.StateDelivered,
	}})
	b.Publish(bus.Event{Kind: bus.KindMessageRead, Payload: lifecycle.Transition{
		ConversationID: "conv-1", ReaderID: "user-other", To: model.StateRead,
	}})

	waitUntil(t, func() bool {
		msgs := s.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].State == model.StateRead
	})
	msgs := s.Messages("conv-1")
	if !msgs[0].ReadByUser("user-other") {
		t.Fatal("reader missing from read set")
	}
}

func TestReadEventDoesNotRegressFailedMessage(t *testing.T) {
	s, b := newTestStore(t)
	s.AppendMessage(pendingMessage("local-1", "conv-1", localUser, "x", time.Now()))

	b.Publish(bus.Event{Kind: bus.KindMessageFailed, Payload: lifecycle.Transition{
		LocalID: "local-1", ConversationID: "conv-1", To: model.StateFailed, Reason: "no acknowledgment from server",
	}})
	waitUntil(t, func() bool {
		msgs := s.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].State == model.StateFailed
	})

	b.Publish(bus.Event{Kind: bus.KindMessageRead, Payload: lifecycle.Transition{
		ConversationID: "conv-1", ReaderID: "user-other", To: model.StateRead,
	}})
	waitUntil(t, func() bool {
		msgs := s.Messages("conv-1")
		return msgs[0].ReadByUser("user-other")
	})
	if got := s.Messages("conv-1")[0].State; got != model.StateFailed {
		t.Fatalf("state = %s, failed must not be overwritten by read", got)
	}
}

func TestRetryTransitionReturnsFailedToPending(t *testing.T) {
	s, b := newTestStore(t)
	s.AppendMessage(pendingMessage("local-1", "conv-1", localUser, "x", time.Now()))

	b.Publish(bus.Event{Kind: bus.KindMessageFailed, Payload: lifecycle.Transition{
		LocalID: "local-1", ConversationID: "conv-1", To: model.StateFailed,
	}})
	waitUntil(t, func() bool { return s.Messages("conv-1")[0].State == model.StateFailed })

	b.Publish(bus.Event{Kind: bus.KindMessageAppended, Payload: lifecycle.Transition{
		LocalID: "local-1", ConversationID: "conv-1", To: model.StatePending,
	}})
	waitUntil(t, func() bool { return s.Messages("conv-1")[0].State == model.StatePending })
}

func TestHistoryMergeIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()

	older := []*model.Message{
		{LocalID: "srv-1", ServerID: "srv-1", ConversationID: "conv-1", SenderID: "user-other", Body: "first", State: model.StateSent, CreatedAt: base.Add(-2 * time.Hour)},
		{LocalID: "srv-2", ServerID: "srv-2", ConversationID: "conv-1", SenderID: localUser, Body: "second", State: model.StateSent, CreatedAt: base.Add(-time.Hour)},
	}
	s.AppendMessage(pendingMessage("m-live", "conv-1", "user-other", "live", base))

	s.ApplyHistory("conv-1", older)
	s.ApplyHistory("conv-1", older)

	msgs := s.Messages("conv-1")
	if len(msgs) != 3 {
		t.Fatalf("messages after double merge = %d, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "live"} {
		if msgs[i].Body != want {
			t.Fatalf("msgs[%d].Body = %q, want %q (chronological order)", i, msgs[i].Body, want)
		}
	}
	if got := s.UnreadCount("conv-1"); got != 2 {
		t.Fatalf("unread after merge = %d, want 2", got)
	}
	convs := s.Conversations()
	if convs[0].LastMessage.Body != "live" {
		t.Fatalf("last message = %q, want newest", convs[0].LastMessage.Body)
	}
}

func TestLocalDeleteDropsLateAck(t *testing.T) {
	s, b := newTestStore(t)
	s.AppendMessage(pendingMessage("local-1", "conv-1", localUser, "x", time.Now()))

	if !s.RemoveMessageLocally("conv-1", "local-1") {
		t.Fatal("remove reported failure")
	}
	if got := len(s.Messages("conv-1")); got != 0 {
		t.Fatalf("messages after delete = %d", got)
	}

	b.Publish(bus.Event{Kind: bus.KindMessageSent, Payload: lifecycle.Transition{
		LocalID: "local-1", ServerID: "srv-1", ConversationID: "conv-1", To: model.StateSent,
	}})
	// Late delivery of the full message must not resurrect it either.
	s.HandleMessageNew(&wire.MessageNew{ConversationID: "conv-1", Message: wire.Message{
		ID: "srv-1", ConversationID: "conv-1", SenderID: localUser, Body: "x", CreatedAt: time.Now(),
	}})

	time.Sleep(50 * time.Millisecond)
	if got := len(s.Messages("conv-1")); got != 0 {
		t.Fatalf("deleted message came back, messages = %d", got)
	}
}

func TestRemoveUnknownMessage(t *testing.T) {
	s, _ := newTestStore(t)
	if s.RemoveMessageLocally("conv-1", "nope") {
		t.Fatal("removing unknown message must report false")
	}
}

func TestDuplicateServerMessageIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	msg := wire.Message{ID: "srv-1", ConversationID: "conv-1", SenderID: "user-other", Body: "hi", CreatedAt: time.Now()}

	s.HandleMessageNew(&wire.MessageNew{ConversationID: "conv-1", Message: msg})
	s.HandleMessageNew(&wire.MessageNew{ConversationID: "conv-1", Message: msg})

	waitUntil(t, func() bool { return len(s.Messages("conv-1")) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(s.Messages("conv-1")); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
	if got := s.UnreadCount("conv-1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestUpsertKeepsLocalProjections(t *testing.T) {
	s, _ := newTestStore(t)
	s.AppendMessage(pendingMessage("m1", "conv-1", "user-other", "hi", time.Now()))

	s.UpsertConversation(&model.Conversation{
		ID:           "conv-1",
		Participants: []string{localUser, "user-other"},
		Active:       true,
	})

	convs := s.Conversations()
	if convs[0].UnreadCount != 1 {
		t.Fatalf("upsert clobbered unread, got %d", convs[0].UnreadCount)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Body != "hi" {
		t.Fatal("upsert clobbered last-message projection")
	}
	if len(convs[0].Participants) != 2 {
		t.Fatal("directory fields not refreshed")
	}
}
