package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/clock"
	"github.com/guildwork/chatsync/internal/wire"
)

type emitRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *emitRecorder) emit(name string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	return nil
}

func (r *emitRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func setup(t *testing.T) (*Coordinator, *emitRecorder, *clock.Fake, <-chan bus.Event) {
	t.Helper()
	b := bus.New()
	rec := &emitRecorder{}
	clk := clock.NewFake()
	c := NewCoordinator(b, rec.emit, 3*time.Second, clk, nil)
	ch, unsub := b.Subscribe("typing.", 32)
	t.Cleanup(unsub)
	return c, rec, clk, ch
}

func TestStartTypingDebounced(t *testing.T) {
	c, rec, clk, _ := setup(t)

	c.StartTyping("c1")
	clk.Advance(time.Second)
	c.StartTyping("c1")

	got := rec.all()
	if len(got) != 1 || got[0] != wire.EventTypingStart {
		t.Errorf("emissions = %v, want single typing:start", got)
	}
}

func TestStartTypingResetsWindow(t *testing.T) {
	c, rec, clk, _ := setup(t)

	c.StartTyping("c1")
	clk.Advance(2 * time.Second)
	c.StartTyping("c1")
	// 2s after the refresh; original window would have expired by now.
	clk.Advance(2 * time.Second)

	got := rec.all()
	if len(got) != 1 {
		t.Errorf("emissions = %v, refresh should have kept the window alive", got)
	}

	clk.Advance(2 * time.Second)
	got = rec.all()
	if len(got) != 2 || got[1] != wire.EventTypingStop {
		t.Errorf("emissions = %v, want expiry typing:stop", got)
	}
}

func TestStopTypingIdempotent(t *testing.T) {
	c, rec, _, _ := setup(t)

	c.StartTyping("c1")
	c.StopTyping("c1")
	c.StopTyping("c1")

	got := rec.all()
	if len(got) != 2 || got[1] != wire.EventTypingStop {
		t.Errorf("emissions = %v, want [start stop]", got)
	}
}

func TestLocalExpiryEmitsStop(t *testing.T) {
	c, rec, clk, _ := setup(t)

	c.StartTyping("c1")
	clk.Advance(3 * time.Second)

	got := rec.all()
	if len(got) != 2 || got[1] != wire.EventTypingStop {
		t.Errorf("emissions = %v, want auto stop after window", got)
	}

	// A new burst after expiry emits a fresh start.
	c.StartTyping("c1")
	got = rec.all()
	if len(got) != 3 || got[2] != wire.EventTypingStart {
		t.Errorf("emissions = %v, want new typing:start", got)
	}
}

func TestRemoteTypingAggregation(t *testing.T) {
	c, _, _, ch := setup(t)

	c.HandleRemote(&wire.Typing{ConversationID: "c1", UserID: "u2", IsTyping: true})
	c.HandleRemote(&wire.Typing{ConversationID: "c1", UserID: "u3", IsTyping: true})

	drain(t, ch, 2)
	got := c.TypingUsers("c1")
	if len(got) != 2 || got[0] != "u2" || got[1] != "u3" {
		t.Errorf("typing users = %v", got)
	}

	c.HandleRemote(&wire.Typing{ConversationID: "c1", UserID: "u2", IsTyping: false})
	drain(t, ch, 1)
	got = c.TypingUsers("c1")
	if len(got) != 1 || got[0] != "u3" {
		t.Errorf("typing users after stop = %v", got)
	}
}

func TestRemoteTypingExpiresWithoutStop(t *testing.T) {
	c, _, clk, ch := setup(t)

	c.HandleRemote(&wire.Typing{ConversationID: "c1", UserID: "u2", IsTyping: true})
	drain(t, ch, 1)

	clk.Advance(3 * time.Second)

	update := waitUpdate(t, ch)
	if len(update.UserIDs) != 0 {
		t.Errorf("typing users after expiry = %v, want none", update.UserIDs)
	}
	if got := c.TypingUsers("c1"); len(got) != 0 {
		t.Errorf("TypingUsers = %v, want empty", got)
	}
}

func TestRemoteRefreshExtendsExpiry(t *testing.T) {
	c, _, clk, _ := setup(t)

	c.HandleRemote(&wire.Typing{ConversationID: "c1", UserID: "u2", IsTyping: true})
	clk.Advance(2 * time.Second)
	c.HandleRemote(&wire.Typing{ConversationID: "c1", UserID: "u2", IsTyping: true})
	clk.Advance(2 * time.Second)

	if got := c.TypingUsers("c1"); len(got) != 1 {
		t.Errorf("typing users = %v, refresh should keep u2 alive", got)
	}
}

func waitUpdate(t *testing.T, ch <-chan bus.Event) Update {
	t.Helper()
	select {
	case evt := <-ch:
		return evt.Payload.(Update)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing update")
		return Update{}
	}
}

func drain(t *testing.T, ch <-chan bus.Event, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		waitUpdate(t, ch)
	}
}
