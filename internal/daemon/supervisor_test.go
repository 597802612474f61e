package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/status"
)

func newTestSupervisor(connect connectFunc, sync syncFunc) (*supervisor, *status.Machine, *bus.Bus) {
	b := bus.New()
	m := status.NewMachine(b)
	return &supervisor{
		machine:   m,
		bus:       b,
		connect:   connect,
		sync:      sync,
		baseDelay: time.Millisecond,
		maxDelay:  5 * time.Millisecond,
		logger:    zap.NewNop(),
	}, m, b
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestSupervisorReachesReady(t *testing.T) {
	var synced atomic.Int32
	sup, m, b := newTestSupervisor(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { synced.Add(1); return nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitState(t, m, status.Connecting)
	b.Publish(bus.Event{Kind: bus.KindTransportConnected})
	waitState(t, m, status.Ready)
	if got := synced.Load(); got != 1 {
		t.Fatalf("sync ran %d times, want 1", got)
	}
}

func TestSupervisorRetriesInitialDial(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	sup, m, _ := newTestSupervisor(
		func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("refused")
			}
			return nil
		},
		func(ctx context.Context) error { return nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitState(t, m, status.Connecting)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dial attempts = %d, want at least 3", attempts)
}

func TestSupervisorDegradedOnSyncFailure(t *testing.T) {
	sup, m, b := newTestSupervisor(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return errors.New("directory unavailable") },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitState(t, m, status.Connecting)
	b.Publish(bus.Event{Kind: bus.KindTransportConnected})
	waitState(t, m, status.Degraded)
}

func TestSupervisorReconnectCycle(t *testing.T) {
	sup, m, b := newTestSupervisor(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitState(t, m, status.Connecting)
	b.Publish(bus.Event{Kind: bus.KindTransportConnected})
	waitState(t, m, status.Ready)

	b.Publish(bus.Event{Kind: bus.KindTransportDisconnected})
	waitState(t, m, status.Reconnecting)

	b.Publish(bus.Event{Kind: bus.KindTransportConnected})
	waitState(t, m, status.Ready)
}
