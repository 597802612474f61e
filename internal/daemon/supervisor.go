package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/client"
	"github.com/guildwork/chatsync/internal/config"
	"github.com/guildwork/chatsync/internal/status"
	"github.com/guildwork/chatsync/internal/transport"
)

// connectFunc dials the channel once.
type connectFunc func(ctx context.Context) error

// syncFunc runs the initial directory reconciliation.
type syncFunc func(ctx context.Context) error

// supervisor drives the session status machine from transport events and
// owns the initial connect and directory sync.
type supervisor struct {
	machine   *status.Machine
	bus       *bus.Bus
	connect   connectFunc
	sync      syncFunc
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(cfg *config.Config, m *status.Machine, b *bus.Bus, ch *transport.Channel, sess *client.Session, logger *zap.Logger) *supervisor {
	return &supervisor{
		machine:   m,
		bus:       b,
		connect:   ch.Connect,
		sync:      sess.SyncConversations,
		baseDelay: cfg.ReconnectBaseDelay.Duration,
		maxDelay:  cfg.ReconnectMaxDelay.Duration,
		logger:    logger,
	}
}

// Start transitions out of Booting, keeps dialing until the first
// connection lands, and from then on follows transport events.
func (s *supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	events, unsub := s.bus.Subscribe("transport.", 16)

	go func() {
		defer close(s.done)
		defer unsub()

		if err := s.machine.Transition(status.Connecting); err != nil {
			s.logger.Error("status transition failed", zap.Error(err))
		}
		go s.dialUntilConnected(ctx)

		for {
			select {
			case evt := <-events:
				s.handle(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the supervisor.
func (s *supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// dialUntilConnected retries the initial dial with doubling delay. Drops
// after the first success are handled by the channel itself.
func (s *supervisor) dialUntilConnected(ctx context.Context) {
	delay := s.baseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		err := s.connect(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("initial connect failed", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if s.maxDelay > 0 && delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

func (s *supervisor) handle(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportConnected:
		if err := s.machine.Transition(status.Syncing); err != nil {
			s.logger.Warn("status transition failed", zap.Error(err))
			return
		}
		if err := s.sync(ctx); err != nil {
			s.logger.Error("initial sync failed", zap.Error(err))
			if tErr := s.machine.Transition(status.Degraded); tErr != nil {
				s.logger.Warn("status transition failed", zap.Error(tErr))
			}
			return
		}
		if err := s.machine.Transition(status.Ready); err != nil {
			s.logger.Warn("status transition failed", zap.Error(err))
		}
	case bus.KindTransportDisconnected:
		if err := s.machine.Transition(status.Reconnecting); err != nil {
			s.logger.Warn("status transition failed", zap.Error(err))
		}
	}
}
