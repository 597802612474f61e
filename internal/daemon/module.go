// Package daemon composes the sync engine into a running session process.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/client"
	"github.com/guildwork/chatsync/internal/clock"
	"github.com/guildwork/chatsync/internal/config"
	"github.com/guildwork/chatsync/internal/directory"
	"github.com/guildwork/chatsync/internal/lifecycle"
	"github.com/guildwork/chatsync/internal/lock"
	"github.com/guildwork/chatsync/internal/logging"
	"github.com/guildwork/chatsync/internal/model"
	"github.com/guildwork/chatsync/internal/outbox"
	"github.com/guildwork/chatsync/internal/session"
	"github.com/guildwork/chatsync/internal/state"
	"github.com/guildwork/chatsync/internal/status"
	"github.com/guildwork/chatsync/internal/store"
	"github.com/guildwork/chatsync/internal/transport"
	"github.com/guildwork/chatsync/internal/typing"
	"github.com/guildwork/chatsync/internal/wire"
)

// Params holds the resolved session identity passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideStateMachine,
			provideLock,
			provideStore,
			provideChannel,
			provideTracker,
			provideTypingCoordinator,
			provideStateStore,
			provideOutbox,
			provideDirectory,
			provideSession,
			newSupervisor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.OutboxDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChannel(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Channel {
	return transport.NewChannel(transport.Options{
		URL:                cfg.ServerURL,
		AuthToken:          cfg.AuthToken,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay.Duration,
	}, b, logger)
}

func provideTracker(cfg *config.Config, ch *transport.Channel, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *lifecycle.Tracker {
	return lifecycle.NewTracker(b, ch.Emit, cfg.AckTimeout.Duration, clk, logger)
}

func provideTypingCoordinator(cfg *config.Config, ch *transport.Channel, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(b, ch.Emit, cfg.TypingWindow.Duration, clk, logger)
}

func provideStateStore(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *state.Store {
	return state.NewStore(cfg.UserID, b, logger)
}

func provideOutbox(db *store.DB, b *bus.Bus, tracker *lifecycle.Tracker, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(db, b, func(e *model.OutboxEntry) error {
		return tracker.Dispatch(wire.MessageSend{
			LocalID:        e.LocalID,
			ConversationID: e.ConversationID,
			Body:           e.Body,
			Kind:           string(e.Kind),
			Attachments:    e.Attachments,
		})
	}, logger)
}

func provideDirectory(cfg *config.Config) *directory.Client {
	return directory.NewClient(cfg.DirectoryURL, cfg.AuthToken, nil)
}

func provideSession(
	cfg *config.Config,
	ch *transport.Channel,
	tracker *lifecycle.Tracker,
	coord *typing.Coordinator,
	st *state.Store,
	ob *outbox.Outbox,
	dir *directory.Client,
	clk clock.Clock,
	logger *zap.Logger,
) *client.Session {
	return client.New(cfg.UserID, ch, tracker, coord, st, ob, dir, clk, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	st *state.Store,
	ob *outbox.Outbox,
	ch *transport.Channel,
	sup *supervisor,
	logger *zap.Logger,
) {
	var runCtx context.Context
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runCtx, cancel = context.WithCancel(context.Background())
			st.Start(runCtx)
			ob.Start(runCtx)
			sup.Start(runCtx)
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			sup.Stop()
			ch.Disconnect()
			ob.Stop()
			st.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
