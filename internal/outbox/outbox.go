// Package outbox queues messages composed while the channel is down and
// replays them in compose order once connectivity returns. Entries survive
// daemon restarts through the session database.
package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/lifecycle"
	"github.com/guildwork/chatsync/internal/model"
	"github.com/guildwork/chatsync/internal/store"
)

// SendFunc hands a queued entry to the lifecycle tracker for dispatch. An
// error means the channel is still unusable and the flush must halt.
type SendFunc func(e *model.OutboxEntry) error

// Outbox is the durable offline send queue.
type Outbox struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	send   SendFunc

	mu       sync.Mutex
	flushing bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an outbox backed by the session database.
func New(db *store.DB, b *bus.Bus, send SendFunc, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		db:     db,
		bus:    b,
		logger: logger,
		send:   send,
		done:   make(chan struct{}),
	}
}

// Enqueue persists a message for later delivery. Order of enqueue is the
// order of eventual dispatch.
func (o *Outbox) Enqueue(e *model.OutboxEntry) error {
	e.Status = "queued"
	if err := o.db.QueueOutbox(e); err != nil {
		return err
	}
	o.logger.Info("message queued offline",
		zap.String("local_id", e.LocalID),
		zap.String("conversation_id", e.ConversationID))
	return nil
}

// Pending returns the entries still awaiting dispatch, oldest first.
func (o *Outbox) Pending() ([]*model.OutboxEntry, error) {
	return o.db.PendingOutbox()
}

// Start watches the bus: a transport.connected event triggers a flush, and
// message.sent / message.failed events settle the corresponding entries.
func (o *Outbox) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	transportCh, unsubT := o.bus.Subscribe("transport.", 16)
	messageCh, unsubM := o.bus.Subscribe("message.", 64)

	go func() {
		defer close(o.done)
		defer unsubT()
		defer unsubM()
		for {
			select {
			case evt := <-transportCh:
				if evt.Kind == bus.KindTransportConnected {
					o.Flush()
				}
			case evt := <-messageCh:
				o.settle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the watcher.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

// Flush replays queued entries in order. The first dispatch error halts the
// pass; the failed entry returns to queued and the rest stay untouched, so
// ordering is preserved for the next attempt.
func (o *Outbox) Flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	entries, err := o.db.PendingOutbox()
	if err != nil {
		o.logger.Error("outbox read failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	o.logger.Info("flushing outbox", zap.Int("entries", len(entries)))

	for _, e := range entries {
		if err := o.db.MarkOutboxSending(e.LocalID); err != nil {
			o.logger.Error("outbox status update failed", zap.Error(err))
			return
		}
		if err := o.send(e); err != nil {
			o.logger.Warn("outbox flush halted",
				zap.String("local_id", e.LocalID),
				zap.Error(err))
			if reErr := o.db.MarkOutboxQueued(e.LocalID); reErr != nil {
				o.logger.Error("outbox requeue failed", zap.Error(reErr))
			}
			return
		}
	}
}

// settle removes entries whose message left the pending state. A sent
// message no longer needs replay; a failed one waits for an explicit retry
// through the lifecycle tracker instead of the outbox.
func (o *Outbox) settle(evt bus.Event) {
	tr, ok := evt.Payload.(lifecycle.Transition)
	if !ok {
		return
	}
	switch evt.Kind {
	case bus.KindMessageSent:
		if err := o.db.DeleteOutbox(tr.LocalID); err != nil {
			o.logger.Error("outbox delete failed", zap.String("local_id", tr.LocalID), zap.Error(err))
		}
	case bus.KindMessageFailed:
		if err := o.db.MarkOutboxFailed(tr.LocalID, tr.Reason); err != nil {
			o.logger.Error("outbox fail mark failed", zap.String("local_id", tr.LocalID), zap.Error(err))
		}
	}
}
