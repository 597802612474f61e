package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/guildwork/chatsync/internal/bus"
	"github.com/guildwork/chatsync/internal/wire"
)

// ErrNotConnected is returned by Emit while no live connection exists.
// Callers are responsible for outbox buffering; the channel does not queue
// outbound events itself.
var ErrNotConnected = errors.New("transport: not connected")

// State is the channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const heartbeatInterval = 25 * time.Second

// Conn is the minimal websocket surface the channel needs, so tests can
// substitute a scripted in-memory connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Handler receives one decoded inbound payload. All handlers for all events
// run sequentially on the channel's single dispatch goroutine, in arrival
// order.
type Handler func(payload any)

// Options configures a Channel.
type Options struct {
	URL                string
	AuthToken          string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Dialer             Dialer // nil means gorilla/websocket
}

// Channel owns the persistent event connection: dialing, automatic
// reconnection with backoff, outbound event writes, and demultiplexing of
// inbound events to registered handlers.
type Channel struct {
	opts   Options
	dialer Dialer
	bus    *bus.Bus
	logger *zap.Logger
	recon  *reconnector

	mu         sync.Mutex
	conn       Conn
	state      State
	closing    bool
	loopCancel context.CancelFunc

	writeMu sync.Mutex

	handlerMu      sync.RWMutex
	handlers       map[string][]Handler
	onConnected    []func()
	onDisconnected []func()
}

// NewChannel creates a channel in the disconnected state.
func NewChannel(opts Options, b *bus.Bus, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	base := opts.ReconnectBaseDelay
	if base == 0 {
		base = time.Second
	}
	maxDelay := opts.ReconnectMaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}
	return &Channel{
		opts:     opts,
		dialer:   dialer,
		bus:      b,
		logger:   logger,
		recon:    newReconnector(base, maxDelay),
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a named inbound event.
func (c *Channel) On(name string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[name] = append(c.handlers[name], h)
	c.handlerMu.Unlock()
}

// OnConnected registers a handler invoked after every successful connect,
// including automatic reconnects.
func (c *Channel) OnConnected(h func()) {
	c.handlerMu.Lock()
	c.onConnected = append(c.onConnected, h)
	c.handlerMu.Unlock()
}

// OnDisconnected registers a handler invoked after every connection loss.
func (c *Channel) OnDisconnected(h func()) {
	c.handlerMu.Lock()
	c.onDisconnected = append(c.onDisconnected, h)
	c.handlerMu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. Calling while already connected,
// connecting, or while the internal reconnect loop is dialing is a no-op;
// only one connection may exist at a time. The initial dial reports failure
// to the caller; once a connection has been established, later drops
// reconnect automatically with backoff.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.opts.URL, c.authHeader())
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial channel: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.loopCancel = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.logger.Info("channel connected", zap.String("url", c.opts.URL))
	c.announceConnected()

	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx)
	return nil
}

// Disconnect tears down the connection. Always safe to call, in any state;
// no automatic reconnect follows an explicit disconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	cancel := c.loopCancel
	c.loopCancel = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		c.logger.Info("channel disconnected")
		c.announceDisconnected()
	}
	c.recon.reset()
}

// Emit marshals and writes a named outbound event. Returns ErrNotConnected
// while no live connection exists.
func (c *Channel) Emit(name string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	frame, err := json.Marshal(wire.Envelope{Type: name, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", name, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(frame); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (c *Channel) authHeader() http.Header {
	h := http.Header{}
	if c.opts.AuthToken != "" {
		h.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}
	return h
}

// readLoop is the single dispatch sequence: every inbound event is decoded
// and handed to handlers from this goroutine only.
func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel read failed", zap.Error(err))
			c.handleConnectionLost(ctx, conn)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}

	payload, err := wire.DecodeInbound(env.Type, env.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed event", zap.String("event", env.Type), zap.Error(err))
		return
	}
	if payload == nil {
		if env.Type != "pong" {
			c.logger.Debug("ignoring unknown event", zap.String("event", env.Type))
		}
		return
	}

	c.handlerMu.RLock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Emit("ping", struct{}{}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) handleConnectionLost(ctx context.Context, conn Conn) {
	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	c.mu.Unlock()
	_ = conn.Close()

	c.announceDisconnected()
	c.reconnectLoop(ctx)
}

// reconnectLoop retries the dial with backoff until it succeeds or the
// channel is explicitly disconnected. Dependents never manage retry timing.
func (c *Channel) reconnectLoop(ctx context.Context) {
	for {
		delay := c.recon.nextDelay()
		c.logger.Info("reconnecting", zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dialer.Dial(ctx, c.opts.URL, c.authHeader())
		if err != nil {
			c.logger.Warn("reconnect dial failed", zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		c.recon.markConnected()

		c.logger.Info("channel reconnected")
		c.announceConnected()

		go c.readLoop(ctx, conn)
		go c.heartbeatLoop(ctx)
		return
	}
}

func (c *Channel) announceConnected() {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})
	}
	c.handlerMu.RLock()
	handlers := append([]func(){}, c.onConnected...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Channel) announceDisconnected() {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})
	}
	c.handlerMu.RLock()
	handlers := append([]func(){}, c.onDisconnected...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// gorillaDialer is the production Dialer.
type gorillaDialer struct{}

type gorillaConn struct {
	ws *websocket.Conn
}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, err
	}
	return &gorillaConn{ws: ws}, nil
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.ws.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	return g.ws.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	return g.ws.Close()
}
