package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/pineai/internal/types"
)

const socketPath = "/api/v2/socket"

// Options configures a Channel. Token and UserID are functions so a
// credential refresh written while the client is running is picked up by the
// next (re)connect.
type Options struct {
	BaseURL        string
	Token          func() string
	UserID         func() string
	DeviceID       types.DeviceID
	ReadyTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	Retry          *RetryPolicy
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ReadyTimeout == 0 {
		out.ReadyTimeout = 15 * time.Second
	}
	if out.PingInterval == 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.PongTimeout == 0 {
		out.PongTimeout = 60 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.Retry == nil {
		out.Retry = DefaultRetryPolicy()
	}
	return out
}

type waiter struct {
	eventType string
	sessionID types.SessionID
	requestID types.RequestID
	ch        chan *Envelope
}

// Channel owns one physical bidirectional connection to the service. It
// emits classified raw events, detects disconnects, and reconnects with
// backoff. Delivery is in-order within one connection lifetime; the
// connection generation on each RawEvent lets consumers detect the
// reconnect boundary.
type Channel struct {
	opts Options

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (frames and pings)
	conn    *websocket.Conn
	connGen int64
	seq     int64
	closing bool

	waiterMu sync.Mutex
	waiters  []*waiter

	onRaw        func(types.RawEvent)
	onDisconnect func(error)
	onReconnect  func(conn int64)
	onFailure    func(error)
}

// NewChannel creates a disconnected Channel.
func NewChannel(opts Options) *Channel {
	return &Channel{opts: opts.withDefaults()}
}

// OnRawEvent sets the handler invoked for every classified S2C event.
// Must be set before Connect.
func (c *Channel) OnRawEvent(fn func(types.RawEvent)) { c.onRaw = fn }

// OnDisconnect sets the handler invoked when the connection drops before
// reconnection is attempted.
func (c *Channel) OnDisconnect(fn func(error)) { c.onDisconnect = fn }

// OnReconnect sets the handler invoked after a successful reconnect, with
// the new connection generation.
func (c *Channel) OnReconnect(fn func(conn int64)) { c.onReconnect = fn }

// OnFailure sets the handler invoked when the reconnect policy is exhausted.
func (c *Channel) OnFailure(fn func(error)) { c.onFailure = fn }

// Connected reports whether a live connection is held.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnGen returns the current connection generation. It increments on every
// successful (re)connect.
func (c *Channel) ConnGen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connGen
}

func (c *Channel) wsURL() (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + socketPath
	return u.String(), nil
}

// Connect dials the service, waits for the ready handshake, and starts the
// read and ping loops.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.adopt(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token := c.opts.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, &types.TransportError{Op: "dial", Err: err}
	}

	// Wait for the ready frame before exposing the connection.
	conn.SetReadDeadline(time.Now().Add(c.opts.ReadyTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, &types.TransportError{Op: "ready", Err: err}
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			continue
		}
		if env.Type == EventReady {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// adopt installs a freshly dialed connection and starts its goroutines.
func (c *Channel) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connGen++
	c.seq = 0
	gen := c.connGen
	c.mu.Unlock()

	go c.readPump(conn, gen)
	go c.pingLoop(conn)
}

// Disconnect closes the connection without triggering reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) readPump(conn *websocket.Conn, gen int64) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			if closing {
				return
			}
			go c.reconnect(err)
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			slog.Debug("dropping malformed frame", "error", err)
			continue
		}
		if env.Type == EventReady {
			continue
		}

		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()

		if c.deliverToWaiter(env) {
			continue
		}
		if c.onRaw != nil {
			c.onRaw(Classify(env, gen, seq))
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// reconnect runs the retry policy after an unexpected drop. All pending
// request waiters are failed immediately; stream-level state is suspended by
// the disconnect handler and resumed by the reconnect handler.
func (c *Channel) reconnect(cause error) {
	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
	c.failWaiters(&types.TransportError{Op: "read", Err: cause})

	policy := c.opts.Retry
	var lastErr error = cause
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		time.Sleep(policy.NextDelay(attempt))

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReadyTimeout+10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.adopt(conn)
			slog.Info("transport reconnected", "attempt", attempt)
			if c.onReconnect != nil {
				c.onReconnect(c.ConnGen())
			}
			return
		}
		lastErr = err
		slog.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		if !policy.ShouldRetry(err, attempt) {
			break
		}
	}
	if c.onFailure != nil {
		c.onFailure(&types.TransportError{Op: "reconnect", Err: lastErr})
	}
}

// Send emits a fire-and-forget C2S envelope.
func (c *Channel) Send(eventType string, data any, sessionID types.SessionID, messageID types.MessageID) error {
	env, err := BuildEnvelope(eventType, data, c.opts.UserID(), c.opts.DeviceID, sessionID, messageID, "")
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Channel) write(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return &types.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Request emits an envelope and waits for the service's response of the same
// event type, matched by request id or by session with a non-user source.
func (c *Channel) Request(ctx context.Context, eventType string, data any, sessionID types.SessionID) (json.RawMessage, error) {
	requestID := types.NewRequestID()
	env, err := BuildEnvelope(eventType, data, c.opts.UserID(), c.opts.DeviceID, sessionID, "", requestID)
	if err != nil {
		return nil, err
	}

	w := &waiter{
		eventType: eventType,
		sessionID: sessionID,
		requestID: requestID,
		ch:        make(chan *Envelope, 1),
	}
	c.addWaiter(w)
	defer c.removeWaiter(w)

	if err := c.write(env); err != nil {
		return nil, err
	}

	timeout := c.opts.RequestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-w.ch:
		if resp == nil {
			return nil, types.ErrNotConnected
		}
		return resp.Payload.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response", eventType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) addWaiter(w *waiter) {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	c.waiters = append(c.waiters, w)
}

func (c *Channel) removeWaiter(w *waiter) {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Channel) deliverToWaiter(env *Envelope) bool {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	for i, w := range c.waiters {
		if w.eventType != env.Type {
			continue
		}
		byRequest := env.Metadata.RequestID != "" && env.Metadata.RequestID == w.requestID
		bySession := w.sessionID != "" && env.Payload.SessionID == w.sessionID && env.Metadata.Source.Role != "user"
		if byRequest || bySession {
			w.ch <- env
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) failWaiters(err error) {
	c.waiterMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.waiterMu.Unlock()
	if len(waiters) > 0 {
		slog.Debug("failing pending requests", "count", len(waiters), "error", err)
	}
	for _, w := range waiters {
		select {
		case w.ch <- nil:
		default:
		}
	}
}
