// Package channel maintains the duplex websocket session between the
// candidate's session controller and the interview server.
//
// The channel is opened once per session and explicitly closed on teardown.
// When the connection drops mid-session, a background monitor reconnects
// with exponential backoff while outbound messages accumulate in a bounded
// queue; on reconnect the queue is flushed in order. Inbound bytes that do
// not parse as a known message are surfaced as system messages rather than
// being dropped silently.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/interviewflow/interviewflow/internal/observe"
	"github.com/interviewflow/interviewflow/pkg/types"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultQueueSize  = 32

	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel: closed")

// Config configures a session [Channel].
type Config struct {
	// Endpoint is the server base URL, e.g. "wss://interview.example.com"
	// or "https://interview.example.com" (http schemes are converted).
	Endpoint string

	// Params identify the session; they become the URL path and query.
	Params types.SessionParams

	// OnMessage receives every parsed inbound message. Malformed frames
	// arrive as system messages carrying the raw payload. Required.
	OnMessage func(types.Message)

	// OnStateChange is invoked with false when the connection drops and
	// true when it is re-established. May be nil.
	OnStateChange func(connected bool)

	// QueueSize bounds the outbound queue held while disconnected. When
	// full, the oldest message is evicted. Defaults to 32 if zero.
	QueueSize int

	// MaxRetries is the maximum number of reconnection attempts per drop
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles
	// each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration

	// Metrics records message and reconnect counters. May be nil.
	Metrics *observe.Metrics
}

// Channel is a reconnecting session websocket. All methods are safe for
// concurrent use.
type Channel struct {
	cfg Config
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	queue     []types.Message

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// SessionURL builds the websocket URL for the given endpoint and session
// params. http/https schemes are rewritten to ws/wss.
func SessionURL(endpoint string, p types.SessionParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("channel: parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel: unsupported endpoint scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/interview/" + url.PathEscape(p.SessionID)

	q := u.Query()
	q.Set("type", string(p.InterviewType))
	q.Set("difficulty", p.Difficulty)
	q.Set("topic", p.Topic)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Dial opens the session channel and starts the reconnect monitor. The
// caller must Close the channel on session teardown.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.OnMessage == nil {
		return nil, errors.New("channel: OnMessage must not be nil")
	}
	wsURL, err := SessionURL(cfg.Endpoint, cfg.Params)
	if err != nil {
		return nil, err
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	c := &Channel{
		cfg:          cfg,
		url:          wsURL,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %q: %w", wsURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.monitorLoop(ctx)

	return c, nil
}

// Connected reports whether the channel currently has a live connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Queued returns the number of outbound messages waiting for reconnection.
func (c *Channel) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Send delivers msg to the server. While disconnected, the message is
// queued (bounded; oldest evicted when full) and flushed in order once the
// connection is re-established. Send only fails after Close.
func (c *Channel) Send(msg types.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	if !c.connected {
		c.enqueueLocked(msg)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := writeMessage(conn, msg); err != nil {
		slog.Warn("channel write failed; queueing message", "type", msg.Type, "error", err)
		c.mu.Lock()
		c.enqueueLocked(msg)
		c.mu.Unlock()
		c.dropConnection(conn)
		return nil
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordMessage(context.Background(), string(msg.Type), "outbound")
	}
	return nil
}

// Close tears the channel down. Safe to call multiple times.
func (c *Channel) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

// enqueueLocked appends msg to the outbound queue, evicting the oldest
// entry when the bound is reached. Caller holds mu.
func (c *Channel) enqueueLocked(msg types.Message) {
	if len(c.queue) >= c.cfg.QueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		slog.Warn("outbound queue full; dropping oldest message", "type", dropped.Type)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.DroppedMessages.Add(context.Background(), 1)
		}
	}
	c.queue = append(c.queue, msg)
}

// writeMessage marshals and writes one message with a bounded deadline.
func writeMessage(conn *websocket.Conn, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel: marshal %s: %w", msg.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop consumes inbound frames from one connection until it fails.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.dropConnection(conn)
			return
		}

		msg := parseInbound(data)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordMessage(context.Background(), string(msg.Type), "inbound")
		}
		c.cfg.OnMessage(msg)
	}
}

// parseInbound decodes a frame, degrading malformed or unknown payloads to
// a displayable system message.
func parseInbound(data []byte) types.Message {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		return types.Message{Type: types.MessageSystem, Text: string(data)}
	}
	return msg
}

// dropConnection transitions to disconnected if conn is still the active
// connection, and wakes the reconnect monitor.
func (c *Channel) dropConnection(conn *websocket.Conn) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "connection lost")

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(false)
	}

	select {
	case c.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (c *Channel) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.disconnected:
			c.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to re-establish the session with exponential
// backoff, flushing the outbound queue on success.
func (c *Channel) attemptReconnect(ctx context.Context) {
	currentBackoff := c.cfg.Backoff

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		slog.Info("attempting session reconnect",
			"session_id", c.cfg.Params.SessionID,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"backoff", currentBackoff,
		)

		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err == nil {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordReconnect(ctx, "ok")
			}
			c.resume(conn)
			slog.Info("session reconnected",
				"session_id", c.cfg.Params.SessionID,
				"attempt", attempt,
			)
			return
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordReconnect(ctx, "fail")
		}
		slog.Warn("session reconnect attempt failed",
			"session_id", c.cfg.Params.SessionID,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > c.cfg.MaxBackoff {
			currentBackoff = c.cfg.MaxBackoff
		}
	}

	slog.Error("session reconnect failed after max retries",
		"session_id", c.cfg.Params.SessionID,
		"max_retries", c.cfg.MaxRetries,
	)
}

// resume installs a fresh connection and flushes the outbound queue in
// order. Messages that fail mid-flush are re-queued and another reconnect
// cycle begins.
func (c *Channel) resume(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(true)
	}

	for i, msg := range pending {
		if err := writeMessage(conn, msg); err != nil {
			slog.Warn("flush failed; re-queueing remainder", "remaining", len(pending)-i, "error", err)
			c.mu.Lock()
			c.queue = append(append([]types.Message(nil), pending[i:]...), c.queue...)
			c.mu.Unlock()
			c.dropConnection(conn)
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordMessage(context.Background(), string(msg.Type), "outbound")
		}
	}
}
