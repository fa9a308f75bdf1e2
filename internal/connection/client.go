package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds the close handshake and pong replies.
const closeGrace = time.Second

// Client is one physical websocket to the backend. A Client is used for a
// single connection; the Manager builds a new one per attempt.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages yields inbound frames stamped with their local receive time.
	Messages() <-chan TimestampedMessage

	// Errors yields at most one error, when the transport dies on its own.
	Errors() <-chan error

	IsConnected() bool
}

// ClientFactory builds a fresh Client for each connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPongAt time.Time
}

// NewClient returns a gorilla/websocket Client for cfg.URL.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}

	return &client{
		cfg:      cfg,
		logger:   logger.With("url", cfg.URL),
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Connect dials the backend and starts the read and keepalive goroutines.
func (c *client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrAlreadyClosed
	}

	header := http.Header{"Accept": []string{"application/json"}}
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	// Pings from the server prove liveness just like our own pongs.
	conn.SetPingHandler(func(appData string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(closeGrace))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.keepaliveLoop()
	}

	c.logger.Debug("websocket open")
	return nil
}

// Close sends a normal close frame and releases the socket. Calling it more
// than once is harmless.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn == nil {
		return nil
	}

	goodbye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, goodbye, time.Now().Add(closeGrace))
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes data as a text frame under the configured write deadline.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	conn, up := c.conn, c.connected
	c.mu.RUnlock()
	if !up {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(c.writeDeadline()); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage { return c.messages }

func (c *client) Errors() <-chan error { return c.errors }

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) writeDeadline() time.Time {
	if c.cfg.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.cfg.WriteTimeout)
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

// fail marks the client down and reports err unless Close already ran or an
// error was reported before.
func (c *client) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	select {
	case c.errors <- err:
	default:
	}
}

// readLoop forwards inbound frames until the socket fails or is closed. Frames
// that find Messages full are dropped.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.done:
			return
		default:
			c.logger.Warn("inbound buffer full, frame dropped", "size", len(data))
		}
	}
}

// keepaliveLoop sends protocol pings and fails the client when no pong has
// arrived within PingTimeout.
func (c *client) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), c.writeDeadline())
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("ping not sent", "error", err)
		}

		c.mu.RLock()
		lastPong := c.lastPongAt
		c.mu.RUnlock()

		if c.cfg.PingTimeout > 0 && time.Since(lastPong) > c.cfg.PingTimeout {
			c.logger.Warn("peer silent, closing as stale",
				"last_pong", lastPong,
				"timeout", c.cfg.PingTimeout,
			)
			c.fail(ErrStaleConnection)
			return
		}
	}
}
