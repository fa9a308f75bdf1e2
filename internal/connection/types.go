package connection

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrManagerClosed   = errors.New("connection manager closed")
)

// State is the lifecycle state of the managed connection.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange describes one transition. Attempt and Delay are set when a
// reconnect has been scheduled; Err carries the transport error that caused a
// loss, if any.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a message from the Connection Manager to the Dispatcher.
type RawMessage struct {
	Data       []byte
	ConnID     uint64 // connection instance; ordering holds only within one ID
	ReceivedAt time.Time
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // e.g. wss://ops.example.com/ws
	Header           http.Header   // extra handshake headers
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // Protocol-level ping interval
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      75 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client ClientConfig

	HeartbeatInterval    time.Duration // Application PING interval
	DialTimeout          time.Duration // Timeout for reconnect dials
	MaxReconnectAttempts int           // Attempts before giving up until a manual Connect
	Backoff              BackoffConfig
	MessageBufferSize    int // Buffer size for the output message channel
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:               DefaultClientConfig(),
		HeartbeatInterval:    30 * time.Second,
		DialTimeout:          15 * time.Second,
		MaxReconnectAttempts: 5,
		Backoff:              DefaultBackoffConfig(),
		MessageBufferSize:    1024,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State    State
	Attempts int
	Received int64
	Sent     int64
	Dropped  int64
}
