package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/model"
)

// Manager owns the single physical connection and its reconnect state machine.
type Manager interface {
	// Connect opens the transport. It is a no-op while Connected or Connecting.
	// Transport failures are not returned; they drive reconnection and are
	// reported to state listeners.
	Connect(ctx context.Context) error

	// Disconnect closes the transport on request. No reconnect follows.
	Disconnect()

	// Send encodes v as JSON (raw []byte is sent as is) and writes it only
	// while Connected. Otherwise the frame is dropped and ErrNotConnected returned.
	Send(v any) error

	// State returns the current connection state.
	State() State

	// IsConnected reports whether State() == StateConnected.
	IsConnected() bool

	// OnStateChange registers fn for every transition and returns a func
	// that removes it.
	OnStateChange(fn func(StateChange)) func()

	// Messages returns channel of raw messages for the Dispatcher.
	Messages() <-chan RawMessage

	// Stats returns current connection statistics.
	Stats() Stats

	// Close tears the manager down for good and closes Messages.
	Close() error
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. The default is time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithClientFactory replaces the gorilla/websocket client, mostly for tests.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) { m.newClient = f }
}

// WithAfterFunc replaces the reconnect timer source.
func WithAfterFunc(f AfterFunc) ManagerOption {
	return func(m *manager) { m.afterFunc = f }
}

// WithMetrics reports state and frame counters to mx.
func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *manager) { m.metrics = mx }
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newClient ClientFactory
	afterFunc AfterFunc

	// Output to Dispatcher
	messages chan RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	client      Client
	attempts    int
	manualClose bool
	closed      bool
	gen         uint64 // bumped whenever pending work must be abandoned
	connID      uint64
	connStop    chan struct{}
	timer       Timer

	// State changes waiting for delivery, queued under mu.
	pending  []StateChange
	emitting bool

	listenersMu sync.RWMutex
	listeners   map[uint64]func(StateChange)
	nextID      uint64

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

// NewManager creates a new Connection Manager in the Disconnected state.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBufferSize < 1 {
		cfg.MessageBufferSize = DefaultManagerConfig().MessageBufferSize
	}

	m := &manager{
		cfg:       cfg,
		logger:    logger,
		newClient: NewClient,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		messages:  make(chan RawMessage, cfg.MessageBufferSize),
		listeners: make(map[uint64]func(StateChange)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.metrics.SetConnectionState(StateDisconnected.String())

	return m
}

// Connect opens the transport.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}

	// A manual connect supersedes any pending reconnect and starts a fresh budget.
	m.manualClose = false
	m.attempts = 0
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.emit()
	m.open(ctx, gen)
	return nil
}

// open dials a fresh client and moves to Connected or into loss handling.
func (m *manager) open(ctx context.Context, gen uint64) {
	dialCtx := ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	client := m.newClient(m.cfg.Client, m.logger)
	err := client.Connect(dialCtx)

	m.mu.Lock()
	if m.closed || m.gen != gen {
		// Disconnect or Close ran while dialing.
		m.mu.Unlock()
		_ = client.Close()
		return
	}

	if err != nil {
		m.handleLossLocked(err)
		m.mu.Unlock()
		_ = client.Close()
		m.logger.Warn("connect failed", "url", m.cfg.Client.URL, "error", err)
		m.emit()
		return
	}

	m.client = client
	m.attempts = 0
	m.connID++
	stop := make(chan struct{})
	m.connStop = stop
	m.wg.Add(2)
	go m.pump(gen, m.connID, client, stop)
	go m.heartbeat(stop)
	m.setStateLocked(StateConnected, nil)
	connID := m.connID
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.cfg.Client.URL, "conn_id", connID)
	m.emit()
}

// handleLossLocked schedules a reconnect or gives up. Caller holds m.mu.
func (m *manager) handleLossLocked(err error) *StateChange {
	if m.manualClose || m.closed {
		return nil
	}

	limit := m.cfg.MaxReconnectAttempts
	if m.attempts >= limit {
		m.logger.Warn("reconnect attempts exhausted",
			"attempts", m.attempts,
			"max", limit,
		)
		return m.setStateLocked(StateDisconnected, &StateChange{Attempt: m.attempts, Err: err})
	}

	delay := ReconnectDelay(m.cfg.Backoff, m.attempts)
	m.attempts++
	m.gen++
	gen := m.gen
	m.timer = m.afterFunc(delay, func() { m.reconnect(gen) })
	m.metrics.IncReconnects()

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max", limit,
		"delay", delay,
	)

	return m.setStateLocked(StateReconnecting, &StateChange{
		Attempt: m.attempts,
		Delay:   delay,
		Err:     err,
	})
}

// reconnect runs when the backoff timer for gen fires.
func (m *manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.closed || m.manualClose || m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.setStateLocked(StateConnecting, &StateChange{Attempt: m.attempts})
	m.mu.Unlock()

	m.emit()
	m.open(m.ctx, gen)
}

// connectionLost handles an unexpected close of the client opened under gen.
func (m *manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	client := m.releaseConnLocked()
	m.handleLossLocked(err)
	m.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	m.logger.Warn("connection lost", "error", err)
	m.emit()
}

// pump forwards frames from one client to the Dispatcher.
func (m *manager) pump(gen, connID uint64, client Client, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return

		case err := <-client.Errors():
			m.connectionLost(gen, err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			m.received.Add(1)
			m.metrics.FrameReceived()

			raw := RawMessage{
				Data:       msg.Data,
				ConnID:     connID,
				ReceivedAt: msg.ReceivedAt,
			}

			select {
			case m.messages <- raw:
			case <-stop:
				return
			default:
				m.dropped.Add(1)
				m.metrics.FrameDropped("buffer_full")
				m.logger.Warn("message buffer full, dropping", "conn_id", connID)
			}
		}
	}
}

// heartbeat sends application PING frames while the connection is up.
func (m *manager) heartbeat(stop <-chan struct{}) {
	defer m.wg.Done()

	if m.cfg.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if err := m.Send(model.NewPingFrame(now)); err != nil {
				m.logger.Debug("heartbeat not sent", "error", err)
			}
		}
	}
}

// Disconnect closes the transport and suppresses reconnection.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.gen++
	m.stopTimerLocked()
	client := m.releaseConnLocked()
	change := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Debug("close client", "error", err)
		}
	}
	if change != nil {
		m.logger.Info("disconnected")
	}
	m.emit()
}

// Send writes v to the connection if it is up.
func (m *manager) Send(v any) error {
	var data []byte
	switch x := v.(type) {
	case []byte:
		data = x
	case json.RawMessage:
		data = x
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
	}

	m.mu.Lock()
	client := m.client
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || client == nil {
		m.dropped.Add(1)
		m.metrics.FrameDropped("not_connected")
		m.logger.Warn("not connected, dropping outbound frame", "state", state)
		return ErrNotConnected
	}

	if err := client.Send(data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	m.sent.Add(1)
	m.metrics.FrameSent()
	return nil
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is up.
func (m *manager) IsConnected() bool {
	return m.State() == StateConnected
}

// OnStateChange registers a transition listener.
func (m *manager) OnStateChange(fn func(StateChange)) func() {
	m.listenersMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// Messages returns the output channel.
func (m *manager) Messages() <-chan RawMessage {
	return m.messages
}

// Stats returns current statistics.
func (m *manager) Stats() Stats {
	m.mu.Lock()
	state, attempts := m.state, m.attempts
	m.mu.Unlock()

	return Stats{
		State:    state,
		Attempts: attempts,
		Received: m.received.Load(),
		Sent:     m.sent.Load(),
		Dropped:  m.dropped.Load(),
	}
}

// Close disconnects, waits for goroutines and closes Messages.
func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	m.cancel()
	m.wg.Wait()
	close(m.messages)

	return nil
}

// setStateLocked moves to state, queues the change for listeners and returns
// it, or nil if nothing changed. Caller holds m.mu.
func (m *manager) setStateLocked(state State, change *StateChange) *StateChange {
	if m.state == state {
		return nil
	}
	if change == nil {
		change = &StateChange{}
	}
	change.From = m.state
	change.To = state
	m.state = state
	m.metrics.SetConnectionState(state.String())
	m.pending = append(m.pending, *change)
	return change
}

// releaseConnLocked stops the pumps of the current client and hands it back
// for closing outside the lock.
func (m *manager) releaseConnLocked() Client {
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	client := m.client
	m.client = nil
	return client
}

func (m *manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// emit delivers queued changes in the order they happened. Only one goroutine
// delivers at a time; a caller that finds delivery in progress leaves its
// changes to that goroutine, which keeps listeners free to call back into the
// manager.
func (m *manager) emit() {
	m.mu.Lock()
	if m.emitting {
		m.mu.Unlock()
		return
	}
	m.emitting = true
	for len(m.pending) > 0 {
		change := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.deliver(change)
		m.mu.Lock()
	}
	m.pending = nil
	m.emitting = false
	m.mu.Unlock()
}

// deliver calls listeners in registration order. A panicking listener is
// logged and skipped.
func (m *manager) deliver(change StateChange) {
	m.listenersMu.RLock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenersMu.RUnlock()

	for _, fn := range fns {
		m.callListener(fn, change)
	}
}

func (m *manager) callListener(fn func(StateChange), change StateChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("state listener panicked", "panic", r)
		}
	}()
	fn(change)
}
