// Package notify holds the session's user-facing notifications and fans each
// new one out to listeners.
package notify

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/model"
)

// Listener is called synchronously for each created notification.
type Listener func(model.Notification)

// Option configures a Center.
type Option func(*Center)

// WithMetrics counts notifications by level.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Center) { c.metrics = m }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Center) { c.now = now }
}

// Center is an in-memory notification list for one session.
type Center struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	items []model.Notification

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64
}

// NewCenter creates an empty Center.
func NewCenter(logger *slog.Logger, opts ...Option) *Center {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Center{
		logger:    logger,
		now:       time.Now,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create completes n with an ID, timestamp and default level, stores it and
// notifies every listener before returning it.
func (c *Center) Create(n model.Notification) model.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now().UTC()
	}
	if n.Level == "" {
		n.Level = model.LevelInfo
	}

	c.mu.Lock()
	c.items = append(c.items, n)
	c.mu.Unlock()

	c.metrics.NotificationCreated(string(n.Level))
	c.logger.Debug("notification created",
		"id", n.ID,
		"level", n.Level,
		"category", n.Category,
	)

	for _, fn := range c.snapshotListeners() {
		c.deliver(fn, n)
	}
	return n
}

// OnNotification registers fn and returns a func that removes it.
func (c *Center) OnNotification(fn Listener) func() {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

// List returns the stored notifications, oldest first.
func (c *Center) List() []model.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Dismiss removes the notification with the given ID.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.items, func(n model.Notification) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

// Clear drops every stored notification.
func (c *Center) Clear() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

// Len returns the number of stored notifications.
func (c *Center) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Center) snapshotListeners() []Listener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = c.listeners[id]
	}
	return out
}

func (c *Center) deliver(fn Listener, n model.Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("notification listener panicked",
				"id", n.ID,
				"panic", r,
			)
		}
	}()
	fn(n)
}
