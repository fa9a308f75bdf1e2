package subscription

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/opsstream/internal/connection"
	"github.com/rickgao/opsstream/internal/model"
)

// Errors
var (
	ErrNoTopics    = errors.New("subscription needs at least one topic")
	ErrNilCallback = errors.New("subscription callback is nil")
)

// Sender is the outbound side of the connection as seen by the registry.
type Sender interface {
	IsConnected() bool
	Send(v any) error
}

// StateSource reports connection state transitions.
type StateSource interface {
	OnStateChange(fn func(connection.StateChange)) func()
}

// Registry stores active subscriptions.
type Registry struct {
	mu sync.RWMutex

	// sendMu orders control frames so an UNSUBSCRIBE is never followed by a
	// replayed SUBSCRIBE for the same ID.
	sendMu sync.Mutex

	sender Sender
	logger *slog.Logger

	// Active subscriptions by ID
	subs map[string]*Subscription

	// Index by topic for efficient dispatch
	topicIndex map[string][]*Subscription

	seq uint64
	now func() time.Time
}

// NewRegistry creates an empty registry. sender may be nil, in which case no
// control frames are emitted.
func NewRegistry(sender Sender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		sender:     sender,
		logger:     logger,
		subs:       make(map[string]*Subscription),
		topicIndex: make(map[string][]*Subscription),
		now:        time.Now,
	}
}

// Subscribe registers cb for topics and returns the new subscription ID. The
// SUBSCRIBE frame is sent only if the connection is up; delivery does not
// depend on it.
func (r *Registry) Subscribe(topics []string, cb Callback, filter *Filter) (string, error) {
	if cb == nil {
		return "", ErrNilCallback
	}
	topics = normalizeTopics(topics)
	if len(topics) == 0 {
		return "", ErrNoTopics
	}

	r.mu.Lock()
	r.seq++
	sub := &Subscription{
		ID:        uuid.NewString(),
		Topics:    topics,
		Filter:    filter.clone(),
		Callback:  cb,
		CreatedAt: r.now(),
		seq:       r.seq,
	}
	sub.active.Store(true)

	r.subs[sub.ID] = sub
	for _, t := range topics {
		r.topicIndex[t] = append(r.topicIndex[t], sub)
	}
	r.mu.Unlock()

	r.logger.Debug("subscribed", "id", sub.ID, "topics", topics)
	r.announce(sub, model.FrameSubscribe)

	return sub.ID, nil
}

// Unsubscribe removes the subscription. It returns false for an unknown ID. No
// dispatch that starts after Unsubscribe returns reaches the callback.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	sub.active.Store(false)
	delete(r.subs, id)
	for _, t := range sub.Topics {
		list := r.topicIndex[t]
		list = slices.DeleteFunc(list, func(s *Subscription) bool { return s == sub })
		if len(list) == 0 {
			delete(r.topicIndex, t)
		} else {
			r.topicIndex[t] = list
		}
	}
	r.mu.Unlock()

	r.logger.Debug("unsubscribed", "id", id)
	r.announce(sub, model.FrameUnsubscribe)

	return true
}

// ResubscribeAll re-announces every active subscription, one SUBSCRIBE frame
// each, in registration order. It returns the number of frames sent.
func (r *Registry) ResubscribeAll() int {
	if r.sender == nil || !r.sender.IsConnected() {
		return 0
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	sent := 0
	for _, sub := range r.snapshot() {
		if !sub.Active() {
			continue
		}
		if err := r.sender.Send(sub.frame(model.FrameSubscribe)); err != nil {
			r.logger.Warn("resubscribe failed", "id", sub.ID, "error", err)
			continue
		}
		sent++
	}

	r.logger.Info("resubscribed", "count", sent)
	return sent
}

// Attach replays the registry whenever src reports a transition to Connected.
// It returns a func that detaches the registry again.
func (r *Registry) Attach(src StateSource) func() {
	return src.OnStateChange(func(c connection.StateChange) {
		if c.To == connection.StateConnected {
			r.ResubscribeAll()
		}
	})
}

// Matching returns the active subscriptions that accept e, in registration order.
func (r *Registry) Matching(e model.Event) []*Subscription {
	routing := e.RoutingTopics()

	r.mu.RLock()
	seen := make(map[*Subscription]struct{})
	var out []*Subscription
	collect := func(list []*Subscription) {
		for _, sub := range list {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			if sub.Filter.Accepts(e) {
				out = append(out, sub)
			}
		}
	}
	for _, t := range routing {
		collect(r.topicIndex[t])
	}
	collect(r.topicIndex[model.TopicAll])
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Subscription) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Get returns a view of the subscription with the given ID.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return Info{}, false
	}
	return sub.info(), true
}

// Active returns a view of every active subscription in registration order.
func (r *Registry) Active() []Info {
	subs := r.snapshot()
	out := make([]Info, len(subs))
	for i, sub := range subs {
		out[i] = sub.info()
	}
	return out
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) snapshot() []*Subscription {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	slices.SortFunc(subs, func(a, b *Subscription) int { return cmp.Compare(a.seq, b.seq) })
	return subs
}

// announce sends a best-effort control frame for sub.
func (r *Registry) announce(sub *Subscription, kind string) {
	if r.sender == nil || !r.sender.IsConnected() {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if kind == model.FrameSubscribe && !sub.Active() {
		return
	}
	if err := r.sender.Send(sub.frame(kind)); err != nil {
		r.logger.Debug("control frame not sent", "type", kind, "id", sub.ID, "error", err)
	}
}
