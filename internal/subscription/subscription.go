package subscription

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/rickgao/opsstream/internal/model"
)

// Callback receives each matched event. The event is a copy owned by the callee.
type Callback func(model.Event)

// Filter narrows a subscription. Empty sets accept everything; all non-empty
// sets must accept the event.
type Filter struct {
	Types      []model.EventType
	Severities []model.Severity
	Sources    []string
}

// Accepts reports whether every present predicate accepts e. A nil filter
// accepts all events.
func (f *Filter) Accepts(e model.Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) &&
		!slices.Contains(f.Types, model.EventType(e.RawType)) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, e.Severity) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, e.Source) {
		return false
	}
	return true
}

// spec converts the filter to its wire form.
func (f *Filter) spec() *model.FilterSpec {
	if f == nil || (len(f.Types) == 0 && len(f.Severities) == 0 && len(f.Sources) == 0) {
		return nil
	}
	s := &model.FilterSpec{Sources: slices.Clone(f.Sources)}
	for _, t := range f.Types {
		s.Types = append(s.Types, string(t))
	}
	for _, sev := range f.Severities {
		s.Severities = append(s.Severities, string(sev))
	}
	return s
}

func (f *Filter) clone() *Filter {
	if f == nil {
		return nil
	}
	return &Filter{
		Types:      slices.Clone(f.Types),
		Severities: slices.Clone(f.Severities),
		Sources:    slices.Clone(f.Sources),
	}
}

// Subscription is one registered interest.
type Subscription struct {
	ID        string
	Topics    []string // sorted, unique
	Filter    *Filter
	Callback  Callback
	CreatedAt time.Time

	seq    uint64
	active atomic.Bool
}

// Active reports whether the subscription is still registered. It turns false
// before Unsubscribe returns.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Matches reports whether e should be delivered to s.
func (s *Subscription) Matches(e model.Event) bool {
	if !s.Active() {
		return false
	}
	return s.matchesTopics(e.RoutingTopics()) && s.Filter.Accepts(e)
}

func (s *Subscription) matchesTopics(routing []string) bool {
	for _, t := range s.Topics {
		if t == model.TopicAll || slices.Contains(routing, t) {
			return true
		}
	}
	return false
}

func (s *Subscription) frame(kind string) model.ControlFrame {
	return model.ControlFrame{
		Type:           kind,
		Topics:         s.Topics,
		Filters:        s.Filter.spec(),
		SubscriptionID: s.ID,
	}
}

// Info is a read-only view of a subscription.
type Info struct {
	ID        string
	Topics    []string
	Filter    *Filter
	CreatedAt time.Time
}

func (s *Subscription) info() Info {
	return Info{
		ID:        s.ID,
		Topics:    slices.Clone(s.Topics),
		Filter:    s.Filter.clone(),
		CreatedAt: s.CreatedAt,
	}
}

// normalizeTopics trims duplicates and empty names and sorts the rest.
func normalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
