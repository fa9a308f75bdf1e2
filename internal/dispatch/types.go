package dispatch

import (
	"fmt"

	"github.com/rickgao/opsstream/internal/model"
	"github.com/rickgao/opsstream/internal/subscription"
)

// Config holds configuration for the Dispatcher.
type Config struct {
	// Notifications enables classification into the notification center.
	Notifications bool

	// Rules decide which events become notifications. Nil means DefaultRules().
	Rules []Rule
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Notifications: true,
		Rules:         DefaultRules(),
	}
}

// Matcher finds the subscriptions an event should reach.
type Matcher interface {
	Matching(e model.Event) []*subscription.Subscription
}

// Notifier receives synthesized notifications.
type Notifier interface {
	Create(n model.Notification) model.Notification
}

// Result summarizes one dispatched event.
type Result struct {
	Matched   int
	Delivered int
	Failed    int
	Notified  bool
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	EventsDispatched int64
	Deliveries       int64
	CallbackErrors   int64
	ParseErrors      int64
	ControlFrames    int64
	UnknownTypes     int64
	Notifications    int64
}

// CallbackError reports a subscriber callback that panicked.
type CallbackError struct {
	SubscriptionID string
	EventType      string
	Value          any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("subscription %s: callback panicked on %s event: %v", e.SubscriptionID, e.EventType, e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *CallbackError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
