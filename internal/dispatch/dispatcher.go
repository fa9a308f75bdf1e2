package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/opsstream/internal/connection"
	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/model"
	"github.com/rickgao/opsstream/internal/subscription"
)

// Dispatcher parses raw frames and delivers the resulting events.
type Dispatcher interface {
	// Start begins consuming the input channel.
	Start(ctx context.Context) error

	// Stop waits for the consume loop to finish or ctx to expire.
	Stop(ctx context.Context) error

	// Dispatch delivers one event to every matching subscription and runs
	// classification. It is safe to call without Start. Callbacks must not
	// call Dispatch themselves.
	Dispatch(e model.Event) Result

	// Stats returns current dispatcher statistics.
	Stats() Stats
}

// Option configures a Dispatcher.
type Option func(*dispatcher)

// WithMetrics reports delivery counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *dispatcher) { d.metrics = m }
}

// WithErrorHandler is called for every callback panic, after it is logged.
func WithErrorHandler(fn func(*CallbackError)) Option {
	return func(d *dispatcher) { d.onError = fn }
}

// dispatcher is the internal implementation.
type dispatcher struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	matcher  Matcher
	notifier Notifier
	onError  func(*CallbackError)

	// Input from Connection Manager
	input <-chan connection.RawMessage

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Serializes delivery so events reach callbacks in arrival order.
	deliverMu sync.Mutex

	received      atomic.Int64
	dispatched    atomic.Int64
	deliveries    atomic.Int64
	callbackErrs  atomic.Int64
	parseErrors   atomic.Int64
	controlFrames atomic.Int64
	unknownTypes  atomic.Int64
	notifications atomic.Int64
}

// NewDispatcher creates a Dispatcher reading from input. notifier may be nil.
func NewDispatcher(cfg Config, input <-chan connection.RawMessage, matcher Matcher, notifier Notifier, logger *slog.Logger, opts ...Option) Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}

	d := &dispatcher{
		cfg:      cfg,
		logger:   logger,
		matcher:  matcher,
		notifier: notifier,
		input:    input,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins consuming messages.
func (d *dispatcher) Start(ctx context.Context) error {
	if d.input == nil {
		return errors.New("dispatcher has no input channel")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.consumeLoop()

	d.logger.Info("dispatcher started",
		"notifications", d.cfg.Notifications,
		"rules", len(d.cfg.Rules),
	)

	return nil
}

// Stop gracefully shuts down the dispatcher.
func (d *dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping dispatcher")

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (d *dispatcher) Stats() Stats {
	return Stats{
		MessagesReceived: d.received.Load(),
		EventsDispatched: d.dispatched.Load(),
		Deliveries:       d.deliveries.Load(),
		CallbackErrors:   d.callbackErrs.Load(),
		ParseErrors:      d.parseErrors.Load(),
		ControlFrames:    d.controlFrames.Load(),
		UnknownTypes:     d.unknownTypes.Load(),
		Notifications:    d.notifications.Load(),
	}
}

// consumeLoop is the main dispatch goroutine.
func (d *dispatcher) consumeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case raw, ok := <-d.input:
			if !ok {
				d.logger.Info("input channel closed")
				return
			}
			d.handle(raw)
		}
	}
}

// handle parses and dispatches a single frame.
func (d *dispatcher) handle(raw connection.RawMessage) {
	d.received.Add(1)

	if model.IsControlFrame(raw.Data) {
		d.controlFrames.Add(1)
		d.logger.Debug("control frame ignored", "conn_id", raw.ConnID)
		return
	}

	event, err := model.ParseEvent(raw.Data)
	if err != nil {
		d.parseErrors.Add(1)
		d.metrics.IncParseErrors()
		d.logger.Warn("failed to parse event",
			"conn_id", raw.ConnID,
			"error", err,
		)
		return
	}

	d.Dispatch(event)
}

// Dispatch delivers e to matching subscriptions, then classifies it.
func (d *dispatcher) Dispatch(e model.Event) Result {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.dispatched.Add(1)
	if e.Type == model.TypeUnknown {
		d.unknownTypes.Add(1)
		d.logger.Debug("unknown event type", "type", e.RawType)
	}

	var res Result
	for _, sub := range d.matcher.Matching(e) {
		// Unsubscribed since Matching returned.
		if !sub.Active() {
			continue
		}
		res.Matched++
		if d.invoke(sub, e) {
			res.Delivered++
		} else {
			res.Failed++
		}
	}

	d.deliveries.Add(int64(res.Delivered))
	d.metrics.AddDeliveries(res.Delivered)

	if d.cfg.Notifications && d.notifier != nil {
		if n, ok := Classify(d.cfg.Rules, e); ok {
			d.notifier.Create(n)
			d.notifications.Add(1)
			res.Notified = true
		}
	}

	return res
}

// invoke runs one callback and reports whether it returned normally.
func (d *dispatcher) invoke(sub *subscription.Subscription, e model.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			cbErr := &CallbackError{
				SubscriptionID: sub.ID,
				EventType:      e.RawType,
				Value:          r,
			}
			d.callbackErrs.Add(1)
			d.metrics.IncCallbackErrors()
			d.logger.Warn("subscription callback failed",
				"subscription", sub.ID,
				"type", e.RawType,
				"error", cbErr,
			)
			if d.onError != nil {
				d.onError(cbErr)
			}
		}
	}()

	sub.Callback(e)
	return true
}
