package poller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/opsstream/internal/model"
)

// Probe checks one dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (p probeFunc) Name() string                    { return p.name }
func (p probeFunc) Check(ctx context.Context) error { return p.fn(ctx) }

// NewProbe adapts fn to a Probe.
func NewProbe(name string, fn func(ctx context.Context) error) Probe {
	return probeFunc{name: name, fn: fn}
}

// Notifier receives health transition notifications.
type Notifier interface {
	Create(n model.Notification) model.Notification
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 1m)
	Concurrency int           // Max concurrent probes (default: 4)
	Timeout     time.Duration // Per-probe timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Status is the last observed health of one probe.
type Status struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Poller periodically runs health probes.
type Poller struct {
	cfg      Config
	probes   []Probe
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	status map[string]*Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. notifier may be nil.
func New(cfg Config, probes []Probe, notifier Notifier, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:      cfg,
		probes:   probes,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		status:   make(map[string]*Status),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("health poller started",
		"interval", p.cfg.Interval,
		"probes", len(p.probes),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("health poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statuses returns the last result of every probe, sorted by name.
func (p *Poller) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.status))
	for _, s := range p.status {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// run is the main polling loop.
func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs every probe once with bounded concurrency.
func (p *Poller) PollOnce(ctx context.Context) {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, probe := range p.probes {
		probe := probe
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, p.cfg.Timeout)
			defer cancel()

			err := probe.Check(probeCtx)
			if ctx.Err() != nil {
				// Shutting down; the result says nothing about the dependency.
				return nil
			}
			p.record(probe.Name(), err)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("poll cycle complete",
		"probes", len(p.probes),
		"duration", time.Since(start),
	)
}

// record stores a probe result and notifies on health transitions.
func (p *Poller) record(name string, err error) {
	p.mu.Lock()
	s, seen := p.status[name]
	if !seen {
		s = &Status{Name: name}
		p.status[name] = s
	}
	wasHealthy := s.Healthy
	s.LastCheck = p.now()
	if err != nil {
		s.Healthy = false
		s.LastError = err.Error()
		s.ConsecutiveFailures++
	} else {
		s.Healthy = true
		s.LastError = ""
		s.ConsecutiveFailures = 0
	}
	p.mu.Unlock()

	switch {
	case err != nil && (wasHealthy || !seen):
		p.logger.Warn("dependency unhealthy", "probe", name, "error", err)
		p.notify(model.Notification{
			Level:      model.LevelError,
			Title:      fmt.Sprintf("%s unavailable", name),
			Message:    err.Error(),
			Category:   "system",
			Persistent: true,
			Source:     name,
		})
	case err == nil && seen && !wasHealthy:
		p.logger.Info("dependency recovered", "probe", name)
		p.notify(model.Notification{
			Level:    model.LevelSuccess,
			Title:    fmt.Sprintf("%s recovered", name),
			Message:  fmt.Sprintf("%s is responding again", name),
			Category: "system",
			Source:   name,
		})
	}
}

func (p *Poller) notify(n model.Notification) {
	if p.notifier != nil {
		p.notifier.Create(n)
	}
}
