package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rickgao/opsstream/internal/api"
	"github.com/rickgao/opsstream/internal/archive"
	"github.com/rickgao/opsstream/internal/config"
	"github.com/rickgao/opsstream/internal/connection"
	"github.com/rickgao/opsstream/internal/dispatch"
	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/model"
	"github.com/rickgao/opsstream/internal/notify"
	"github.com/rickgao/opsstream/internal/poller"
	"github.com/rickgao/opsstream/internal/resilience"
	"github.com/rickgao/opsstream/internal/subscription"
)

var (
	// ErrTornDown is returned by Init after Teardown.
	ErrTornDown = errors.New("service torn down")
	// ErrUnknownSubscription is returned for ids the service never issued or already released.
	ErrUnknownSubscription = errors.New("unknown subscription")
)

type lifecycle int

const (
	created lifecycle = iota
	running
	stopped
)

// Option configures a Service.
type Option func(*options)

type options struct {
	metrics     *metrics.Metrics
	managerOpts []connection.ManagerOption
	execOpts    []resilience.Option
	archivePool archive.Pool
	httpClient  *http.Client
	probes      []poller.Probe
}

// WithMetrics records component metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithManagerOptions passes extra options to the connection manager.
func WithManagerOptions(opts ...connection.ManagerOption) Option {
	return func(o *options) { o.managerOpts = append(o.managerOpts, opts...) }
}

// WithExecutorOptions passes extra options to the resilient executor.
func WithExecutorOptions(opts ...resilience.Option) Option {
	return func(o *options) { o.execOpts = append(o.execOpts, opts...) }
}

// WithArchive archives every notification to pool.
func WithArchive(pool archive.Pool) Option {
	return func(o *options) { o.archivePool = pool }
}

// WithProbes adds dependency health probes. The API client, when configured,
// is probed automatically.
func WithProbes(probes ...poller.Probe) Option {
	return func(o *options) { o.probes = append(o.probes, probes...) }
}

// WithHTTPClient sets the HTTP client used by the API client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// Stats aggregates component statistics.
type Stats struct {
	Connection    connection.Stats
	Dispatch      dispatch.Stats
	Subscriptions int
	Notifications int
	Breakers      map[string]resilience.BreakerStatus
	Archive       *archive.Stats
	Health        []poller.Status
}

// Service owns one event stream session.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	manager    connection.Manager
	registry   *subscription.Registry
	dispatcher dispatch.Dispatcher
	center     *notify.Center
	executor   *resilience.Executor
	api        *api.Client
	archive    *archive.Writer
	poller     *poller.Poller

	mu                sync.Mutex
	state             lifecycle
	detach            func()
	unlisten          func()
	dispatcherStarted bool
	archiveStarted    bool
	pollerStarted     bool

	// subCtx holds one context per live subscription; Unsubscribe cancels it.
	subMu  sync.Mutex
	subCtx map[string]context.CancelFunc
	subs   map[string]context.Context
}

// New builds a Service from cfg. Defaults must already be applied. No
// connection is made until Init.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	streamURL, err := cfg.Connection.StreamURL()
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		subCtx:  make(map[string]context.CancelFunc),
		subs:    make(map[string]context.Context),
	}

	s.manager = connection.NewManager(
		managerConfig(cfg, streamURL),
		logger.With("component", "connection"),
		append([]connection.ManagerOption{connection.WithMetrics(o.metrics)}, o.managerOpts...)...,
	)

	s.center = notify.NewCenter(logger.With("component", "notify"), notify.WithMetrics(o.metrics))

	s.executor = resilience.NewExecutor(
		executorConfig(cfg),
		logger.With("component", "resilience"),
		append([]resilience.Option{resilience.WithMetrics(o.metrics)}, o.execOpts...)...,
	)

	s.registry = subscription.NewRegistry(s.manager, logger.With("component", "subscription"))

	dcfg := dispatch.DefaultConfig()
	dcfg.Notifications = !cfg.Dispatch.DisableNotifications
	s.dispatcher = dispatch.NewDispatcher(
		dcfg,
		s.manager.Messages(),
		s.registry,
		s.center,
		logger.With("component", "dispatch"),
		dispatch.WithMetrics(o.metrics),
	)

	if cfg.API.BaseURL != "" {
		apiOpts := []api.ClientOption{
			api.WithExecutor(s.executor),
			api.WithLogger(logger.With("component", "api")),
			api.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst),
		}
		if o.httpClient != nil {
			apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
		}
		if cfg.API.Timeout > 0 {
			apiOpts = append(apiOpts, api.WithTimeout(cfg.API.Timeout))
		}
		token := cfg.API.Token
		if token == "" {
			token = cfg.Connection.Token
		}
		s.api = api.NewClient(cfg.API.BaseURL, token, apiOpts...)
	}

	probes := o.probes
	if s.api != nil {
		probes = append([]poller.Probe{poller.NewProbe("api", s.checkAPI)}, probes...)
	}
	if len(probes) > 0 {
		s.poller = poller.New(poller.Config{
			Interval: cfg.Health.Interval,
			Timeout:  cfg.Health.Timeout,
		}, probes, s.center, logger.With("component", "poller"))
	}

	if o.archivePool != nil {
		s.archive = archive.NewWriter(archive.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, o.archivePool, logger, archive.WithMetrics(o.metrics), archive.WithExecutor(s.executor))
	}

	return s, nil
}

// checkAPI reports the backend unhealthy when /health fails or says so.
func (s *Service) checkAPI(ctx context.Context) error {
	h, err := s.api.Health(ctx)
	if err != nil {
		return err
	}
	if !h.Healthy() {
		return fmt.Errorf("status %q", h.Status)
	}
	return nil
}

func managerConfig(cfg *config.Config, streamURL string) connection.ManagerConfig {
	cc := cfg.Connection

	header := http.Header{}
	if cc.Token != "" {
		header.Set("Authorization", "Bearer "+cc.Token)
	}
	if cfg.Instance.ID != "" {
		header.Set("X-Client-Id", cfg.Instance.ID)
	}

	return connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:              streamURL,
			Header:           header,
			HandshakeTimeout: cc.HandshakeTimeout,
			PingInterval:     cc.PingInterval,
			PingTimeout:      cc.PingTimeout,
			WriteTimeout:     cc.WriteTimeout,
			BufferSize:       connection.DefaultClientConfig().BufferSize,
		},
		HeartbeatInterval:    cc.HeartbeatInterval,
		DialTimeout:          cc.DialTimeout,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		Backoff: connection.BackoffConfig{
			Base:       cc.ReconnectBaseDelay,
			Multiplier: cc.ReconnectMultiplier,
			Max:        cc.ReconnectMaxDelay,
		},
		MessageBufferSize: cc.BufferSize,
	}
}

func executorConfig(cfg *config.Config) resilience.Config {
	r := cfg.Resilience
	return resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold:   r.FailureThreshold,
			Cooldown:           r.Cooldown,
			CooldownMultiplier: r.CooldownMultiplier,
			MaxCooldown:        r.MaxCooldown,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:       r.MaxAttempts,
			BaseDelay:         r.BaseDelay,
			BackoffMultiplier: r.BackoffMultiplier,
			MaxDelay:          r.MaxDelay,
			AttemptTimeout:    r.AttemptTimeout,
		},
	}
}

// Init starts the dispatcher, archive and health poller, hooks
// resubscription to every reconnect and opens the connection. A failed
// initial dial is not an error: the manager keeps reconnecting and reports
// progress through OnConnectionChange. Calling Init twice is a no-op.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case running:
		return nil
	case stopped:
		return ErrTornDown
	}

	if s.archive != nil {
		if !s.archiveStarted {
			if err := s.archive.Start(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("start archive: %w", err)
			}
			s.archiveStarted = true
			s.unlisten = s.center.OnNotification(s.archive.Enqueue)
		}
	}

	if !s.dispatcherStarted {
		if err := s.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start dispatcher: %w", err)
		}
		s.dispatcherStarted = true
	}

	if s.detach == nil {
		s.detach = s.registry.Attach(s.manager)
	}

	if s.poller != nil && !s.pollerStarted {
		if err := s.poller.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
		s.pollerStarted = true
	}

	if err := s.manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	s.state = running
	s.logger.Info("service initialized",
		"instance", s.cfg.Instance.ID,
		"subscriptions", s.registry.Len(),
	)
	return nil
}

// Teardown closes the connection, drains the dispatcher and archive and
// cancels every subscription context. It is safe to call more than once.
func (s *Service) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stopped {
		s.mu.Unlock()
		return nil
	}
	s.state = stopped
	s.mu.Unlock()

	if s.detach != nil {
		s.detach()
	}

	// The archive stops last so notifications raised by an in-flight event
	// are still written.
	var errs []error
	if s.pollerStarted {
		if err := s.poller.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop poller: %w", err))
		}
	}
	if err := s.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if s.dispatcherStarted {
		if err := s.dispatcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
		}
	}
	if s.archiveStarted {
		s.unlisten()
		if err := s.archive.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop archive: %w", err))
		}
	}

	s.subMu.Lock()
	for id, cancel := range s.subCtx {
		cancel()
		delete(s.subCtx, id)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	s.logger.Info("service torn down")
	return errors.Join(errs...)
}

// Subscribe registers cb for events on any of topics that pass filter.
func (s *Service) Subscribe(topics []string, cb subscription.Callback, filter *subscription.Filter) (string, error) {
	id, err := s.registry.Subscribe(topics, cb, filter)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.subMu.Lock()
	s.subCtx[id] = cancel
	s.subs[id] = ctx
	s.subMu.Unlock()

	return id, nil
}

// Unsubscribe removes a subscription and cancels its context, aborting any
// wrapped call still running under it. Unknown ids are ignored.
func (s *Service) Unsubscribe(id string) {
	s.registry.Unsubscribe(id)

	s.subMu.Lock()
	cancel, ok := s.subCtx[id]
	delete(s.subCtx, id)
	delete(s.subs, id)
	s.subMu.Unlock()

	if ok {
		cancel()
	}
}

// SubscriptionContext returns a context that is cancelled when the
// subscription is removed. Pass it to wrapped calls made on the
// subscription's behalf.
func (s *Service) SubscriptionContext(id string) (context.Context, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ctx, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	return ctx, nil
}

// OnConnectionChange registers fn for connection state transitions.
func (s *Service) OnConnectionChange(fn func(connection.StateChange)) func() {
	return s.manager.OnStateChange(fn)
}

// OnNotification registers fn for every created notification.
func (s *Service) OnNotification(fn func(model.Notification)) func() {
	return s.center.OnNotification(fn)
}

// Wrap guards fn with the breaker for key and a retry loop. A nil policy uses
// the configured default.
func (s *Service) Wrap(fn resilience.Func, key string, policy *resilience.RetryPolicy) resilience.Func {
	return s.executor.Wrap(fn, key, policy)
}

// Notify creates a notification directly.
func (s *Service) Notify(n model.Notification) model.Notification {
	return s.center.Create(n)
}

// Connect reconnects after Disconnect or an exhausted reconnect budget.
func (s *Service) Connect(ctx context.Context) error {
	return s.manager.Connect(ctx)
}

// Disconnect closes the connection without scheduling a reconnect.
func (s *Service) Disconnect() {
	s.manager.Disconnect()
}

// ConnectionState returns the current connection state.
func (s *Service) ConnectionState() connection.State {
	return s.manager.State()
}

// Notifications returns the notification center.
func (s *Service) Notifications() *notify.Center {
	return s.center
}

// Subscriptions returns a snapshot of active subscriptions.
func (s *Service) Subscriptions() []subscription.Info {
	return s.registry.Active()
}

// API returns the REST client, or nil when api.base_url is not configured.
func (s *Service) API() *api.Client {
	return s.api
}

// Executor returns the resilient executor shared by all outbound calls.
func (s *Service) Executor() *resilience.Executor {
	return s.executor
}

// Health returns the last result of every dependency probe.
func (s *Service) Health() []poller.Status {
	if s.poller == nil {
		return nil
	}
	return s.poller.Statuses()
}

// Stats returns a snapshot of all component statistics.
func (s *Service) Stats() Stats {
	st := Stats{
		Connection:    s.manager.Stats(),
		Dispatch:      s.dispatcher.Stats(),
		Subscriptions: s.registry.Len(),
		Notifications: s.center.Len(),
		Breakers:      s.executor.Snapshot(),
	}
	if s.archive != nil {
		as := s.archive.Stats()
		st.Archive = &as
	}
	st.Health = s.Health()
	return st
}
