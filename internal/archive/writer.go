package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/opsstream/internal/buffer"
	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/model"
	"github.com/rickgao/opsstream/internal/resilience"
)

// ResilienceKey is the breaker key used for batch inserts.
const ResilienceKey = "archive-insert"

const insertNotification = `
	INSERT INTO notifications (id, level, title, message, category, persistent, event_type, source, instance_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

// Pool is the subset of *pgxpool.Pool used by the writer.
type Pool interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds writer settings.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // queued notifications kept before the oldest are dropped
}

// DefaultConfig returns default writer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		BufferSize:    1000,
	}
}

// Stats contains writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
	Pending   int
}

// Option configures a Writer.
type Option func(*Writer)

// WithMetrics records archived rows and insert failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithExecutor routes batch inserts through exec under ResilienceKey.
func WithExecutor(exec *resilience.Executor) Option {
	return func(w *Writer) { w.exec = exec }
}

type row struct {
	ID         string
	Level      string
	Title      string
	Message    string
	Category   string
	Persistent bool
	EventType  string
	Source     string
	InstanceID string
	CreatedAt  int64 // unix microseconds
}

// Writer batches notifications into the notifications table.
type Writer struct {
	cfg     Config
	db      Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
	exec    *resilience.Executor

	input *buffer.Queue[model.Notification]

	batch   []row
	batchMu sync.Mutex
	flushMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{}

	stats Stats
}

// NewWriter creates a Writer. Zero config fields take their defaults.
func NewWriter(cfg Config, db Pool, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	w := &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "archive"),
		input:  buffer.New[model.Notification](min(cfg.BatchSize, cfg.BufferSize), cfg.BufferSize),
		batch:  make([]row, 0, cfg.BatchSize),

		consumed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue queues n for archiving. It never blocks, so it can be registered
// directly as a notification listener.
func (w *Writer) Enqueue(n model.Notification) {
	if !w.input.Push(n) {
		w.logger.Debug("archive closed, notification not queued", "id", n.ID)
	}
}

// Start begins consuming queued notifications.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the queue, waits for the consumer to drain it and writes the
// final batch. Notifications enqueued after Stop are discarded.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}
	if w.cancel != nil {
		w.cancel()
	}

	// Whatever the consumer did not reach is still queued.
	w.add(w.input.PopBatch(0))
	err := w.flush(ctx)

	w.logger.Info("archive writer stopped")
	return err
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	s := w.stats
	s.Dropped = w.input.Stats().Dropped
	s.Pending = len(w.batch) + w.input.Len()
	return s
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	defer close(w.consumed)

	for {
		if err := w.input.Wait(w.ctx); err != nil {
			return
		}
		if w.add(w.input.PopBatch(w.cfg.BatchSize)) {
			w.flush(w.ctx)
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.consumed:
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends notifications to the batch and reports whether it is full.
func (w *Writer) add(items []model.Notification) bool {
	if len(items) == 0 {
		return false
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	for _, n := range items {
		w.batch = append(w.batch, w.transform(n))
	}
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) transform(n model.Notification) row {
	return row{
		ID:         n.ID,
		Level:      string(n.Level),
		Title:      n.Title,
		Message:    n.Message,
		Category:   n.Category,
		Persistent: n.Persistent,
		EventType:  string(n.EventType),
		Source:     n.Source,
		InstanceID: w.cfg.InstanceID,
		CreatedAt:  n.Timestamp.UnixMicro(),
	}
}

// flush writes the current batch. A failed batch is logged and discarded.
func (w *Writer) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	var conflicts int
	insert := func(ctx context.Context) error {
		n, err := w.batchInsert(ctx, batch)
		conflicts = n
		return err
	}

	var err error
	if w.exec != nil {
		err = w.exec.Do(ctx, ResilienceKey, nil, insert)
	} else {
		err = insert(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			w.logger.Warn("batch insert cancelled", "count", len(batch))
		} else {
			w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		}
		w.metrics.IncArchiveErrors()
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return err
	}

	inserted := len(batch) - conflicts
	w.metrics.AddArchived(inserted)

	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed notifications",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertNotification,
			r.ID, r.Level, r.Title, r.Message, r.Category, r.Persistent,
			r.EventType, r.Source, r.InstanceID, r.CreatedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
