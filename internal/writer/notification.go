package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/crm-realtime/internal/model"
)

// ErrBufferFull is returned by Notify when the pending batch is at capacity.
var ErrBufferFull = errors.New("notification buffer full")

// BatchSender sends a pgx.Batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterConfig configures batching.
type WriterConfig struct {
	BatchSize     int           // Flush when this many rows are pending
	FlushInterval time.Duration // Flush at least this often
	BufferSize    int           // Pending rows beyond which Notify fails
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Dropped   int64
	Flushes   int64
}

// NotificationWriter batches notifications into the realtime_notifications table.
type NotificationWriter struct {
	cfg    WriterConfig
	db     BatchSender
	logger *slog.Logger

	// Batching
	batch   []model.Notification
	batchMu sync.Mutex
	full    chan struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewNotificationWriter creates a NotificationWriter.
func NewNotificationWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *NotificationWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]model.Notification, 0, cfg.BatchSize),
		full:   make(chan struct{}, 1),
	}
}

// Start begins the flush loop.
func (w *NotificationWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("notification writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop ends the flush loop and writes whatever is pending.
func (w *NotificationWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping notification writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("notification writer stop timed out")
	}

	// Final flush, bounded by the caller's deadline.
	w.flush(ctx)

	w.logger.Info("notification writer stopped")
	return nil
}

// Notify queues n for insertion. It never blocks on the database.
func (w *NotificationWriter) Notify(_ context.Context, n model.Notification) error {
	w.batchMu.Lock()
	if w.cfg.BufferSize > 0 && len(w.batch) >= w.cfg.BufferSize {
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return ErrBufferFull
	}
	w.batch = append(w.batch, n)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		select {
		case w.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued notifications.
func (w *NotificationWriter) Pending() int {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return len(w.batch)
}

// Stats returns current metrics.
func (w *NotificationWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// flushLoop flushes on the ticker or when a batch fills.
func (w *NotificationWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(context.WithoutCancel(w.ctx))
		case <-w.full:
			w.flush(context.WithoutCancel(w.ctx))
		}
	}
}

// flush writes the current batch to the database within ctx. A failed batch
// is dropped and counted.
func (w *NotificationWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]model.Notification, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("notification insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed notifications",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *NotificationWriter) batchInsert(ctx context.Context, rows []model.Notification) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, n := range rows {
		batch.Queue(`
			INSERT INTO realtime_notifications (id, kind, user_id, role, title, message, ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, n.ID, string(n.Kind), nullable(n.UserID), nullable(string(n.Role)), n.Title, n.Message, nullable(n.Ref), n.CreatedAt)
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

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
