package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ====================================================================================
// Write-behind batch queue. Enqueued items accumulate in memory and are
// flushed to the storage engine as one atomic batch, either on a timer or
// early once a high watermark is crossed. The storage connection is owned
// exclusively by this queue; nothing else in the process touches it.
// ====================================================================================

// ErrQueueFull is returned by Enqueue when the buffer is at capacity.
var ErrQueueFull = errors.New("persistence: queue full")

// QueuedWriteItem is one record waiting to be persisted. It is owned by the
// queue until a flush hands it to a storage transaction.
type QueuedWriteItem struct {
	ContainerID      string
	RawBytes         []byte
	TimestampMillis  int64
	EnqueuedAtMillis int64
}

// HistoryRow is one persisted record returned by a history query.
type HistoryRow struct {
	ContainerID      string `json:"container_id"`
	TimestampMillis  int64  `json:"timestamp_millis"`
	Payload          []byte `json:"payload"`
	EnqueuedAtMillis int64  `json:"enqueued_at_millis"`
}

// Store is the durable storage engine behind the queue. WriteBatch must
// commit every item in one transaction or none of them; the returned count
// is the number of rows written by a committed transaction.
type Store interface {
	WriteBatch(ctx context.Context, items []QueuedWriteItem) (int, error)
	RecentHistory(ctx context.Context, containerID string, limit int) ([]HistoryRow, error)
	HistoryCount(ctx context.Context) (int64, error)
	Close() error
}

// Config holds tuning for the batch queue.
type Config struct {
	Capacity          int
	FlushInterval     time.Duration
	WatermarkInterval time.Duration
	HighWatermark     int
	FlushTimeout      time.Duration // per-flush bound on the storage write
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          50000,
		FlushInterval:     2 * time.Second,
		WatermarkInterval: time.Second,
		HighWatermark:     1000,
		FlushTimeout:      30 * time.Second,
	}
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Length           int             `json:"length"`
	Capacity         int             `json:"capacity"`
	Utilization      float64         `json:"utilization"`
	Flushing         bool            `json:"flushing"`
	FlushErrors      uint64          `json:"flush_errors"`
	Requeued         uint64          `json:"requeued"`
	DroppedOnRequeue uint64          `json:"dropped_on_requeue"`
	Metrics          MetricsSnapshot `json:"metrics"`
}

// BatchQueue buffers write items and flushes them in atomic batches.
type BatchQueue struct {
	cfg    Config
	store  Store
	logger zerolog.Logger
	clock  clockwork.Clock

	mu  sync.Mutex
	buf []QueuedWriteItem

	flushing atomic.Bool
	metrics  BatchMetrics

	flushErrors      atomic.Uint64
	requeued         atomic.Uint64
	droppedOnRequeue atomic.Uint64

	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewBatchQueue creates a batch queue over the given store.
func NewBatchQueue(cfg Config, store Store, clock clockwork.Clock, logger zerolog.Logger) *BatchQueue {
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &BatchQueue{
		cfg:          cfg,
		store:        store,
		logger:       logger.With().Str("component", "PersistenceBatchQueue").Logger(),
		clock:        clock,
		buf:          make([]QueuedWriteItem, 0, cfg.HighWatermark),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Enqueue appends one item, failing fast with ErrQueueFull at capacity.
func (q *BatchQueue) Enqueue(item QueuedWriteItem) error {
	q.mu.Lock()
	if len(q.buf) >= q.cfg.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.buf = append(q.buf, item)
	q.mu.Unlock()

	q.metrics.recordRequest()
	return nil
}

// Len reports the current buffer length.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Start launches the periodic flush worker.
func (q *BatchQueue) Start() {
	q.logger.Info().
		Int("capacity", q.cfg.Capacity).
		Dur("flush_interval", q.cfg.FlushInterval).
		Int("high_watermark", q.cfg.HighWatermark).
		Msg("Starting persistence batch queue...")
	q.wg.Add(1)
	go q.worker()
}

func (q *BatchQueue) worker() {
	defer q.wg.Done()

	flushTicker := q.clock.NewTicker(q.cfg.FlushInterval)
	defer flushTicker.Stop()
	watermarkTicker := q.clock.NewTicker(q.cfg.WatermarkInterval)
	defer watermarkTicker.Stop()

	for {
		select {
		case <-q.shutdownCtx.Done():
			return
		case <-flushTicker.Chan():
			if err := q.Flush(context.Background()); err != nil {
				q.logger.Error().Err(err).Msg("Scheduled flush failed.")
			}
		case <-watermarkTicker.Chan():
			if q.Len() > q.cfg.HighWatermark {
				q.logger.Debug().Int("length", q.Len()).Msg("High watermark exceeded, flushing early.")
				if err := q.Flush(context.Background()); err != nil {
					q.logger.Error().Err(err).Msg("Watermark flush failed.")
				}
			}
		}
	}
}

// Flush writes the whole buffer out as one transaction. A flush that finds
// another flush in flight is a silent no-op. On failure the batch is
// re-queued at the head of the buffer, up to capacity.
func (q *BatchQueue) Flush(ctx context.Context) error {
	return q.flush(ctx, true)
}

func (q *BatchQueue) flush(ctx context.Context, requeueOnFailure bool) error {
	if !q.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	batch := q.buf
	q.buf = make([]QueuedWriteItem, 0, q.cfg.HighWatermark)
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, q.cfg.FlushTimeout)
	defer cancel()

	inserted, err := q.store.WriteBatch(writeCtx, batch)
	if err != nil {
		q.flushErrors.Add(1)
		q.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Batch write failed, transaction rolled back.")
		if requeueOnFailure {
			q.requeue(batch)
		}
		return fmt.Errorf("persistence: flush of %d items: %w", len(batch), err)
	}

	q.metrics.recordFlush(inserted, q.clock.Now())
	q.logger.Debug().Int("inserted", inserted).Msg("Flushed batch to storage.")
	return nil
}

// requeue puts a failed batch back at the head of the buffer so the next
// flush retries it ahead of newer items. Anything that no longer fits under
// the capacity bound is dropped and counted.
func (q *BatchQueue) requeue(batch []QueuedWriteItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	space := q.cfg.Capacity - len(q.buf)
	if space <= 0 {
		q.droppedOnRequeue.Add(uint64(len(batch)))
		return
	}
	if len(batch) > space {
		q.droppedOnRequeue.Add(uint64(len(batch) - space))
		batch = batch[:space]
	}
	q.requeued.Add(uint64(len(batch)))
	q.buf = append(batch, q.buf...)
}

// History reads back persisted records for a container. All storage access
// goes through the queue so the connection stays exclusively owned.
func (q *BatchQueue) History(ctx context.Context, containerID string, limit int) ([]HistoryRow, error) {
	return q.store.RecentHistory(ctx, containerID, limit)
}

// HistoryCount reports the total number of persisted records.
func (q *BatchQueue) HistoryCount(ctx context.Context) (int64, error) {
	return q.store.HistoryCount(ctx)
}

// Shutdown stops the flush timers, forces one final flush of whatever
// remains and releases the storage handle. The final flush does not
// re-queue on failure; the process is exiting.
func (q *BatchQueue) Shutdown(ctx context.Context) error {
	q.logger.Info().Msg("Shutting down persistence batch queue...")
	q.shutdownFunc()
	q.wg.Wait()

	flushErr := q.flush(ctx, false)
	if flushErr != nil {
		q.logger.Error().Err(flushErr).Msg("Final flush failed; buffered items lost.")
	}
	closeErr := q.store.Close()

	q.logger.Info().Msg("Persistence batch queue stopped.")
	return errors.Join(flushErr, closeErr)
}

// Status returns a snapshot of the queue's state and counters.
func (q *BatchQueue) Status() Status {
	q.mu.Lock()
	length := len(q.buf)
	q.mu.Unlock()

	return Status{
		Length:           length,
		Capacity:         q.cfg.Capacity,
		Utilization:      float64(length) / float64(q.cfg.Capacity),
		Flushing:         q.flushing.Load(),
		FlushErrors:      q.flushErrors.Load(),
		Requeued:         q.requeued.Load(),
		DroppedOnRequeue: q.droppedOnRequeue.Load(),
		Metrics:          q.metrics.Snapshot(),
	}
}
