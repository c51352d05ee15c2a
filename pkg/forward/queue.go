package forward

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/telemetry"
)

// ====================================================================================
// Retry queue for outbound delivery. Each enqueued record carries its own
// retry state; a periodic drain delivers everything that is due, one item
// at a time, and reschedules failures with capped exponential backoff.
// Delivery is best-effort: an item that exhausts its attempts is dropped
// and counted, never redelivered.
// ====================================================================================

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("forward: queue full")

// Ledger statuses journaled for forward items.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Sender delivers one reconstructed record to the external endpoint.
type Sender interface {
	Send(ctx context.Context, doc telemetry.Document) error
}

// Ledger journals forward item state durably. A nil ledger disables
// journaling; ledger errors are logged and never affect delivery.
type Ledger interface {
	RecordPending(ctx context.Context, id string, doc telemetry.Document) error
	RecordOutcome(ctx context.Context, id string, status string, retryCount int, nextRetryAt time.Time) error
}

// Item is one queued record with its retry state. It is mutated only by
// the drain cycle, which is guarded against overlap.
type Item struct {
	ID            string
	Report        *telemetry.ContainerReport
	AttemptCount  int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	NextRetryAt   time.Time

	remove bool // marked during a drain cycle, pruned at its end
}

// Config holds tuning for the retry queue.
type Config struct {
	Capacity          int
	DrainInterval     time.Duration
	BaseRetryInterval time.Duration // backoff for the first retry
	MaxBackoff        time.Duration // backoff cap
	MaxAttempts       int           // permanent failure bound
	AttemptTimeout    time.Duration // per-delivery bound
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          50000,
		DrainInterval:     5 * time.Second,
		BaseRetryInterval: 5 * time.Second,
		MaxBackoff:        60 * time.Second,
		MaxAttempts:       100,
		AttemptTimeout:    10 * time.Second,
	}
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Length        int     `json:"length"`
	Capacity      int     `json:"capacity"`
	Utilization   float64 `json:"utilization"`
	Draining      bool    `json:"draining"`
	TotalSent     uint64  `json:"total_sent"`
	TotalErrors   uint64  `json:"total_errors"`
	TotalAttempts uint64  `json:"total_attempts"`
}

// RetryQueue buffers records bound for the external endpoint.
type RetryQueue struct {
	cfg    Config
	sender Sender
	ledger Ledger
	logger zerolog.Logger
	clock  clockwork.Clock

	mu    sync.Mutex
	items []*Item

	draining atomic.Bool

	totalSent     atomic.Uint64
	totalErrors   atomic.Uint64
	totalAttempts atomic.Uint64

	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewRetryQueue creates a retry queue delivering through the given sender.
// A nil sender means no destination is configured: Enqueue becomes a no-op
// and the queue never attempts delivery. The ledger may be nil.
func NewRetryQueue(cfg Config, sender Sender, ledger Ledger, clock clockwork.Clock, logger zerolog.Logger) *RetryQueue {
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &RetryQueue{
		cfg:          cfg,
		sender:       sender,
		ledger:       ledger,
		logger:       logger.With().Str("component", "ForwardRetryQueue").Logger(),
		clock:        clock,
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Enqueue adds a record with a fresh retry state, due immediately.
func (q *RetryQueue) Enqueue(report *telemetry.ContainerReport) error {
	if q.sender == nil {
		return nil
	}

	now := q.clock.Now()
	item := &Item{
		ID:          uuid.NewString(),
		Report:      report,
		CreatedAt:   now,
		NextRetryAt: now,
	}

	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.journalPending(item)
	return nil
}

// Len reports the current queue length.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start launches the periodic drain worker.
func (q *RetryQueue) Start() {
	q.logger.Info().
		Int("capacity", q.cfg.Capacity).
		Dur("drain_interval", q.cfg.DrainInterval).
		Int("max_attempts", q.cfg.MaxAttempts).
		Msg("Starting forward retry queue...")
	q.wg.Add(1)
	go q.worker()
}

// Stop shuts the drain worker down. Undelivered items remain journaled in
// the ledger as pending.
func (q *RetryQueue) Stop() {
	q.logger.Info().Msg("Stopping forward retry queue...")
	q.shutdownFunc()
	q.wg.Wait()
	q.logger.Info().Msg("Forward retry queue stopped.")
}

func (q *RetryQueue) worker() {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.shutdownCtx.Done():
			return
		case <-ticker.Chan():
			q.Drain()
		}
	}
}

// Drain attempts delivery of every due item, sequentially and in enqueue
// order. A drain that finds a prior cycle still in flight is a no-op.
func (q *RetryQueue) Drain() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	now := q.clock.Now()

	q.mu.Lock()
	due := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if !item.NextRetryAt.After(now) {
			due = append(due, item)
		}
	}
	q.mu.Unlock()

	if len(due) == 0 {
		return
	}

	for _, item := range due {
		q.attempt(item)
	}

	q.prune()
}

// attempt delivers one item and advances its retry state.
func (q *RetryQueue) attempt(item *Item) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.AttemptTimeout)
	err := q.sender.Send(ctx, item.Report.Document())
	cancel()

	q.totalAttempts.Add(1)
	now := q.clock.Now()
	item.LastAttemptAt = now

	if err == nil {
		item.remove = true
		q.totalSent.Add(1)
		q.journalOutcome(item, StatusSent)
		q.logger.Debug().Str("id", item.ID).Str("container_id", item.Report.ContainerID).Msg("Record delivered.")
		return
	}

	// Timeouts, network errors and non-2xx responses all land here and are
	// treated identically.
	item.AttemptCount++
	if item.AttemptCount >= q.cfg.MaxAttempts {
		item.remove = true
		q.totalErrors.Add(1)
		q.journalOutcome(item, StatusFailed)
		q.logger.Error().Err(err).
			Str("id", item.ID).
			Int("attempts", item.AttemptCount).
			Msg("Delivery permanently failed, dropping record.")
		return
	}

	item.NextRetryAt = now.Add(q.backoff(item.AttemptCount))
	q.journalOutcome(item, StatusPending)
	q.logger.Warn().Err(err).
		Str("id", item.ID).
		Int("attempt", item.AttemptCount).
		Time("next_retry_at", item.NextRetryAt).
		Msg("Delivery failed, rescheduled.")
}

// backoff returns min(base * 2^(attempt-1), cap).
func (q *RetryQueue) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	// Past 30 doublings the product overflows long before the cap matters.
	if shift > 30 {
		return q.cfg.MaxBackoff
	}
	d := q.cfg.BaseRetryInterval << shift
	if d <= 0 || d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}

// prune removes every item marked during the drain cycle.
func (q *RetryQueue) prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, item := range q.items {
		if !item.remove {
			kept = append(kept, item)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
}

func (q *RetryQueue) journalPending(item *Item) {
	if q.ledger == nil {
		return
	}
	if err := q.ledger.RecordPending(context.Background(), item.ID, item.Report.Document()); err != nil {
		q.logger.Warn().Err(err).Str("id", item.ID).Msg("Ledger journal failed.")
	}
}

func (q *RetryQueue) journalOutcome(item *Item, status string) {
	if q.ledger == nil {
		return
	}
	if err := q.ledger.RecordOutcome(context.Background(), item.ID, status, item.AttemptCount, item.NextRetryAt); err != nil {
		q.logger.Warn().Err(err).Str("id", item.ID).Msg("Ledger journal failed.")
	}
}

// Status returns a snapshot of the queue's state and counters.
func (q *RetryQueue) Status() Status {
	q.mu.Lock()
	length := len(q.items)
	q.mu.Unlock()

	return Status{
		Length:        length,
		Capacity:      q.cfg.Capacity,
		Utilization:   float64(length) / float64(q.cfg.Capacity),
		Draining:      q.draining.Load(),
		TotalSent:     q.totalSent.Load(),
		TotalErrors:   q.totalErrors.Load(),
		TotalAttempts: q.totalAttempts.Load(),
	}
}
