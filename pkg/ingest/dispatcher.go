package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/telemetry"
)

// ====================================================================================
// The dispatcher is the ingestion boundary of the pipeline. It buffers raw
// payloads exactly as received, drains the whole buffer on a timer (or
// early, past a high watermark), decodes each payload and fans the decoded
// record out to the persistence and forward queues. Backpressure is a
// synchronous ErrQueueFull to whoever is receiving from the network.
// ====================================================================================

// ErrQueueFull is returned by Enqueue when the raw buffer is at capacity.
var ErrQueueFull = errors.New("ingest: queue full")

// RecordSink accepts one decoded record fanned out from the dispatcher.
// An error return means the destination rejected the record; the dispatcher
// counts the rejection and moves on.
type RecordSink interface {
	Accept(report *telemetry.ContainerReport, raw []byte) error
}

// Decoder transforms a raw payload into a decoded report.
type Decoder func(raw []byte) (*telemetry.ContainerReport, error)

// Config holds tuning for the dispatcher.
type Config struct {
	Capacity          int           // raw buffer bound
	DrainInterval     time.Duration // scheduled full-buffer drain
	WatermarkInterval time.Duration // how often the high watermark is checked
	HighWatermark     int           // buffer length that triggers an early drain
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          50000,
		DrainInterval:     2 * time.Second,
		WatermarkInterval: time.Second,
		HighWatermark:     1000,
	}
}

// Receipt is returned to the ingestion caller on a successful enqueue.
type Receipt struct {
	Position                 int   // 1-based position in the current buffer
	EstimatedNextDrainMillis int64 // time until the next scheduled drain
}

// Status is a point-in-time snapshot of the dispatcher, safe to read while
// drains are running.
type Status struct {
	Length          int     `json:"length"`
	Capacity        int     `json:"capacity"`
	Utilization     float64 `json:"utilization"`
	Draining        bool    `json:"draining"`
	TotalReceived   uint64  `json:"total_received"`
	TotalDecoded    uint64  `json:"total_decoded"`
	DecodeErrors    uint64  `json:"decode_errors"`
	PersistRejected uint64  `json:"persist_rejected"`
	ForwardRejected uint64  `json:"forward_rejected"`
	TotalDrains     uint64  `json:"total_drains"`
}

// Dispatcher buffers raw payloads and periodically fans decoded records out
// to its two sinks.
type Dispatcher struct {
	cfg     Config
	decode  Decoder
	persist RecordSink
	forward RecordSink
	logger  zerolog.Logger
	clock   clockwork.Clock

	mu          sync.Mutex
	buf         [][]byte
	nextDrainAt time.Time

	draining atomic.Bool

	totalReceived   atomic.Uint64
	totalDecoded    atomic.Uint64
	decodeErrors    atomic.Uint64
	persistRejected atomic.Uint64
	forwardRejected atomic.Uint64
	totalDrains     atomic.Uint64

	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewDispatcher creates a dispatcher feeding the given sinks. The decoder
// is injected so the codec stays a leaf dependency; production wiring
// passes telemetry.Decode.
func NewDispatcher(
	cfg Config,
	decode Decoder,
	persist RecordSink,
	forward RecordSink,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Dispatcher {
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:          cfg,
		decode:       decode,
		persist:      persist,
		forward:      forward,
		logger:       logger.With().Str("component", "IngestDispatcher").Logger(),
		clock:        clock,
		buf:          make([][]byte, 0, cfg.HighWatermark),
		nextDrainAt:  clock.Now().Add(cfg.DrainInterval),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Enqueue accepts one raw payload. It fails fast with ErrQueueFull at
// capacity; the buffer never grows past its bound and never blocks.
func (d *Dispatcher) Enqueue(raw []byte) (Receipt, error) {
	d.mu.Lock()
	if len(d.buf) >= d.cfg.Capacity {
		d.mu.Unlock()
		return Receipt{}, ErrQueueFull
	}
	d.buf = append(d.buf, raw)
	position := len(d.buf)
	next := d.nextDrainAt
	d.mu.Unlock()

	d.totalReceived.Add(1)

	estimate := next.Sub(d.clock.Now()).Milliseconds()
	if estimate < 0 {
		estimate = 0
	}
	return Receipt{Position: position, EstimatedNextDrainMillis: estimate}, nil
}

// Len reports the current buffer length.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Start launches the periodic drain worker.
func (d *Dispatcher) Start() {
	d.logger.Info().
		Int("capacity", d.cfg.Capacity).
		Dur("drain_interval", d.cfg.DrainInterval).
		Int("high_watermark", d.cfg.HighWatermark).
		Msg("Starting ingest dispatcher...")
	d.wg.Add(1)
	go d.worker()
}

// Stop shuts the worker down after one final drain of whatever is buffered.
func (d *Dispatcher) Stop() {
	d.logger.Info().Msg("Stopping ingest dispatcher...")
	d.shutdownFunc()
	d.wg.Wait()
	d.logger.Info().Msg("Ingest dispatcher stopped.")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	drainTicker := d.clock.NewTicker(d.cfg.DrainInterval)
	defer drainTicker.Stop()
	watermarkTicker := d.clock.NewTicker(d.cfg.WatermarkInterval)
	defer watermarkTicker.Stop()

	for {
		select {
		case <-d.shutdownCtx.Done():
			d.Drain()
			return
		case <-drainTicker.Chan():
			d.Drain()
		case <-watermarkTicker.Chan():
			if d.Len() > d.cfg.HighWatermark {
				d.logger.Debug().Int("length", d.Len()).Msg("High watermark exceeded, draining early.")
				d.Drain()
			}
		}
	}
}

// Drain swaps the whole buffer out and processes it as one batch. A drain
// that finds a prior cycle still in flight is a no-op; the skipped work is
// picked up by the next tick.
func (d *Dispatcher) Drain() {
	if !d.draining.CompareAndSwap(false, true) {
		return
	}
	defer d.draining.Store(false)

	d.mu.Lock()
	batch := d.buf
	d.buf = make([][]byte, 0, d.cfg.HighWatermark)
	d.nextDrainAt = d.clock.Now().Add(d.cfg.DrainInterval)
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	d.totalDrains.Add(1)

	for _, raw := range batch {
		report, err := d.decode(raw)
		if err != nil {
			// A bad payload is dropped and counted; the rest of the batch
			// still gets processed.
			d.decodeErrors.Add(1)
			d.logger.Warn().Err(err).Int("payload_bytes", len(raw)).Msg("Failed to decode payload, dropping.")
			continue
		}
		d.totalDecoded.Add(1)

		if err := d.persist.Accept(report, raw); err != nil {
			d.persistRejected.Add(1)
			d.logger.Warn().Err(err).Str("container_id", report.ContainerID).Msg("Persistence queue rejected record.")
		}
		if err := d.forward.Accept(report, raw); err != nil {
			d.forwardRejected.Add(1)
			d.logger.Warn().Err(err).Str("container_id", report.ContainerID).Msg("Forward queue rejected record.")
		}
	}

	d.logger.Debug().Int("batch_size", len(batch)).Msg("Drained ingest buffer.")
}

// Status returns a snapshot of the dispatcher's state and counters.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	length := len(d.buf)
	d.mu.Unlock()

	return Status{
		Length:          length,
		Capacity:        d.cfg.Capacity,
		Utilization:     float64(length) / float64(d.cfg.Capacity),
		Draining:        d.draining.Load(),
		TotalReceived:   d.totalReceived.Load(),
		TotalDecoded:    d.totalDecoded.Load(),
		DecodeErrors:    d.decodeErrors.Load(),
		PersistRejected: d.persistRejected.Load(),
		ForwardRejected: d.forwardRejected.Load(),
		TotalDrains:     d.totalDrains.Load(),
	}
}
