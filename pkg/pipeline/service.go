package pipeline

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/forward"
	"github.com/coldtrack/containerflow/pkg/ingest"
	"github.com/coldtrack/containerflow/pkg/persistence"
	"github.com/coldtrack/containerflow/pkg/telemetry"
)

// ====================================================================================
// Assembly of the three queues into one pipeline with a single start/stop
// lifecycle. Each queue still runs its own independently scheduled drain;
// the pipeline only owns construction, wiring and ordering.
// ====================================================================================

// Config aggregates the per-queue configurations.
type Config struct {
	Ingest      ingest.Config
	Persistence persistence.Config
	Forward     forward.Config
}

// DefaultConfig returns production defaults for the whole pipeline.
func DefaultConfig() Config {
	return Config{
		Ingest:      ingest.DefaultConfig(),
		Persistence: persistence.DefaultConfig(),
		Forward:     forward.DefaultConfig(),
	}
}

// Snapshot aggregates the status of every queue for the dashboard.
type Snapshot struct {
	Ingest      ingest.Status      `json:"ingest"`
	Persistence persistence.Status `json:"persistence"`
	Forward     forward.Status     `json:"forward"`
}

// Service owns the dispatcher and both downstream queues.
type Service struct {
	Dispatcher  *ingest.Dispatcher
	Persistence *persistence.BatchQueue
	Forward     *forward.RetryQueue

	logger zerolog.Logger
}

// New wires the pipeline together. The store is required; sender and
// ledger may be nil (no forwarding destination / no journaling).
func New(
	cfg Config,
	store persistence.Store,
	sender forward.Sender,
	ledger forward.Ledger,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Service {
	persistQueue := persistence.NewBatchQueue(cfg.Persistence, store, clock, logger)
	forwardQueue := forward.NewRetryQueue(cfg.Forward, sender, ledger, clock, logger)
	dispatcher := ingest.NewDispatcher(
		cfg.Ingest,
		telemetry.Decode,
		&persistSink{queue: persistQueue, clock: clock},
		&forwardSink{queue: forwardQueue},
		clock,
		logger,
	)

	return &Service{
		Dispatcher:  dispatcher,
		Persistence: persistQueue,
		Forward:     forwardQueue,
		logger:      logger.With().Str("service", "Pipeline").Logger(),
	}
}

// Start brings the queues up, sinks before the dispatcher that feeds them.
func (s *Service) Start() {
	s.logger.Info().Msg("Starting pipeline...")
	s.Persistence.Start()
	s.Forward.Start()
	s.Dispatcher.Start()
	s.logger.Info().Msg("Pipeline started.")
}

// Stop shuts down in dependency order: the dispatcher drains into the
// queues, the persistence queue runs its final flush, then forwarding
// stops. Already-enqueued items are only lost on a failed final flush.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping pipeline...")
	s.Dispatcher.Stop()
	err := s.Persistence.Shutdown(ctx)
	s.Forward.Stop()
	s.logger.Info().Msg("Pipeline stopped.")
	return err
}

// Status returns the aggregated queue snapshots.
func (s *Service) Status() Snapshot {
	return Snapshot{
		Ingest:      s.Dispatcher.Status(),
		Persistence: s.Persistence.Status(),
		Forward:     s.Forward.Status(),
	}
}

// persistSink adapts the batch queue to the dispatcher's fan-out. The row
// key timestamp comes from the unit's own clock when it parses, falling
// back to receive time.
type persistSink struct {
	queue *persistence.BatchQueue
	clock clockwork.Clock
}

func (s *persistSink) Accept(report *telemetry.ContainerReport, raw []byte) error {
	now := s.clock.Now()
	return s.queue.Enqueue(persistence.QueuedWriteItem{
		ContainerID:      report.ContainerID,
		RawBytes:         raw,
		TimestampMillis:  report.RecordedAt(now).UnixMilli(),
		EnqueuedAtMillis: now.UnixMilli(),
	})
}

// forwardSink adapts the retry queue to the dispatcher's fan-out.
type forwardSink struct {
	queue *forward.RetryQueue
}

func (s *forwardSink) Accept(report *telemetry.ContainerReport, _ []byte) error {
	return s.queue.Enqueue(report)
}
