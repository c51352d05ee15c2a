package persistence

import (
	"sync/atomic"
	"time"
)

// BatchMetrics holds the process-wide flush counters. Counters are only
// advanced by completed flushes (plus totalRequests on enqueue), and reads
// are plain atomic loads, so a snapshot can be taken while a flush runs.
type BatchMetrics struct {
	totalRequests atomic.Uint64
	totalBatches  atomic.Uint64
	totalInserted atomic.Uint64
	lastBatchSize atomic.Int64
	lastBatchTime atomic.Int64 // unix millis, 0 until the first flush
}

// MetricsSnapshot is the exported, read-only view of BatchMetrics.
type MetricsSnapshot struct {
	TotalRequests uint64    `json:"total_requests"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalInserted uint64    `json:"total_inserted"`
	LastBatchSize int64     `json:"last_batch_size"`
	LastBatchTime time.Time `json:"last_batch_time"`
	AvgBatchSize  float64   `json:"avg_batch_size"`
}

func (m *BatchMetrics) recordRequest() {
	m.totalRequests.Add(1)
}

func (m *BatchMetrics) recordFlush(inserted int, at time.Time) {
	m.totalBatches.Add(1)
	m.totalInserted.Add(uint64(inserted))
	m.lastBatchSize.Store(int64(inserted))
	m.lastBatchTime.Store(at.UnixMilli())
}

// Snapshot returns the latest committed counter values.
func (m *BatchMetrics) Snapshot() MetricsSnapshot {
	batches := m.totalBatches.Load()
	inserted := m.totalInserted.Load()

	var avg float64
	if batches > 0 {
		avg = float64(inserted) / float64(batches)
	}

	var last time.Time
	if millis := m.lastBatchTime.Load(); millis > 0 {
		last = time.UnixMilli(millis).UTC()
	}

	return MetricsSnapshot{
		TotalRequests: m.totalRequests.Load(),
		TotalBatches:  batches,
		TotalInserted: inserted,
		LastBatchSize: m.lastBatchSize.Load(),
		LastBatchTime: last,
		AvgBatchSize:  avg,
	}
}
