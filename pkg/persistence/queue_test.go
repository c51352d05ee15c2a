package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrack/containerflow/pkg/persistence"
)

// mockStore records batches handed to it and can be told to fail or to
// block mid-write.
type mockStore struct {
	mu      sync.Mutex
	batches [][]persistence.QueuedWriteItem
	err     error
	closed  bool

	started chan struct{} // closed on first WriteBatch, if non-nil
	release chan struct{} // WriteBatch blocks on this, if non-nil
	once    sync.Once
}

func (m *mockStore) WriteBatch(_ context.Context, items []persistence.QueuedWriteItem) (int, error) {
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
	}
	if m.release != nil {
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	batch := make([]persistence.QueuedWriteItem, len(items))
	copy(batch, items)
	m.batches = append(m.batches, batch)
	return len(items), nil
}

func (m *mockStore) RecentHistory(context.Context, string, int) ([]persistence.HistoryRow, error) {
	return nil, nil
}

func (m *mockStore) HistoryCount(context.Context) (int64, error) {
	return 0, nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *mockStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func item(containerID string, ts int64) persistence.QueuedWriteItem {
	return persistence.QueuedWriteItem{
		ContainerID:     containerID,
		RawBytes:        []byte(containerID),
		TimestampMillis: ts,
	}
}

func newTestQueue(cfg persistence.Config, store persistence.Store) *persistence.BatchQueue {
	return persistence.NewBatchQueue(cfg, store, clockwork.NewFakeClock(), zerolog.Nop())
}

func TestBatchQueue_EnqueueFull(t *testing.T) {
	cfg := persistence.DefaultConfig()
	cfg.Capacity = 2
	q := newTestQueue(cfg, &mockStore{})

	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))
	require.NoError(t, q.Enqueue(item("LMCU0000002", 2)))

	err := q.Enqueue(item("LMCU0000003", 3))
	assert.ErrorIs(t, err, persistence.ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestBatchQueue_FlushWritesWholeBuffer(t *testing.T) {
	store := &mockStore{}
	q := newTestQueue(persistence.DefaultConfig(), store)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(item(fmt.Sprintf("LMCU000000%d", i), int64(i))))
	}

	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, 0, q.Len())
	require.Equal(t, 1, store.batchCount())
	assert.Len(t, store.batches[0], 5)

	status := q.Status()
	assert.EqualValues(t, 5, status.Metrics.TotalRequests)
	assert.EqualValues(t, 1, status.Metrics.TotalBatches)
	assert.EqualValues(t, 5, status.Metrics.TotalInserted)
	assert.EqualValues(t, 5, status.Metrics.LastBatchSize)
}

func TestBatchQueue_FlushEmptyIsNoOp(t *testing.T) {
	store := &mockStore{}
	q := newTestQueue(persistence.DefaultConfig(), store)

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, store.batchCount())
	assert.EqualValues(t, 0, q.Status().Metrics.TotalBatches)
}

func TestBatchQueue_OverlappingFlushIsNoOp(t *testing.T) {
	store := &mockStore{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	q := newTestQueue(persistence.DefaultConfig(), store)
	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))

	done := make(chan struct{})
	go func() {
		_ = q.Flush(context.Background())
		close(done)
	}()
	<-store.started

	// Buffer refills while the first flush is still in the storage write.
	require.NoError(t, q.Enqueue(item("LMCU0000002", 2)))
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 1, q.Len(), "second flush must not drain while one is in flight")

	close(store.release)
	<-done
	require.Equal(t, 1, store.batchCount())
}

func TestBatchQueue_FailedFlushRequeuesAtHead(t *testing.T) {
	store := &mockStore{err: errors.New("disk full")}
	q := newTestQueue(persistence.DefaultConfig(), store)

	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))
	require.NoError(t, q.Enqueue(item("LMCU0000002", 2)))

	err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, q.Len(), "failed batch must return to the buffer")

	status := q.Status()
	assert.EqualValues(t, 1, status.FlushErrors)
	assert.EqualValues(t, 2, status.Requeued)
	assert.EqualValues(t, 0, status.Metrics.TotalInserted)

	// Items enqueued after the failure line up behind the re-queued batch.
	require.NoError(t, q.Enqueue(item("LMCU0000003", 3)))
	store.setErr(nil)
	require.NoError(t, q.Flush(context.Background()))

	require.Equal(t, 1, store.batchCount())
	batch := store.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, "LMCU0000001", batch[0].ContainerID)
	assert.Equal(t, "LMCU0000002", batch[1].ContainerID)
	assert.Equal(t, "LMCU0000003", batch[2].ContainerID)
}

func TestBatchQueue_RequeueRespectsCapacity(t *testing.T) {
	cfg := persistence.DefaultConfig()
	cfg.Capacity = 2
	store := &mockStore{err: errors.New("disk full")}
	q := newTestQueue(cfg, store)

	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))
	require.NoError(t, q.Enqueue(item("LMCU0000002", 2)))

	store.started = make(chan struct{})
	store.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = q.Flush(context.Background())
		close(done)
	}()
	<-store.started

	// The buffer refills to capacity before the failed batch comes back.
	require.NoError(t, q.Enqueue(item("LMCU0000003", 3)))
	require.NoError(t, q.Enqueue(item("LMCU0000004", 4)))
	close(store.release)
	<-done

	status := q.Status()
	assert.EqualValues(t, 2, status.DroppedOnRequeue)
	assert.Equal(t, 2, q.Len())
}

func TestBatchQueue_ShutdownFlushesAndCloses(t *testing.T) {
	store := &mockStore{}
	q := newTestQueue(persistence.DefaultConfig(), store)
	q.Start()

	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))

	require.NoError(t, q.Shutdown(context.Background()))

	assert.Equal(t, 1, store.batchCount())
	assert.True(t, store.closed, "store must be closed after shutdown")
	assert.Equal(t, 0, q.Len())
}

func TestBatchQueue_ShutdownReportsFinalFlushFailure(t *testing.T) {
	store := &mockStore{err: errors.New("disk full")}
	q := newTestQueue(persistence.DefaultConfig(), store)
	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))

	err := q.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, store.closed, "store must be closed even when the final flush fails")
	assert.Equal(t, 0, q.Len(), "the final flush does not re-queue")
}

func TestBatchQueue_ScheduledFlushOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := persistence.DefaultConfig()
	store := &mockStore{}
	q := persistence.NewBatchQueue(cfg, store, clock, zerolog.Nop())
	q.Start()
	defer func() { _ = q.Shutdown(context.Background()) }()
	clock.BlockUntil(2) // both worker tickers registered

	require.NoError(t, q.Enqueue(item("LMCU0000001", 1)))

	clock.Advance(cfg.FlushInterval)

	assert.Eventually(t, func() bool { return store.batchCount() == 1 },
		2*time.Second, 10*time.Millisecond, "interval tick should have flushed the buffer")
}
