package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrack/containerflow/pkg/telemetry"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "telemetry.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	_, err := OpenSQLiteStore("", zerolog.Nop())
	require.Error(t, err)
}

func TestSQLiteStore_WriteBatchAndReadBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	items := []QueuedWriteItem{
		{ContainerID: "LMCU0000001", RawBytes: []byte("a"), TimestampMillis: 100, EnqueuedAtMillis: 110},
		{ContainerID: "LMCU0000001", RawBytes: []byte("b"), TimestampMillis: 200, EnqueuedAtMillis: 210},
		{ContainerID: "LMCU0000002", RawBytes: []byte("c"), TimestampMillis: 150, EnqueuedAtMillis: 160},
	}
	inserted, err := store.WriteBatch(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	count, err := store.HistoryCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	rows, err := store.RecentHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Newest first across containers.
	assert.Equal(t, int64(200), rows[0].TimestampMillis)
	assert.Equal(t, int64(150), rows[1].TimestampMillis)
	assert.Equal(t, int64(100), rows[2].TimestampMillis)
}

func TestSQLiteStore_WriteBatchUpsertsOnConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := []QueuedWriteItem{{ContainerID: "LMCU0000001", RawBytes: []byte("old"), TimestampMillis: 100, EnqueuedAtMillis: 110}}
	_, err := store.WriteBatch(ctx, first)
	require.NoError(t, err)

	// Same container and timestamp: the later write wins.
	second := []QueuedWriteItem{{ContainerID: "LMCU0000001", RawBytes: []byte("new"), TimestampMillis: 100, EnqueuedAtMillis: 120}}
	inserted, err := store.WriteBatch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	rows, err := store.RecentHistory(ctx, "LMCU0000001", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("new"), rows[0].Payload)
	assert.Equal(t, int64(120), rows[0].EnqueuedAtMillis)
}

func TestSQLiteStore_WriteBatchEmpty(t *testing.T) {
	store := openTestStore(t)

	inserted, err := store.WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

func TestSQLiteStore_RecentHistoryFilterAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var items []QueuedWriteItem
	for i := int64(1); i <= 5; i++ {
		items = append(items,
			QueuedWriteItem{ContainerID: "LMCU0000001", RawBytes: []byte("x"), TimestampMillis: i * 10},
			QueuedWriteItem{ContainerID: "LMCU0000002", RawBytes: []byte("y"), TimestampMillis: i*10 + 1},
		)
	}
	_, err := store.WriteBatch(ctx, items)
	require.NoError(t, err)

	rows, err := store.RecentHistory(ctx, "LMCU0000001", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, "LMCU0000001", row.ContainerID)
	}
	assert.Equal(t, int64(50), rows[0].TimestampMillis)
	assert.Equal(t, int64(30), rows[2].TimestampMillis)
}

func TestSQLiteStore_ForwardLedgerLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := (&telemetry.ContainerReport{ContainerID: "LMCU1231237", TemperatureC: 17.00}).Document()
	require.NoError(t, store.RecordPending(ctx, "item-1", doc))

	// Journaling the same id again is a no-op, not an error.
	require.NoError(t, store.RecordPending(ctx, "item-1", doc))

	var status string
	var retryCount int
	row := store.db.QueryRow(`SELECT status, retry_count FROM forward_ledger WHERE id = ?`, "item-1")
	require.NoError(t, row.Scan(&status, &retryCount))
	assert.Equal(t, "pending", status)
	assert.Equal(t, 0, retryCount)

	nextRetry := time.Now().Add(5 * time.Second)
	require.NoError(t, store.RecordOutcome(ctx, "item-1", "sent", 3, nextRetry))

	var nextRetryMillis int64
	row = store.db.QueryRow(`SELECT status, retry_count, next_retry_at FROM forward_ledger WHERE id = ?`, "item-1")
	require.NoError(t, row.Scan(&status, &retryCount, &nextRetryMillis))
	assert.Equal(t, "sent", status)
	assert.Equal(t, 3, retryCount)
	assert.Equal(t, nextRetry.UnixMilli(), nextRetryMillis)

	var record string
	row = store.db.QueryRow(`SELECT record FROM forward_ledger WHERE id = ?`, "item-1")
	require.NoError(t, row.Scan(&record))
	assert.Contains(t, record, `"iso6346":"LMCU1231237"`)
	assert.Contains(t, record, `"temperature":"17.00"`)
}
