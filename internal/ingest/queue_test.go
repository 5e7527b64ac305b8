package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

func envelope(id string) Envelope {
	return Envelope{ID: id, Body: json.RawMessage(`{"n":1}`), ReceivedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

// exerciseQueue checks FIFO order, capacity and blocking dequeue.
func exerciseQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.False(t, q.TryEnqueue(Envelope{ID: "missing-body"}))
	require.True(t, q.TryEnqueue(envelope("a")))
	require.True(t, q.Enqueue(ctx, envelope("b")))
	assert.False(t, q.TryEnqueue(envelope("c")), "queue is at capacity")
	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, 2, q.Capacity())

	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", first.ID)
	assert.JSONEq(t, `{"n":1}`, string(first.Body))
	second, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", second.ID)

	short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
	defer stop()
	_, ok = q.Dequeue(short)
	assert.False(t, ok)
}

func TestInMemoryQueue(t *testing.T) {
	exerciseQueue(t, NewInMemoryQueue(2))
}

func TestFileQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "ingest.json")
	q, err := NewFileQueue(path, 2)
	require.NoError(t, err)
	exerciseQueue(t, q)
}

func TestFileQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.json")
	q, err := NewFileQueue(path, 4)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(envelope("a")))
	require.True(t, q.TryEnqueue(envelope("b")))
	require.NoError(t, q.Close())

	reopened, err := NewFileQueue(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())
	e, ok := reopened.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", e.ID)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = NewFileQueue(path, 4)
	assert.Error(t, err)
}

func TestRedisQueue(t *testing.T) {
	srv := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://"+srv.Addr()+"/0?key=test:queue", 2)
	require.NoError(t, err)
	defer q.Close()
	exerciseQueue(t, q)
	assert.False(t, srv.Exists("test:queue"))
}

func TestBuildQueueFromDSN(t *testing.T) {
	q, err := BuildQueueFromDSN("", 8)
	require.NoError(t, err)
	assert.Equal(t, 8, q.Capacity())

	q, err = BuildQueueFromDSN("memory://", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Capacity())

	path := filepath.Join(t.TempDir(), "q.json")
	q, err = BuildQueueFromDSN("file://"+path, 0)
	require.NoError(t, err)
	assert.IsType(t, &fileQueue{}, q)

	q, err = BuildQueueFromDSN(filepath.Join(t.TempDir(), "bare.json"), 0)
	require.NoError(t, err)
	assert.IsType(t, &fileQueue{}, q)

	q, err = BuildQueueFromDSN("postgres://localhost/cumulus?sslmode=disable", 0)
	require.NoError(t, err)
	assert.IsType(t, &PostgresQueue{}, q)

	_, err = BuildQueueFromDSN("sqs://queue", 0)
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = BuildQueueFromDSN("gopher://queue", 0)
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)
}

func TestPostgresQueueIntegration(t *testing.T) {
	dsn := os.Getenv("CUMULUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CUMULUS_TEST_POSTGRES_DSN not set")
	}
	q, err := NewPostgresQueue(dsn, 2)
	require.NoError(t, err)
	q.tableName = "cumulus_ingest_queue_test_" + time.Now().UTC().Format("150405")
	defer func() {
		if q.db != nil {
			_, _ = q.db.Exec("DROP TABLE IF EXISTS " + quoteIdentifier(q.tableName))
		}
		_ = q.Close()
	}()
	exerciseQueue(t, q)
}
