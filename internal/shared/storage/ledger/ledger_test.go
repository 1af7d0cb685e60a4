package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launch-agent/internal/shared/storage"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_BeginCountsAttempts(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	e, err := l.Begin(ctx, "item-1", "default")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)

	require.NoError(t, l.MarkFailed(ctx, "item-1", "boom"))
	e, err = l.Begin(ctx, "item-1", "default")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "boom", e.Error)
}

func TestLedger_DispatchedIsSticky(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	_, err := l.Begin(ctx, "item-1", "default")
	require.NoError(t, err)
	require.NoError(t, l.MarkDispatched(ctx, "item-1", "run-abc", "local-process", "4242"))

	// 重新投递：记录不变
	e, err := l.Begin(ctx, "item-1", "default")
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "run-abc", e.RunID)
	assert.Equal(t, "4242", e.JobID)
	assert.False(t, e.CreatedAt.IsZero())

	err = l.MarkFailed(ctx, "item-1", "late failure")
	assert.True(t, errors.Is(err, storage.ErrConflict))
}

func TestLedger_GetMissing(t *testing.T) {
	_, err := openTest(t).Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = openTest(t).MarkDispatched(context.Background(), "nope", "r", "b", "j")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestLedger_PruneAndCounts(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Begin(ctx, id, "default")
		require.NoError(t, err)
	}
	require.NoError(t, l.MarkDispatched(ctx, "a", "r1", "docker", "c1"))
	require.NoError(t, l.MarkFailed(ctx, "b", "bad"))

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusDispatched: 1, StatusFailed: 1, StatusPending: 1}, counts)

	n, err := l.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLedger_FileDSN(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "nested", "ledger.db")
	l, err := Open(dsn)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Begin(context.Background(), "x", "q")
	require.NoError(t, err)
}
