package contextdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ctx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(agent, session string, age time.Duration) domain.ContextRecord {
	now := time.Now().Add(-age)
	return domain.ContextRecord{
		Agent:     agent,
		SessionID: session,
		Data:      map[string]any{"step": "analysis", "progress": 0.5},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("debugger", "s1", 0)))

	got, err := store.Get(ctx, "debugger", "s1")
	require.NoError(t, err)
	assert.Equal(t, "debugger", got.Agent)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "analysis", got.Data["step"])
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nobody", "s1")
	assert.ErrorIs(t, err, domain.ErrContextNotFound)
}

func TestPutUpsertRefreshesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := record("debugger", "s1", time.Hour)
	require.NoError(t, store.Put(ctx, first))

	// A re-save carries a fresh CreatedAt; the row must take it, since
	// created_at is what expiry and DeleteOlderThan sweep on.
	second := first
	second.Data = map[string]any{"step": "fixing"}
	second.CreatedAt = time.Now()
	second.UpdatedAt = second.CreatedAt
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, "debugger", "s1")
	require.NoError(t, err)
	assert.Equal(t, "fixing", got.Data["step"])
	assert.WithinDuration(t, second.CreatedAt, got.CreatedAt, time.Second)

	// The refreshed row survives a sweep that would have caught the original.
	n, err := store.DeleteOlderThan(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("debugger", "s1", 0)))
	require.NoError(t, store.Delete(ctx, "debugger", "s1"))

	_, err := store.Get(ctx, "debugger", "s1")
	assert.ErrorIs(t, err, domain.ErrContextNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "debugger", "s1"), domain.ErrContextNotFound)
}

func TestDeleteOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("old", "s1", 48*time.Hour)))
	require.NoError(t, store.Put(ctx, record("older", "s1", 72*time.Hour)))
	require.NoError(t, store.Put(ctx, record("fresh", "s1", 0)))

	n, err := store.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "fresh", "s1")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "old", "s1")
	assert.ErrorIs(t, err, domain.ErrContextNotFound)
}

func TestListSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, record("debugger", "s1", 0)))
	require.NoError(t, store.Put(ctx, record("auditor", "s1", 0)))
	require.NoError(t, store.Put(ctx, record("debugger", "s2", 0)))

	recs, err := store.ListSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Ordered by agent name.
	assert.Equal(t, "auditor", recs[0].Agent)
	assert.Equal(t, "debugger", recs[1].Agent)

	empty, err := store.ListSession(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
