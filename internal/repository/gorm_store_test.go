package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dbpkg "conversation-agent/internal/db"
	"conversation-agent/internal/domain"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	gormDB, err := dbpkg.OpenGorm("sqlite", filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	store, err := NewGormStore(gormDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewGormStore_NilDB(t *testing.T) {
	_, err := NewGormStore(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestGormStore_TurnLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	id1, err := store.InsertPending(ctx, "U1", "hello", t0)
	require.NoError(t, err)

	n, err := store.SupersedePending(ctx, "U1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	id2, err := store.InsertPending(ctx, "U1", "bye", t0.Add(time.Second))
	require.NoError(t, err)

	ok, err := store.CommitReply(ctx, id1, "too late", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, ok, "superseded turn must not accept a reply")

	ok, err = store.CommitReply(ctx, id2, "see you", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	turns, err := store.RecentHistory(ctx, "U1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, id1, turns[0].ID)
	require.Equal(t, domain.TurnSuperseded, turns[0].Status)
	require.Empty(t, turns[0].Response)
	require.Equal(t, id2, turns[1].ID)
	require.Equal(t, domain.TurnReplied, turns[1].Status)
	require.Equal(t, "see you", turns[1].Response)
	require.NotNil(t, turns[1].UpdatedAt)
}

func TestGormStore_SupersedeStampsStoreClock(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	stamp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return stamp }

	_, err := store.InsertPending(ctx, "U1", "hello", stamp.Add(-time.Minute))
	require.NoError(t, err)
	n, err := store.SupersedePending(ctx, "U1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	turns, err := store.RecentHistory(ctx, "U1", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.NotNil(t, turns[0].UpdatedAt)
	require.True(t, stamp.Equal(*turns[0].UpdatedAt))
}

func TestGormStore_PendingTurnHasNoUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	_, err := store.InsertPending(ctx, "U1", "hello", time.Now())
	require.NoError(t, err)

	turns, err := store.RecentHistory(ctx, "U1", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, domain.TurnPending, turns[0].Status)
	require.Nil(t, turns[0].UpdatedAt)
}

func TestGormStore_RecentHistoryReturnsNewestWindowOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"a", "b", "c", "d"} {
		_, err := store.InsertPending(ctx, "U1", text, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	_, err := store.InsertPending(ctx, "U2", "other user", t0.Add(time.Hour))
	require.NoError(t, err)

	turns, err := store.RecentHistory(ctx, "U1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "b", turns[0].Text)
	require.Equal(t, "c", turns[1].Text)
	require.Equal(t, "d", turns[2].Text)
}

func TestGormStore_ConcurrentCommitAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	id, err := store.InsertPending(ctx, "U1", "hello", time.Now())
	require.NoError(t, err)

	const attempts = 8
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CommitReply(ctx, id, "hi", time.Now())
			if err == nil {
				results <- ok
			}
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	total := 0
	for ok := range results {
		total++
		if ok {
			applied++
		}
	}
	require.Equal(t, attempts, total)
	require.Equal(t, 1, applied)
}

func TestGormStore_CommitErrorMissingTurn(t *testing.T) {
	store := newSQLiteStore(t)
	err := store.CommitError(context.Background(), "missing", "boom", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_MarkCompactingIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	now := time.Now()
	id1, err := store.InsertPending(ctx, "U1", "a", now)
	require.NoError(t, err)
	id2, err := store.InsertPending(ctx, "U1", "b", now.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, store.MarkCompacting(ctx, []string{id1}, now))

	err = store.MarkCompacting(ctx, []string{id1, id2}, now)
	require.ErrorIs(t, err, ErrCompactionInFlight)

	turns, err := store.RecentHistory(ctx, "U1", 10)
	require.NoError(t, err)
	require.NotNil(t, turns[0].CompactionInFlight)
	require.Nil(t, turns[1].CompactionInFlight, "failed mark must not leave partial markers")

	require.NoError(t, store.UnmarkCompacting(ctx, []string{id1}))
	require.NoError(t, store.MarkCompacting(ctx, []string{id1, id2}, now))
}

func TestGormStore_ReplaceBatchKeepsOrdering(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var oldIDs []string
	for i, text := range []string{"a", "b"} {
		id, err := store.InsertPending(ctx, "U1", text, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		oldIDs = append(oldIDs, id)
	}
	keptID, err := store.InsertPending(ctx, "U1", "kept", t0.Add(time.Minute))
	require.NoError(t, err)

	last := t0.Add(time.Second)
	synthetic := []domain.Turn{
		{Text: "summary user 1", Response: "summary 1", Status: domain.TurnReplied, CreatedAt: last, UpdatedAt: &last, Seq: 0},
		{Text: "summary user 2", Response: "summary 2", Status: domain.TurnReplied, CreatedAt: last, UpdatedAt: &last, Seq: 1},
	}
	require.NoError(t, store.ReplaceBatch(ctx, "U1", oldIDs, synthetic))

	turns, err := store.RecentHistory(ctx, "U1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "summary user 1", turns[0].Text)
	require.Equal(t, "summary user 2", turns[1].Text)
	require.Equal(t, keptID, turns[2].ID)
	require.Equal(t, "U1", turns[0].UserID)
	require.NotEmpty(t, turns[0].ID)
}
