package snapshot

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, openTestDB(t))
	require.NoError(t, err)

	d := validDraft()
	d.Deviation = &Deviation{Severity: SeverityHigh, Reason: "output drift", Kind: "deviation"}
	snap, err := store.Create(ctx, d)
	require.NoError(t, err)

	got, err := store.GetByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, snap.Signature, got.Signature)
	assert.Equal(t, snap.Input, got.Input)
	assert.True(t, got.ComplianceVerified)
	require.NotNil(t, got.Deviation)
	assert.Equal(t, SeverityHigh, got.Deviation.Severity)
	assert.Equal(t, snap.ID, got.Deviation.SnapshotID)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreQueryAndStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	store.WithClock(func() time.Time {
		i++
		return now.Add(time.Duration(i) * time.Minute)
	})

	var ids []string
	for n := 0; n < 3; n++ {
		snap, err := store.Create(ctx, validDraft())
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	got, err := store.Query(ctx, QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.Positive(t, st.Bytes)
	assert.Equal(t, now.Add(time.Minute), st.Oldest)
	assert.Equal(t, now.Add(3*time.Minute), st.Newest)

	// sequence survives a reopen against the same database
	reopened, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	next, err := reopened.Create(ctx, validDraft())
	require.NoError(t, err)
	assert.Less(t, ids[2], next.ID)
}

func TestSQLiteStoreCleanup(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, openTestDB(t))
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	store.WithClock(func() time.Time {
		i++
		return now.Add(time.Duration(i) * time.Hour)
	})

	var ids []string
	for n := 0; n < 3; n++ {
		snap, err := store.Create(ctx, validDraft())
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	arch := &fakeArchiver{}
	store.SetArchiver(arch)

	cutoff := now.Add(2*time.Hour + time.Minute)
	removed, err := store.Cleanup(ctx, cutoff, map[string]bool{ids[0]: true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{ids[1]}, arch.archived)

	_, err = store.GetByID(ctx, ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetByID(ctx, ids[0])
	assert.NoError(t, err)
}
