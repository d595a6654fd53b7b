package stores

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_SaveAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	run := &RunRecord{
		ID:          "run-1",
		Collection:  "tickets",
		LabelField:  "stage",
		Mode:        "reset",
		State:       "writing",
		Seed:        42,
		QuotaDigest: "abc",
		Requested:   10,
		StartedAt:   started,
	}
	cells := []RunCell{
		{Partition: "channel=Reddit", Value: `"Receive"`, Requested: 6, Available: 8, Assigned: 6},
		{Partition: "channel=Reddit", Value: `"Resolve"`, Requested: 4, Available: 2, Assigned: 2, Shortfall: 2},
	}
	require.NoError(t, store.SaveRun(ctx, run, cells))

	// Update with final state; cells are replaced wholesale.
	completed := started.Add(time.Minute)
	errMsg := "partial"
	run.State = "partially_completed"
	run.Outcome = "partially_completed"
	run.Assigned = 8
	run.Shortfall = 2
	run.Error = &errMsg
	run.CompletedAt = &completed
	cells[1].Actual = 2
	cells[1].Delta = -2
	require.NoError(t, store.SaveRun(ctx, run, cells))

	got, gotCells, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "partially_completed", got.State)
	assert.Equal(t, int64(8), got.Assigned)
	assert.Equal(t, uint64(42), got.Seed)
	require.NotNil(t, got.Error)
	assert.Equal(t, "partial", *got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))

	require.Len(t, gotCells, 2)
	assert.Equal(t, "run-1", gotCells[0].RunID)
	assert.Equal(t, int64(-2), gotCells[1].Delta)

	_, _, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SaveRunUpdatesDigestAndKeepsSeed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Runs are first saved before the quota is normalized, so the digest
	// arrives on a later save.
	run := &RunRecord{
		ID:         "run-1",
		Collection: "tickets",
		LabelField: "stage",
		Mode:       "reset",
		State:      "planned",
		Seed:       math.MaxUint64 - 41,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveRun(ctx, run, nil))

	run.State = "completed"
	run.QuotaDigest = "sha256:abc"
	require.NoError(t, store.SaveRun(ctx, run, nil))

	got, _, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", got.QuotaDigest)
	assert.Equal(t, uint64(18446744073709551574), got.Seed)

	runs, err := store.ListRuns(ctx, "tickets", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, uint64(18446744073709551574), runs[0].Seed)
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, coll := range []string{"tickets", "tickets", "orders"} {
		run := &RunRecord{
			ID:         string(rune('a' + i)),
			Collection: coll,
			LabelField: "stage",
			Mode:       "continue",
			State:      "completed",
			StartedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveRun(ctx, run, nil))
	}

	all, err := store.ListRuns(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	tickets, err := store.ListRuns(ctx, "tickets", 10, 0)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)

	page, err := store.ListRuns(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestSQLiteStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRun(ctx, &RunRecord{ID: "r", Collection: "tickets", StartedAt: time.Now()}, nil))

	for _, typ := range []string{"run.started", "cell.shortfall", "run.completed"} {
		ev := &RunEvent{RunID: "r", Level: "info", Type: typ, Message: typ}
		require.NoError(t, store.AppendEvent(ctx, ev))
		assert.NotZero(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	events, err := store.GetEvents(ctx, "r", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "run.started", events[0].Type)
	assert.Equal(t, "run.completed", events[2].Type)
}

func TestSQLiteStore_Locks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx, "tickets/stage", "alice", time.Minute))
	assert.ErrorIs(t, store.AcquireLock(ctx, "tickets/stage", "bob", time.Minute), ErrLockHeld)

	// Re-entrant for the same owner.
	require.NoError(t, store.AcquireLock(ctx, "tickets/stage", "alice", time.Minute))

	// Independent keys do not contend.
	require.NoError(t, store.AcquireLock(ctx, "tickets/priority", "bob", time.Minute))

	require.NoError(t, store.ReleaseLock(ctx, "tickets/stage", "alice"))
	require.NoError(t, store.AcquireLock(ctx, "tickets/stage", "bob", time.Minute))

	// Expired locks are taken over.
	require.NoError(t, store.AcquireLock(ctx, "orders/stage", "alice", -time.Second))
	require.NoError(t, store.AcquireLock(ctx, "orders/stage", "bob", time.Minute))
}

func TestSQLiteStore_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/strata.db"

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, "tickets", []Document{
		{ID: "t1", Fields: map[string]any{"channel": "Reddit"}},
	}))
	require.NoError(t, store.Close())

	// Reopening re-runs migrations as a no-op and keeps the data.
	store, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	doc, err := store.Get(ctx, "tickets", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Reddit", doc.Fields["channel"])
}
