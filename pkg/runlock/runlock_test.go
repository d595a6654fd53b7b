package runlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/stores"
)

const testKey = "tickets.priority"

// lockerContract checks the behavior every backend shares.
func lockerContract(t *testing.T, locker engine.Locker) {
	t.Helper()
	ctx := context.Background()

	first, err := locker.Lock(ctx, testKey)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, testKey)
	require.ErrorIs(t, err, ErrLocked)

	other, err := locker.Lock(ctx, "tickets.queue")
	require.NoError(t, err, "different keys must not contend")
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, first.Unlock(ctx))

	again, err := locker.Lock(ctx, testKey)
	require.NoError(t, err, "released lock must be available")
	require.NoError(t, again.Unlock(ctx))
}

func TestMemoryLocker(t *testing.T) {
	lockerContract(t, NewMemoryLocker())
}

func TestMemoryLocker_StaleUnlock(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	first, err := l.Lock(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, first.Unlock(ctx))

	second, err := l.Lock(ctx, testKey)
	require.NoError(t, err)

	// A second Unlock of the first lease must not free the second.
	require.NoError(t, first.Unlock(ctx))
	assert.True(t, l.Held(testKey))

	require.NoError(t, second.Unlock(ctx))
	assert.False(t, l.Held(testKey))
}

func TestMemoryLocker_Concurrent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Lock(ctx, testKey); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryLocker_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLocker().Lock(ctx, testKey)
	require.ErrorIs(t, err, context.Canceled)
}

func openHistory(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteLocker(t *testing.T) {
	lockerContract(t, NewSQLiteLocker(openHistory(t), time.Minute))
}

func TestSQLiteLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	store := openHistory(t)

	// A crashed holder stops renewing and its lease runs out.
	require.NoError(t, store.AcquireLock(ctx, testKey, "crashed", time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	lease, err := NewSQLiteLocker(store, time.Minute).Lock(ctx, testKey)
	require.NoError(t, err, "expired lease must be taken over")
	require.NoError(t, lease.Unlock(ctx))
}

func TestSQLiteLocker_RenewsWhileHeld(t *testing.T) {
	ctx := context.Background()
	store := openHistory(t)
	locker := NewSQLiteLocker(store, 50*time.Millisecond)

	lease, err := locker.Lock(ctx, testKey)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	_, err = locker.Lock(ctx, testKey)
	require.ErrorIs(t, err, ErrLocked, "a held lease outlives its ttl")

	select {
	case <-lease.(engine.Lease).Lost():
		t.Fatal("renewal must not fail")
	default:
	}

	require.NoError(t, lease.Unlock(ctx))
	again, err := locker.Lock(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

// failingLeases serves the first acquire and fails every later one.
type failingLeases struct {
	LeaseStore
	calls atomic.Int32
}

func (f *failingLeases) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	if f.calls.Add(1) > 1 {
		return stores.ErrLockHeld
	}
	return f.LeaseStore.AcquireLock(ctx, key, owner, ttl)
}

func TestSQLiteLocker_LostLease(t *testing.T) {
	ctx := context.Background()
	locker := NewSQLiteLocker(&failingLeases{LeaseStore: openHistory(t)}, 30*time.Millisecond)

	unlocker, err := locker.Lock(ctx, testKey)
	require.NoError(t, err)
	lease := unlocker.(engine.Lease)

	select {
	case <-lease.Lost():
	case <-time.After(time.Second):
		t.Fatal("a failed renewal must mark the lease lost")
	}
	require.ErrorIs(t, lease.Err(), ErrLocked)
	require.NoError(t, lease.Unlock(ctx))
}

func startNATS(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)

	go ns.Start()
	ready := ns.ReadyForConnections(5 * time.Second)
	if !ready {
		ns.Shutdown()
	}
	require.True(t, ready, "embedded NATS server not ready")

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestNATSLocker(t *testing.T) {
	js := startNATS(t)
	locker, err := NewNATSLocker(context.Background(), js, "", time.Minute)
	require.NoError(t, err)

	lockerContract(t, locker)
}

func TestNATSLocker_SharedBucket(t *testing.T) {
	ctx := context.Background()
	js := startNATS(t)

	a, err := NewNATSLocker(ctx, js, "runs", time.Minute)
	require.NoError(t, err)
	b, err := NewNATSLocker(ctx, js, "runs", time.Minute)
	require.NoError(t, err, "opening an existing bucket must succeed")

	lease, err := a.Lock(ctx, testKey)
	require.NoError(t, err)

	_, err = b.Lock(ctx, testKey)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lease.Unlock(ctx))
	lease, err = b.Lock(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, lease.Unlock(ctx))
}

func TestNATSLocker_RenewsWhileHeld(t *testing.T) {
	ctx := context.Background()
	js := startNATS(t)
	locker, err := NewNATSLocker(ctx, js, "short", 500*time.Millisecond)
	require.NoError(t, err)

	lease, err := locker.Lock(ctx, testKey)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	_, err = locker.Lock(ctx, testKey)
	require.ErrorIs(t, err, ErrLocked, "a held lease outlives the bucket ttl")

	require.NoError(t, lease.Unlock(ctx))
	again, err := locker.Lock(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestNATSLocker_RunnerIntegration(t *testing.T) {
	ctx := context.Background()
	js := startNATS(t)
	locker, err := NewNATSLocker(ctx, js, "", time.Minute)
	require.NoError(t, err)

	store := stores.NewMemoryStore()
	docs := make([]stores.Document, 10)
	for i := range docs {
		docs[i] = stores.Document{ID: string(rune('a' + i)), Fields: map[string]any{"origin": "Email"}}
	}
	require.NoError(t, store.Insert(ctx, "tickets", docs))

	table := &engine.QuotaTable{
		Collection:      "tickets",
		LabelField:      "priority",
		PartitionFields: []string{"origin"},
		Kind:            engine.KindCounts,
		Allocation:      engine.AllocationOpen,
		Partitions: []engine.PartitionQuota{{
			Key:     engine.PartitionKey{Fields: []string{"origin"}, Values: []any{"Email"}},
			Targets: []engine.Target{engine.CountTarget("P1", 4)},
		}},
	}
	runner := engine.NewRunner(store, engine.WithLocker(locker))

	held, err := locker.Lock(ctx, engine.LockKey("tickets", "priority"))
	require.NoError(t, err)

	_, err = runner.Run(ctx, table, engine.Options{})
	require.Error(t, err)
	assert.True(t, engine.IsLocked(err))

	require.NoError(t, held.Unlock(ctx))

	result, err := runner.Run(ctx, table, engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, result.Outcome())
}

func TestKVKey(t *testing.T) {
	assert.Equal(t, "tickets.priority", kvKey("tickets.priority"))
	assert.Equal(t, "my_tickets.label_x", kvKey("my tickets.label*x"))
}

func TestDialNATS_Unreachable(t *testing.T) {
	_, err := DialNATS(context.Background(), "nats://127.0.0.1:1", "", time.Minute)
	require.Error(t, err)
}
