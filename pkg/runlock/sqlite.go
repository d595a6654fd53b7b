package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/stores"
)

// LeaseStore persists lock leases. *stores.SQLiteStore implements it.
type LeaseStore interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, owner string) error
}

// SQLiteLocker takes leases in the run history database.
type SQLiteLocker struct {
	store LeaseStore
	ttl   time.Duration
}

// NewSQLiteLocker creates a locker over store. Leases expire after ttl.
func NewSQLiteLocker(store LeaseStore, ttl time.Duration) *SQLiteLocker {
	return &SQLiteLocker{store: store, ttl: ttl}
}

// Lock takes a lease on key under a fresh owner id. The lease is renewed
// until Unlock; a failed renewal closes its Lost channel.
func (l *SQLiteLocker) Lock(ctx context.Context, key string) (engine.Unlocker, error) {
	owner := uuid.NewString()
	if err := l.acquire(ctx, key, owner); err != nil {
		return nil, err
	}
	lease := &sqliteLease{store: l.store, key: key, owner: owner}
	lease.renewer = startRenewer(l.ttl, func(ctx context.Context) error {
		return l.acquire(ctx, key, owner)
	})
	return lease, nil
}

func (l *SQLiteLocker) acquire(ctx context.Context, key, owner string) error {
	if err := l.store.AcquireLock(ctx, key, owner, l.ttl); err != nil {
		if errors.Is(err, stores.ErrLockHeld) {
			return fmt.Errorf("%s: %w", key, ErrLocked)
		}
		return err
	}
	return nil
}

type sqliteLease struct {
	*renewer
	store LeaseStore
	key   string
	owner string
}

func (s *sqliteLease) Unlock(ctx context.Context) error {
	s.halt()
	return s.store.ReleaseLock(ctx, s.key, s.owner)
}
