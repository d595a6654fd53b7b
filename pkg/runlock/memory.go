package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stratalabel/strata/pkg/engine"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("runlock: lock held by another run")

var (
	_ engine.Locker = (*MemoryLocker)(nil)
	_ engine.Locker = (*SQLiteLocker)(nil)
	_ engine.Locker = (*NATSLocker)(nil)

	_ engine.Lease = (*sqliteLease)(nil)
	_ engine.Lease = (*natsLease)(nil)
)

// MemoryLocker is an in-process locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]uint64)}
}

// Lock takes key or fails with ErrLocked.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (engine.Unlocker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLocked)
	}
	l.next++
	l.held[key] = l.next
	return &memoryLease{locker: l, key: key, token: l.next}, nil
}

// Held reports whether key is locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (m *memoryLease) Unlock(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if m.locker.held[m.key] == m.token {
		delete(m.locker.held, m.key)
	}
	return nil
}
