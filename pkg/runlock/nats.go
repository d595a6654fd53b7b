package runlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/stratalabel/strata/pkg/engine"
)

// DefaultBucket is the key-value bucket holding run leases.
const DefaultBucket = "strata_locks"

// NATSLocker takes leases in a JetStream key-value bucket. Leases are
// created atomically and expire with the bucket TTL.
type NATSLocker struct {
	kv    jetstream.KeyValue
	ttl   time.Duration
	owner string
	conn  *nats.Conn
}

// NewNATSLocker creates or opens bucket with the given lease TTL.
func NewNATSLocker(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSLocker, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "strata run locks",
		TTL:         ttl,
		History:     1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open lock bucket %s: %w", bucket, err)
	}
	return &NATSLocker{kv: kv, ttl: ttl, owner: "strata"}, nil
}

// DialNATS connects to url and opens the lock bucket. Close releases the
// connection.
func DialNATS(ctx context.Context, url, bucket string, ttl time.Duration) (*NATSLocker, error) {
	nc, err := nats.Connect(url, nats.Name("strata"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	l, err := NewNATSLocker(ctx, js, bucket, ttl)
	if err != nil {
		nc.Close()
		return nil, err
	}
	l.conn = nc
	return l, nil
}

// Lock creates the lease for key or fails with ErrLocked. The lease is
// rewritten before the bucket TTL ages it out, until Unlock.
func (l *NATSLocker) Lock(ctx context.Context, key string) (engine.Unlocker, error) {
	k := kvKey(key)

	revision, err := l.kv.Create(ctx, k, l.value())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("%s: %w", key, ErrLocked)
		}
		return nil, fmt.Errorf("failed to create lock %s: %w", key, err)
	}
	lease := &natsLease{kv: l.kv, key: k, revision: revision}
	lease.renewer = startRenewer(l.ttl, func(ctx context.Context) error {
		return lease.renew(ctx, l.value())
	})
	return lease, nil
}

func (l *NATSLocker) value() []byte {
	return []byte(fmt.Sprintf("%s:%d", l.owner, time.Now().Unix()))
}

// Close closes the connection opened by DialNATS.
func (l *NATSLocker) Close() error {
	if l.conn != nil {
		l.conn.Close()
	}
	return nil
}

type natsLease struct {
	*renewer
	kv  jetstream.KeyValue
	key string

	mu       sync.Mutex
	revision uint64
}

// renew rewrites the lease only if it is still the revision this lease wrote
// last.
func (n *natsLease) renew(ctx context.Context, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	revision, err := n.kv.Update(ctx, n.key, value, n.revision)
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", n.key, err)
	}
	n.revision = revision
	return nil
}

// Unlock deletes the lease only if it is still the revision this lease wrote
// last.
func (n *natsLease) Unlock(ctx context.Context) error {
	n.halt()

	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.kv.Delete(ctx, n.key, jetstream.LastRevision(n.revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete lock %s: %w", n.key, err)
	}
	return nil
}

// kvKey maps a lock key onto the characters JetStream keys allow.
func kvKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '=', r == '/':
			return r
		}
		return '_'
	}, key)
}
