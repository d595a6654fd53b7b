package runlock

import (
	"context"
	"sync"
	"time"
)

// renewer extends a lease every third of its TTL until halted. The first
// failed renewal marks the lease lost and stops the loop.
type renewer struct {
	stop chan struct{}
	done chan struct{}
	lost chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// startRenewer starts renewing. A non-positive ttl never expires, so nothing
// is renewed.
func startRenewer(ttl time.Duration, renew func(context.Context) error) *renewer {
	r := &renewer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
		lost: make(chan struct{}),
	}
	go r.loop(ttl/3, renew)
	return r
}

func (r *renewer) loop(interval time.Duration, renew func(context.Context) error) {
	defer close(r.done)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.stop:
			return
		case <-tick:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := renew(ctx)
			cancel()
			if err != nil {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
				close(r.lost)
				return
			}
		}
	}
}

// halt stops renewing and waits for an in-flight renewal.
func (r *renewer) halt() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

// Lost is closed when a renewal fails.
func (r *renewer) Lost() <-chan struct{} { return r.lost }

// Err returns the renewal failure once Lost is closed.
func (r *renewer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
