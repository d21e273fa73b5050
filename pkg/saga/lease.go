// Package saga coordinates multi-step executions: WAL-bracketed dispatch,
// reverse-order compensation, cancellation, and crash recovery.
package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// Lease is the per-execution single-writer lock. Every WAL append for an
// execution happens under its lease; two coordinators can never interleave
// events for the same execution.
type Lease interface {
	// Acquire blocks until the execution lease is held or ctx is done.
	// The returned release function must be called exactly once.
	Acquire(ctx context.Context, tenantID, executionID string) (release func(), err error)
}

// LeaseMap is the in-process Lease, one mutex per live execution. Suited
// to a single coordinator instance; scaled-out deployments use RedisLease.
type LeaseMap struct {
	mu    sync.Mutex
	locks map[string]*leaseEntry
}

type leaseEntry struct {
	ch   chan struct{}
	refs int
}

// NewLeaseMap builds an empty LeaseMap.
func NewLeaseMap() *LeaseMap {
	return &LeaseMap{locks: make(map[string]*leaseEntry)}
}

func (l *LeaseMap) Acquire(ctx context.Context, tenantID, executionID string) (func(), error) {
	key := tenantID + "/" + executionID

	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &leaseEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("lease %s: %w", key, ctx.Err())
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
	}
	return release, nil
}

func (l *LeaseMap) unref(key string, e *leaseEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// withLease runs fn under the execution lease.
func withLease(ctx context.Context, lease Lease, tenantID, executionID string, fn func() error) error {
	release, err := lease.Acquire(ctx, tenantID, executionID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, contracts.ErrTransientInfra)
	}
	defer release()
	return fn()
}

// leaseKey formats the canonical lock name shared by all Lease
// implementations.
func leaseKey(tenantID, executionID string) string {
	return fmt.Sprintf("lease:%s:%s", tenantID, executionID)
}
