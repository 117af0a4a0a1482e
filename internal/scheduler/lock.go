// Package scheduler runs the periodic jobs of the pricing core under a
// store-backed distributed lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"fleetpricing/internal/store"
)

// DefaultLockTTL bounds how long a crashed worker can hold a job lock.
const DefaultLockTTL = 30 * time.Minute

// LockManager acquires named locks through store transactions, so two
// workers racing for the same job see a serialized decision.
type LockManager struct {
	store    store.Store
	workerID string
}

// NewLockManager builds a lock manager with a process-unique worker id.
func NewLockManager(s store.Store) *LockManager {
	host, _ := os.Hostname()
	return &LockManager{
		store:    s,
		workerID: fmt.Sprintf("%s-%d-%08x", host, os.Getpid(), rand.Uint32()),
	}
}

// WorkerID returns this process's lock owner identity.
func (l *LockManager) WorkerID() string { return l.workerID }

// Acquire takes the named lock unless another worker holds it with an
// unexpired TTL. Returns false when the lock is held elsewhere.
func (l *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	acquired := false
	err := l.store.Transaction(ctx, func(tx store.Tx) error {
		acquired = false
		doc, err := tx.Get(store.ColSchedulerLocks, name)
		if err == nil {
			if expires, ok := doc.Time("expires_at"); ok && expires.After(time.Now()) {
				return nil // held by someone else
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		tx.Put(store.ColSchedulerLocks, name, store.Doc{
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
			"worker_id":   l.workerID,
		})
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return acquired, nil
}

// Release drops the named lock if this worker still owns it. Crashed
// workers simply leave TTL-expired residue behind.
func (l *LockManager) Release(ctx context.Context, name string) error {
	return l.store.Transaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(store.ColSchedulerLocks, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if doc.Str("worker_id") != l.workerID {
			return nil
		}
		tx.Delete(store.ColSchedulerLocks, name)
		return nil
	})
}
