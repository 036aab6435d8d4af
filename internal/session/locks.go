package session

import (
	"context"
	"sync"
	"time"
)

// lockTable hands out one semaphore per session id so operations on
// different sessions never contend. Entries are reference counted and
// dropped once nobody holds or waits on them, keeping the table bounded
// by the number of in-flight operations rather than the number of
// sessions ever seen.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) retain(id string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[id] = entry
	}
	entry.refs++
	return entry
}

func (t *lockTable) release(id string, entry *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 {
		delete(t.entries, id)
	}
}

// acquire blocks up to wait for the session's lock. A zero wait is an
// immediate try. The returned unlock func must be called exactly once.
func (t *lockTable) acquire(ctx context.Context, id string, wait time.Duration) (func(), error) {
	entry := t.retain(id)

	if wait <= 0 {
		select {
		case entry.sem <- struct{}{}:
		default:
			t.release(id, entry)
			return nil, ErrBusy
		}
		return t.unlockFunc(id, entry), nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return t.unlockFunc(id, entry), nil
	case <-timer.C:
		t.release(id, entry)
		return nil, ErrBusy
	case <-ctx.Done():
		t.release(id, entry)
		return nil, ctx.Err()
	}
}

func (t *lockTable) unlockFunc(id string, entry *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			t.release(id, entry)
		})
	}
}
