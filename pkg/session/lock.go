package session

import (
	"context"
	"slices"
	"sync"
)

// Lease is the exclusive right to run one invocation against a session.
type Lease struct {
	key     string
	release func()
	once    sync.Once
}

func (l *Lease) Key() string { return l.key }

// Release gives the session to the next waiter. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

type keyLock struct {
	waiters []chan struct{}
}

// lockTable is a set of FIFO mutexes keyed by session. An entry exists only
// while the key is held.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

func (t *lockTable) acquire(ctx context.Context, key string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	kl, held := t.locks[key]
	if !held {
		t.locks[key] = &keyLock{}
		t.mu.Unlock()
		return t.lease(key), nil
	}
	turn := make(chan struct{})
	kl.waiters = append(kl.waiters, turn)
	t.mu.Unlock()

	select {
	case <-turn:
		return t.lease(key), nil
	case <-ctx.Done():
		t.mu.Lock()
		if i := slices.Index(kl.waiters, turn); i >= 0 {
			kl.waiters = slices.Delete(kl.waiters, i, i+1)
			t.mu.Unlock()
			return nil, ctx.Err()
		}
		t.mu.Unlock()
		// Ownership was handed over while we were giving up; pass it on.
		t.release(key)
		return nil, ctx.Err()
	}
}

func (t *lockTable) lease(key string) *Lease {
	return &Lease{key: key, release: func() { t.release(key) }}
}

func (t *lockTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kl, ok := t.locks[key]
	if !ok {
		return
	}
	if len(kl.waiters) == 0 {
		delete(t.locks, key)
		return
	}
	next := kl.waiters[0]
	kl.waiters = kl.waiters[1:]
	close(next)
}

func (t *lockTable) held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[key]
	return ok
}
