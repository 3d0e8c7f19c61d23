// Package locker serialises work on the same products across goroutines or,
// with the redis backend, across processes.
package locker

import (
	"context"
	"slices"
	"sync"
)

// Locker acquires every key or none. The returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// normalizeKeys sorts and dedups keys so that two callers locking overlapping
// sets always take them in the same order.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex.
type Local struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*keyEntry)}
}

func (l *Local) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, key := range keys {
		entry := l.ref(key)
		select {
		case entry.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			releaseHeld()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

func (l *Local) ref(key string) *keyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &keyEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) unlock(key string) {
	l.mu.Lock()
	entry := l.entries[key]
	l.mu.Unlock()
	if entry != nil {
		<-entry.sem
	}
	l.unref(key)
}
