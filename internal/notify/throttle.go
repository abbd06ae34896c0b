package notify

import (
	"context"
	"sync"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// Throttle limits how often one endpoint may notify. Recoveries always pass.
// The check-and-set runs under a per-endpoint lock and is backed by a
// conditional update in the store, so concurrent callers in this process and
// in others sharing the store cannot both win the same window.
type Throttle struct {
	store        storage.Storer
	defaultEvery time.Duration
	locks        *keyedMutex
}

// NewThrottle creates a Throttle. defaultEvery applies while the stored
// settings carry no notify_every_minutes.
func NewThrottle(store storage.Storer, defaultEvery time.Duration) *Throttle {
	return &Throttle{store: store, defaultEvery: defaultEvery, locks: newKeyedMutex()}
}

// Allow reports whether an event of the given kind may be dispatched now, and
// if so stamps last_notified.
func (t *Throttle) Allow(ctx context.Context, endpointID string, kind models.EventKind, now time.Time) (bool, error) {
	unlock := t.locks.Lock(endpointID)
	defer unlock()

	force := kind == models.EventRecovered
	return t.store.ClaimNotification(ctx, endpointID, now, t.window(ctx), force)
}

func (t *Throttle) window(ctx context.Context) time.Duration {
	settings, err := t.store.GetSettings(ctx)
	if err != nil || settings.NotifyEveryMinutes <= 0 {
		return t.defaultEvery
	}
	return settings.NotifyEvery()
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
