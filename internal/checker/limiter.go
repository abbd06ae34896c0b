package checker

import "sync"

// EndpointLimiter ensures that only one probe per endpoint is running at any
// given time, so state updates for one endpoint never interleave.
type EndpointLimiter struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEndpointLimiter creates a new EndpointLimiter.
func NewEndpointLimiter() *EndpointLimiter {
	return &EndpointLimiter{
		inflight: make(map[string]struct{}),
	}
}

// Acquire attempts to acquire the lock for an endpoint.
// It returns true if the lock was acquired, and false otherwise.
func (l *EndpointLimiter) Acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.inflight[id]; exists {
		return false
	}

	l.inflight[id] = struct{}{}
	return true
}

// Release releases the lock for an endpoint.
func (l *EndpointLimiter) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
}

// Len returns the number of endpoints currently being probed.
func (l *EndpointLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}
