package stream

import "sync"

// startOnce is sync.Once plus the ability to ask whether it ran, which
// Shutdown needs to avoid waiting on a loop that never started.
type startOnce struct {
	mu      sync.Mutex
	started bool
}

func (o *startOnce) Do(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		o.started = true
		fn()
	}
}

func (o *startOnce) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}
