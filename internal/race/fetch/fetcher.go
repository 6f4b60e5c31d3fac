// Package fetch provides single-flight snapshot retrieval: at most one
// request is in flight per resource key, and a newer request cancels the
// one it supersedes.
package fetch

import (
	"context"
	"sync"

	"github.com/racesync/racesync/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Func performs the underlying retrieval. It must honor ctx cancellation.
type Func func(ctx context.Context) (any, error)

// Outcome is the result of a fetch. Exactly one of the three shapes holds:
// canceled, error, or success with Value set.
type Outcome struct {
	Value    any
	Err      error
	Canceled bool
}

// OK reports a successful fetch whose Value may be used.
func (o Outcome) OK() bool {
	return !o.Canceled && o.Err == nil
}

type flight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Fetcher enforces single-flight-per-key with explicit cancellation.
// The zero value is not usable; call New.
type Fetcher struct {
	mu       sync.Mutex
	inflight map[string]*flight
}

// New creates an empty Fetcher.
func New() *Fetcher {
	return &Fetcher{
		inflight: make(map[string]*flight),
	}
}

// Do runs fn under the given key. If a fetch for the same key is already
// in flight it is canceled and awaited before fn is invoked, so exactly
// one underlying call per key runs at any instant. A fetch canceled by a
// successor (or by ctx) reports Canceled, never Err.
func (f *Fetcher) Do(ctx context.Context, key string, fn Func) Outcome {
	fctx, cancel := context.WithCancel(ctx)
	fl := &flight{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	prev := f.inflight[key]
	f.inflight[key] = fl
	f.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
		metrics.FetchCanceled()
		log.Debug().Str("key", key).Msg("superseded in-flight fetch")
	}

	metrics.FetchStarted()
	value, err := fn(fctx)
	close(fl.done)

	f.mu.Lock()
	if f.inflight[key] == fl {
		delete(f.inflight, key)
	}
	f.mu.Unlock()
	cancel()

	if fctx.Err() != nil {
		// Superseded or the caller went away. Not an error, and the
		// result must never reach the reconciler.
		return Outcome{Canceled: true}
	}
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Value: value}
}

// Cancel aborts any in-flight fetch for the key without starting a new
// one. Used on teardown.
func (f *Fetcher) Cancel(key string) {
	f.mu.Lock()
	fl := f.inflight[key]
	f.mu.Unlock()

	if fl != nil {
		fl.cancel()
		<-fl.done
	}
}

// InFlight reports whether a fetch for the key is currently running.
func (f *Fetcher) InFlight(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inflight[key]
	return ok
}
