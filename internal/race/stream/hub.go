// Package stream owns the process-wide push connection to the race feed
// and fans incoming events out to subscribers. The connection outlives any
// individual subscriber; tearing down a subscription never tears down the
// transport.
package stream

import (
	"sync"

	"github.com/google/uuid"
	"github.com/racesync/racesync/internal/metrics"
	"github.com/racesync/racesync/internal/race"
	"github.com/rs/zerolog/log"
)

const subscriptionBuffer = 64

// Source is a push event source. Both the websocket listener and the
// JetStream bridge implement it.
type Source interface {
	// Subscribe returns a stream of events limited to the given kinds
	// (all kinds when empty). The underlying connection is established
	// lazily on first use.
	Subscribe(kinds ...race.EventKind) *Subscription

	// NotifyStatus registers a callback invoked with the connection
	// status whenever it changes. The callback also fires immediately
	// with the current status.
	NotifyStatus(fn func(connected bool))

	// Shutdown closes the shared connection. Process exit only.
	Shutdown()
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	id    uuid.UUID
	kinds map[race.EventKind]bool
	ch    chan *race.Event
	hub   *Hub
}

// Events returns the subscription's event channel. It is closed on
// Subscription.Close or hub shutdown.
func (s *Subscription) Events() <-chan *race.Event {
	return s.ch
}

// Close removes this subscription. The shared connection stays up for
// other consumers.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

func (s *Subscription) wants(kind race.EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Hub is the subscriber registry shared by every Source implementation.
// A bare Hub is itself a Source; events handed to Dispatch reach its
// subscribers directly, which suits in-process replay.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uuid.UUID]*Subscription
	statusFns []func(connected bool)
	connected bool
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uuid.UUID]*Subscription),
	}
}

func (h *Hub) add(kinds []race.EventKind) *Subscription {
	sub := &Subscription{
		id:    uuid.New(),
		kinds: make(map[race.EventKind]bool, len(kinds)),
		ch:    make(chan *race.Event, subscriptionBuffer),
		hub:   h,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	log.Debug().
		Str("subscription_id", sub.id.String()).
		Int("total_subscriptions", len(h.subs)).
		Msg("stream subscription added")
	return sub
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
		log.Debug().
			Str("subscription_id", id.String()).
			Int("total_subscriptions", len(h.subs)).
			Msg("stream subscription removed")
	}
}

// Subscribe implements Source.
func (h *Hub) Subscribe(kinds ...race.EventKind) *Subscription {
	return h.add(kinds)
}

// Dispatch fans an event out to every matching subscriber. A subscriber
// that cannot keep up loses the event rather than blocking the reader;
// the reconciler's dirty-triggered refetch recovers the gap.
func (h *Hub) Dispatch(ev *race.Event) {
	metrics.StreamEvent(string(ev.Kind))

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(ev.Kind) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("subscription_id", sub.id.String()).
				Str("kind", string(ev.Kind)).
				Str("race_id", ev.RaceID).
				Msg("subscription buffer full, dropping event")
		}
	}
}

// NotifyStatus implements Source.
func (h *Hub) NotifyStatus(fn func(connected bool)) {
	h.mu.Lock()
	h.statusFns = append(h.statusFns, fn)
	current := h.connected
	h.mu.Unlock()
	fn(current)
}

// SetConnected records a transport status change and notifies the
// registered callbacks.
func (h *Hub) SetConnected(connected bool) {
	h.mu.Lock()
	if h.connected == connected {
		h.mu.Unlock()
		return
	}
	h.connected = connected
	fns := make([]func(bool), len(h.statusFns))
	copy(fns, h.statusFns)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Connected reports the current transport status.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Shutdown implements Source.
func (h *Hub) Shutdown() {
	h.closeAll()
}

// closeAll closes every subscription. Called from Source.Shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
