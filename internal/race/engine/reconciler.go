package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/racesync/racesync/internal/metrics"
	"github.com/racesync/racesync/internal/race"
	"github.com/racesync/racesync/internal/race/winner"
	"github.com/racesync/racesync/internal/raceapi"
	"github.com/rs/zerolog/log"
)

const (
	updateQueueSize  = 128
	subscriberBuffer = 16
)

type updateKind int

const (
	updSnapshot updateKind = iota
	updEvent
	updVoteTotals
	updWinnerResult
	updWinnerUnresolved
	updCandidateMeta
	updOptimisticVote
	updStale
	updFetchFailed
	updSubscribe
	updUnsubscribe
)

// update is one unit of work admitted to a race's ordered queue. All
// mutation of raceState happens by applying updates in admission order.
type update struct {
	kind        updateKind
	snapshot    *race.SnapshotPayload
	event       *race.Event
	voteTotals  []raceapi.VoteTotal
	winner      *race.WinnerRecord
	candidates  []race.Candidate
	candidateID string
	stale       bool
	sub         *subscriber
	subID       uuid.UUID
}

type subscriber struct {
	id uuid.UUID
	ch chan race.View
}

// reconciler owns the canonical state of one race and serializes all
// merges for it through a single goroutine. Cross-race updates proceed in
// parallel; within a race, admission order is apply order.
type reconciler struct {
	raceID string
	svc    *Service

	updates chan update

	// Everything below is touched only by the run goroutine.
	state        raceState
	subs         map[uuid.UUID]*subscriber
	terminal     bool
	winnerCancel context.CancelFunc
	closedAt     int64 // unix nanos of the close transition, for metrics

	// latest is a cached copy of the last emitted view for synchronous
	// reads; it never gates the merge path.
	latestMu  sync.RWMutex
	latest    race.View
	hasLatest bool
}

func newReconciler(svc *Service, raceID string, stale bool) *reconciler {
	r := &reconciler{
		raceID:  raceID,
		svc:     svc,
		updates: make(chan update, updateQueueSize),
		subs:    make(map[uuid.UUID]*subscriber),
	}
	r.state = newRaceState(raceID)
	r.state.stale = stale
	go r.run()
	return r
}

// enqueue admits an update to the race's ordered queue.
func (r *reconciler) enqueue(u update) {
	select {
	case r.updates <- u:
	case <-r.svc.rootCtx.Done():
	}
}

func (r *reconciler) run() {
	for {
		select {
		case <-r.svc.rootCtx.Done():
			r.shutdown()
			return
		case u := <-r.updates:
			r.apply(u)
		}
	}
}

func (r *reconciler) apply(u update) {
	switch u.kind {
	case updSubscribe:
		r.handleSubscribe(u.sub)
		return
	case updUnsubscribe:
		r.handleUnsubscribe(u.subID)
		return
	}

	if r.terminal {
		// Closed with the winner settled: nothing left to merge.
		if u.kind != updStale {
			log.Debug().Str("race_id", r.raceID).Msg("update ignored, race is terminal")
		}
		return
	}

	switch u.kind {
	case updSnapshot:
		r.finish(r.state.applySnapshot(u.snapshot), "snapshot")

	case updEvent:
		r.applyEvent(u.event)

	case updVoteTotals:
		changed := false
		var dirty bool
		for _, vt := range u.voteTotals {
			res := r.state.applyVote(vt.CandidateID, vt.TotalVotes)
			changed = changed || res.changed
			dirty = dirty || res.dirty
			r.scheduleBackfill(res.unknownIDs)
		}
		r.finish(mergeResult{changed: changed, dirty: dirty}, "votes")

	case updWinnerResult:
		r.finish(r.state.applyWinner(u.winner), "winner_fetch")

	case updWinnerUnresolved:
		r.finish(r.state.markWinnerUnresolved(), "winner_fetch")

	case updCandidateMeta:
		r.finish(r.state.applyCandidateMeta(u.candidates), "candidate_meta")

	case updOptimisticVote:
		r.finish(r.state.applyOptimisticVote(u.candidateID), "optimistic_vote")

	case updStale:
		r.finish(r.state.markStale(u.stale), "transport")

	case updFetchFailed:
		r.finish(r.state.markFetchFailed(), "fetch_failure")
	}
}

func (r *reconciler) applyEvent(ev *race.Event) {
	payload, err := race.ParseEventPayload(ev)
	if err != nil {
		log.Error().Err(err).Str("race_id", r.raceID).Str("kind", string(ev.Kind)).Msg("undecodable push event")
		return
	}

	source := string(ev.Kind)
	switch p := payload.(type) {
	case *race.SnapshotPayload:
		r.finish(r.state.applySnapshot(p), source)
	case *race.RoundPayload:
		r.finish(r.state.applyRound(p), source)
	case *race.VotePayload:
		r.finish(r.state.applyVote(p.CandidateID, p.TotalVotes), source)
	case *race.ClosedPayload:
		r.finish(r.state.applyClosed(p.WinnerID), source)
	case *race.WinnerPayload:
		r.finish(r.state.applyWinner(race.WinnerRecordFromPayload(p)), source)
	}
}

// finish handles everything an accepted or rejected merge implies:
// notifications, dirty signals, winner resolution, diagnostics.
func (r *reconciler) finish(res mergeResult, source string) {
	if res.winnerConflict {
		log.Error().
			Str("race_id", r.raceID).
			Str("source", source).
			Msg("conflicting winner discarded, keeping installed record")
	}

	r.scheduleBackfill(res.unknownIDs)

	if res.dirty {
		r.svc.markDirty(r.raceID)
	}
	if res.roundAdvanced && r.state.phase == lifecycleActive {
		// Vote totals are per-round; a round boundary invalidates them.
		r.svc.scheduleVoteSync(r.raceID, r.state.currentRound)
	}

	if res.closedNow {
		r.closedAt = r.svc.clock.Now().UnixNano()
		if r.state.winner == nil {
			r.startWinnerResolution()
		}
	}
	if r.state.winner != nil && r.winnerCancel != nil {
		// The other resolution path lost the race; cancel it.
		r.winnerCancel()
		r.winnerCancel = nil
	}

	if res.rejected {
		metrics.StaleDrop()
		log.Debug().
			Str("race_id", r.raceID).
			Str("source", source).
			Int("held_round", r.state.currentRound).
			Msg("stale update ignored")
	}

	if !res.changed {
		return
	}

	r.state.version++
	metrics.MergeApplied(source)
	if r.state.winner != nil && r.closedAt != 0 {
		elapsed := r.svc.clock.Now().UnixNano() - r.closedAt
		if elapsed > 0 {
			metrics.ObserveWinnerResolution(nanosToDuration(elapsed))
			r.closedAt = 0
		}
	}
	r.emit()
}

// emit delivers the current view to every subscriber and caches it for
// synchronous reads. Intermediate views are dropped when a subscriber
// falls behind; the terminal view is delivered unconditionally, since the
// channel closes right after it.
func (r *reconciler) emit() {
	v := r.state.view()

	r.latestMu.Lock()
	r.latest = v
	r.hasLatest = true
	r.latestMu.Unlock()

	terminal := v.Terminal()
	for _, sub := range r.subs {
		if terminal {
			select {
			case sub.ch <- v:
			case <-r.svc.rootCtx.Done():
			}
			continue
		}
		select {
		case sub.ch <- v:
		default:
			log.Warn().
				Str("race_id", r.raceID).
				Str("subscriber_id", sub.id.String()).
				Msg("subscriber buffer full, dropping view")
		}
	}

	if terminal {
		r.terminal = true
		for id, sub := range r.subs {
			close(sub.ch)
			delete(r.subs, id)
		}
		log.Info().
			Str("race_id", r.raceID).
			Bool("winner_resolved", v.Winner != nil).
			Msg("race reached terminal state")
	}
}

func (r *reconciler) handleSubscribe(sub *subscriber) {
	r.latestMu.RLock()
	v, ok := r.latest, r.hasLatest
	r.latestMu.RUnlock()

	if r.terminal {
		// Late subscriber: replay the terminal view, then end the stream.
		if ok {
			sub.ch <- v
		}
		close(sub.ch)
		return
	}

	r.subs[sub.id] = sub
	if ok {
		sub.ch <- v
	}
}

func (r *reconciler) handleUnsubscribe(id uuid.UUID) {
	if sub, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(sub.ch)
	}
}

// startWinnerResolution races the delayed winner fetch against any
// winnerUpdate event. Whichever lands first wins; finish cancels the
// loser.
func (r *reconciler) startWinnerResolution() {
	wctx, cancel := context.WithCancel(r.svc.rootCtx)
	r.winnerCancel = cancel

	go func() {
		rec, err := r.svc.resolveWinner(wctx, r.raceID)
		switch {
		case err == nil:
			r.enqueue(update{kind: updWinnerResult, winner: rec})
		case errors.Is(err, winner.ErrUnresolved):
			r.enqueue(update{kind: updWinnerUnresolved})
		default:
			// Canceled: the push event path won.
		}
	}()
}

// snapshotView returns the latest emitted view, if any.
func (r *reconciler) snapshotView() (race.View, bool) {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	return r.latest, r.hasLatest
}

func (r *reconciler) shutdown() {
	if r.winnerCancel != nil {
		r.winnerCancel()
	}
	for id, sub := range r.subs {
		close(sub.ch)
		delete(r.subs, id)
	}
}
