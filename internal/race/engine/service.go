// Package engine is the state reconciliation core: it owns the canonical
// in-memory state of every race, merges snapshot results and push events
// under the ordering rules, and exposes a coherent state stream to the
// rest of the application.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/racesync/racesync/internal/metrics"
	"github.com/racesync/racesync/internal/race"
	"github.com/racesync/racesync/internal/race/debounce"
	"github.com/racesync/racesync/internal/race/fetch"
	"github.com/racesync/racesync/internal/race/guard"
	"github.com/racesync/racesync/internal/race/stream"
	"github.com/racesync/racesync/internal/race/winner"
	"github.com/racesync/racesync/internal/raceapi"
	"github.com/rs/zerolog/log"
)

// SnapshotAPI is what the engine needs from the snapshot service client.
type SnapshotAPI interface {
	GetRace(ctx context.Context, raceID string) (*race.SnapshotPayload, error)
	ListRaces(ctx context.Context) ([]race.SnapshotPayload, error)
	GetVotes(ctx context.Context, raceID string, round int) ([]raceapi.VoteTotal, error)
	GetWinner(ctx context.Context, raceID string) (*race.WinnerPayload, error)
	GetParticipants(ctx context.Context, raceID string) ([]raceapi.Participant, error)
	SelectCandidate(ctx context.Context, req raceapi.SelectRequest) error
	CastVote(ctx context.Context, raceID string, req raceapi.VoteRequest) error
	ResolveCandidates(ctx context.Context, ids []string) ([]race.Candidate, error)
}

// Config holds engine timing parameters.
type Config struct {
	DebounceQuiet   time.Duration
	DebounceMaxWait time.Duration

	// SnapshotMaxAttempts bounds each snapshot fetch including retries;
	// SnapshotRetryBackoff is the wait before the second attempt and
	// doubles per attempt after that.
	SnapshotMaxAttempts  int
	SnapshotRetryBackoff time.Duration

	Winner winner.Config
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		DebounceQuiet:        debounce.DefaultQuiet,
		DebounceMaxWait:      debounce.DefaultMaxWait,
		SnapshotMaxAttempts:  3,
		SnapshotRetryBackoff: 500 * time.Millisecond,
		Winner:               winner.DefaultConfig(),
	}
}

// Service wires the fetcher, push source, debouncer, guard and winner
// resolver around the per-race reconcilers.
type Service struct {
	api      SnapshotAPI
	source   stream.Source
	fetcher  *fetch.Fetcher
	debounce *debounce.Debouncer
	guard    *guard.Ledger
	resolver *winner.Resolver
	clock    clockwork.Clock
	config   Config

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu    sync.Mutex
	races map[string]*reconciler
	stale bool // current transport status, seeds new reconcilers
}

// NewService creates an engine service. Call Start before use.
func NewService(api SnapshotAPI, source stream.Source, clock clockwork.Clock, cfg Config) *Service {
	s := &Service{
		api:      api,
		source:   source,
		fetcher:  fetch.New(),
		guard:    guard.NewLedger(),
		resolver: winner.New(clock, cfg.Winner, winnerRetryable),
		clock:    clock,
		config:   cfg,
		races:    make(map[string]*reconciler),
	}
	// The engine lifetime is bound here so reconcilers created before
	// Start still have a live root context.
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.debounce = debounce.New(clock, cfg.DebounceQuiet, cfg.DebounceMaxWait, s.refetch)
	return s
}

// winnerRetryable treats transport transience and the winner settle
// window (404 until published) as retryable.
func winnerRetryable(err error) bool {
	return raceapi.Retryable(err) || errors.Is(err, raceapi.ErrNotFound)
}

// Start subscribes to the push source and begins routing events. It
// returns immediately; the engine runs until Stop.
func (s *Service) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.rootCancel()
		case <-s.rootCtx.Done():
		}
	}()

	sub := s.source.Subscribe(race.AllEventKinds()...)
	s.source.NotifyStatus(func(connected bool) {
		s.broadcastStale(!connected)
	})

	go func() {
		for {
			select {
			case <-s.rootCtx.Done():
				sub.Close()
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				s.getOrCreate(ev.RaceID, ev.Kind != race.EventRaceCreated && ev.Kind != race.EventRaceUpdate).
					enqueue(update{kind: updEvent, event: ev})
			}
		}
	}()

	log.Info().Msg("reconciliation engine started")
}

// Stop tears down the engine. The shared push connection is left to its
// owner; only this engine's subscriptions and timers are released.
func (s *Service) Stop() {
	if s.rootCancel != nil {
		s.rootCancel()
	}
	s.debounce.Stop()
	s.guard.Reset()
	log.Info().Msg("reconciliation engine stopped")
}

// Subscribe yields the reconciled state stream for one race: the current
// view first (once known), then every accepted merge, ending with one
// terminal value when the race closes and the winner settles. The
// returned func unsubscribes; it is safe to call more than once.
func (s *Service) Subscribe(raceID string) (<-chan race.View, func()) {
	rec := s.getOrCreate(raceID, true)
	sub := &subscriber{id: uuid.New(), ch: make(chan race.View, subscriberBuffer)}
	rec.enqueue(update{kind: updSubscribe, sub: sub})
	metrics.SubscriberAdded()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			rec.enqueue(update{kind: updUnsubscribe, subID: sub.id})
			metrics.SubscriberRemoved()
		})
	}
	return sub.ch, cancel
}

// Snapshot returns the latest reconciled view of a race, if the engine
// has one.
func (s *Service) Snapshot(raceID string) (race.View, bool) {
	s.mu.Lock()
	rec, ok := s.races[raceID]
	s.mu.Unlock()
	if !ok {
		return race.View{}, false
	}
	return rec.snapshotView()
}

// Races lists all races from the snapshot service and seeds reconcilers
// for them.
func (s *Service) Races(ctx context.Context) ([]race.View, error) {
	snaps, err := s.api.ListRaces(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]race.View, 0, len(snaps))
	for i := range snaps {
		snap := snaps[i]
		rec := s.getOrCreate(snap.RaceID, false)
		rec.enqueue(update{kind: updSnapshot, snapshot: &snap})
		views = append(views, race.View{
			RaceID:       snap.RaceID,
			Status:       snap.Status,
			CurrentRound: snap.CurrentRound,
			RoundEndTime: snap.RoundEndTime,
			CreatedAt:    snap.CreatedAt,
			Candidates:   snap.Candidates,
		})
	}
	return views, nil
}

// TrySelect registers wallet's candidate pick for round one of a race.
// The ledger enforces one action per (wallet, race, round) before the
// server is even asked; the server stays authoritative.
func (s *Service) TrySelect(ctx context.Context, raceID, wallet, candidateID string) error {
	view, ok := s.Snapshot(raceID)
	if !ok {
		return ErrUnknownRace
	}
	if view.Status == race.StatusClosed {
		return ErrRaceClosed
	}
	if view.CurrentRound != 1 {
		return ErrSelectionWindowClosed
	}

	round := view.CurrentRound
	if err := s.guard.TryAct(wallet, raceID, round); err != nil {
		return err
	}

	err := s.api.SelectCandidate(ctx, raceapi.SelectRequest{
		RaceID:        raceID,
		WalletAddress: wallet,
		CandidateID:   candidateID,
	})
	if err != nil {
		if errors.Is(err, raceapi.ErrDuplicateAction) {
			// The server knew first; keep the reservation.
			return guard.ErrAlreadyActed
		}
		s.guard.Release(wallet, raceID, round)
		return err
	}

	s.markDirty(raceID)
	return nil
}

// TryVote casts wallet's vote in the current voting round. The local
// count is bumped optimistically; the next authoritative total corrects
// it.
func (s *Service) TryVote(ctx context.Context, raceID, wallet, candidateID string) error {
	view, ok := s.Snapshot(raceID)
	if !ok {
		return ErrUnknownRace
	}
	if view.Status == race.StatusClosed {
		return ErrRaceClosed
	}
	if view.CurrentRound < 2 {
		return ErrVotingNotOpen
	}

	round := view.CurrentRound
	if err := s.guard.TryAct(wallet, raceID, round); err != nil {
		return err
	}

	err := s.api.CastVote(ctx, raceID, raceapi.VoteRequest{
		WalletAddress: wallet,
		CandidateID:   candidateID,
	})
	if err != nil {
		if errors.Is(err, raceapi.ErrDuplicateAction) {
			return guard.ErrAlreadyActed
		}
		s.guard.Release(wallet, raceID, round)
		return err
	}

	rec := s.getOrCreate(raceID, false)
	rec.enqueue(update{kind: updOptimisticVote, candidateID: candidateID})
	s.markDirty(raceID)
	return nil
}

// WarmSelection seeds the guard from the participants endpoint, so a
// wallet that already picked in a previous session is refused locally.
func (s *Service) WarmSelection(ctx context.Context, raceID, wallet string) error {
	if wallet == "" {
		return guard.ErrMissingIdentity
	}
	participants, err := s.api.GetParticipants(ctx, raceID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.WalletAddress == wallet {
			s.guard.MarkActed(wallet, raceID, 1)
			break
		}
	}
	return nil
}

// SyncVotes folds the per-round absolute vote totals into the race state.
func (s *Service) SyncVotes(ctx context.Context, raceID string, round int) error {
	outcome := s.fetcher.Do(ctx, "votes:"+raceID, func(fctx context.Context) (any, error) {
		return s.api.GetVotes(fctx, raceID, round)
	})
	if outcome.Canceled {
		return nil
	}
	if outcome.Err != nil {
		return outcome.Err
	}

	rec := s.getOrCreate(raceID, false)
	rec.enqueue(update{kind: updVoteTotals, voteTotals: outcome.Value.([]raceapi.VoteTotal)})
	return nil
}

// getOrCreate returns the reconciler for a race, creating it (and,
// optionally, triggering its initial snapshot fetch) on first sight.
func (s *Service) getOrCreate(raceID string, initialFetch bool) *reconciler {
	s.mu.Lock()
	rec, ok := s.races[raceID]
	if !ok {
		rec = newReconciler(s, raceID, s.stale)
		s.races[raceID] = rec
	}
	s.mu.Unlock()

	if !ok && initialFetch {
		go s.refetch("race:" + raceID)
	}
	return rec
}

// markDirty schedules a debounced snapshot refetch for a race.
func (s *Service) markDirty(raceID string) {
	s.debounce.Signal("race:" + raceID)
}

// scheduleVoteSync refreshes vote totals after a round boundary.
func (s *Service) scheduleVoteSync(raceID string, round int) {
	go func() {
		if err := s.SyncVotes(s.rootCtx, raceID, round); err != nil {
			log.Warn().Err(err).Str("race_id", raceID).Int("round", round).Msg("vote sync failed")
		}
	}()
}

// scheduleBackfill resolves display metadata for candidates first seen as
// bare ids. Invoked from the reconciler goroutine.
func (r *reconciler) scheduleBackfill(ids []string) {
	if len(ids) == 0 {
		return
	}
	s := r.svc
	go func() {
		outcome := s.fetcher.Do(s.rootCtx, "candidates:"+r.raceID, func(fctx context.Context) (any, error) {
			return s.api.ResolveCandidates(fctx, ids)
		})
		if !outcome.OK() {
			if outcome.Err != nil {
				log.Warn().Err(outcome.Err).Str("race_id", r.raceID).Msg("candidate backfill failed")
			}
			return
		}
		r.enqueue(update{kind: updCandidateMeta, candidates: outcome.Value.([]race.Candidate)})
	}()
}

// refetch performs the debounced (or initial) snapshot fetch for a key of
// the form "race:<id>", retrying transient failures with doubling backoff.
// Canceled outcomes never reach the reconciler. Exhaustion flags the race
// unavailable; a later successful fetch restores the transport's stale
// status.
func (s *Service) refetch(key string) {
	raceID := key[len("race:"):]

	backoff := s.config.SnapshotRetryBackoff
	for attempt := 1; ; attempt++ {
		outcome := s.fetcher.Do(s.rootCtx, key, func(fctx context.Context) (any, error) {
			return s.api.GetRace(fctx, raceID)
		})
		if outcome.Canceled {
			return
		}
		if outcome.Err == nil {
			rec := s.getOrCreate(raceID, false)
			rec.enqueue(update{kind: updSnapshot, snapshot: outcome.Value.(*race.SnapshotPayload)})
			rec.enqueue(update{kind: updStale, stale: s.transportStale()})
			return
		}

		if attempt >= s.config.SnapshotMaxAttempts || !raceapi.Retryable(outcome.Err) {
			log.Error().
				Err(outcome.Err).
				Str("race_id", raceID).
				Int("attempts", attempt).
				Msg("snapshot fetch exhausted, flagging race unavailable")
			s.getOrCreate(raceID, false).enqueue(update{kind: updFetchFailed})
			return
		}

		log.Warn().
			Err(outcome.Err).
			Str("race_id", raceID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("snapshot fetch failed, retrying")
		if !s.sleep(backoff) {
			return
		}
		backoff *= 2
	}
}

// sleep waits on the engine clock, bailing out when the engine stops.
func (s *Service) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.rootCtx.Err() == nil
	}
	timer := s.clock.NewTimer(d)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
	}()
	select {
	case <-timer.Chan():
		return true
	case <-s.rootCtx.Done():
		return false
	}
}

// transportStale reports the current push transport status as a stale
// flag.
func (s *Service) transportStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// resolveWinner runs the delayed winner fetch through the cancellable
// fetcher so a winnerUpdate event can abort it mid-flight.
func (s *Service) resolveWinner(ctx context.Context, raceID string) (*race.WinnerRecord, error) {
	return s.resolver.Run(ctx, raceID, func(fctx context.Context) (*race.WinnerRecord, error) {
		outcome := s.fetcher.Do(fctx, "winner:"+raceID, func(c context.Context) (any, error) {
			return s.api.GetWinner(c, raceID)
		})
		if outcome.Canceled {
			return nil, context.Canceled
		}
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return race.WinnerRecordFromPayload(outcome.Value.(*race.WinnerPayload)), nil
	})
}

// broadcastStale flags every race while the push transport is down.
func (s *Service) broadcastStale(stale bool) {
	s.mu.Lock()
	s.stale = stale
	recs := make([]*reconciler, 0, len(s.races))
	for _, rec := range s.races {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	if stale {
		log.Warn().Msg("push transport down, views may be stale")
	} else {
		log.Info().Msg("push transport up")
	}
	for _, rec := range recs {
		rec.enqueue(update{kind: updStale, stale: stale})
	}
}

func nanosToDuration(n int64) time.Duration {
	return time.Duration(n)
}
