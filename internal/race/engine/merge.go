package engine

import (
	"time"

	"github.com/racesync/racesync/internal/race"
)

// lifecycle is the reconciler's per-race state machine.
type lifecycle int

const (
	lifecycleUninitialized lifecycle = iota
	lifecycleActive
	lifecycleClosed
)

// raceState is the canonical in-memory representation of one race. It is
// owned exclusively by that race's reconciler goroutine; every mutation
// goes through the merge methods below.
type raceState struct {
	phase        lifecycle
	raceID       string
	status       race.Status
	currentRound int
	roundEndTime time.Time
	createdAt    time.Time
	candidates   []race.Candidate
	index        map[string]int // candidate id -> candidates slice index
	winner       *race.WinnerRecord
	winnerLost   bool // winner resolution exhausted
	stale        bool // push transport down
	version      uint64
}

// mergeResult describes what a merge did, so the reconciler knows what to
// emit and what follow-up work to schedule.
type mergeResult struct {
	changed        bool     // state changed; emit one notification
	rejected       bool     // dropped as stale; diagnostic only
	dirty          bool     // schedule a debounced snapshot refetch
	closedNow      bool     // this merge performed the Active -> Closed transition
	roundAdvanced  bool     // currentRound moved forward
	winnerConflict bool     // a second, different winner was offered
	unknownIDs     []string // candidate ids seen without metadata
}

func newRaceState(raceID string) raceState {
	return raceState{
		raceID: raceID,
		index:  make(map[string]int),
	}
}

// applySnapshot merges a full race document. Snapshots are authoritative
// for every field, with one exception: they never roll back a round a
// push event already advanced. A snapshot carrying an older round still
// contributes candidate metadata.
func (s *raceState) applySnapshot(p *race.SnapshotPayload) mergeResult {
	var res mergeResult

	if s.phase == lifecycleClosed {
		res.changed = s.backfillClosed(p)
		res.rejected = !res.changed
		return res
	}

	if s.phase == lifecycleUninitialized {
		s.phase = lifecycleActive
		s.status = race.StatusActive
		res.changed = true
	}

	if !p.CreatedAt.IsZero() {
		s.createdAt = p.CreatedAt
	}

	if p.CurrentRound < s.currentRound {
		// Stale round: keep counters and round, merge display metadata.
		if s.mergeMetadata(p.Candidates) {
			res.changed = true
		} else if !res.changed {
			res.rejected = true
		}
		return res
	}

	res.roundAdvanced = p.CurrentRound > s.currentRound
	if res.roundAdvanced {
		s.currentRound = p.CurrentRound
	}
	if !p.RoundEndTime.IsZero() && !p.RoundEndTime.Equal(s.roundEndTime) {
		s.roundEndTime = p.RoundEndTime
	}

	for _, in := range p.Candidates {
		idx, ok := s.index[in.ID]
		if !ok {
			s.addCandidate(in)
			continue
		}
		c := &s.candidates[idx]
		if in.Name != "" {
			c.Name = in.Name
		}
		if in.MediaURL != "" {
			c.MediaURL = in.MediaURL
		}
		c.VoteCount = in.VoteCount
		if res.roundAdvanced {
			c.Progress = in.Progress
		} else {
			// Display contract: progress never regresses within a round.
			c.Progress = maxFloat(c.Progress, in.Progress)
		}
	}
	res.changed = true

	if p.Status == race.StatusClosed {
		s.close()
		res.closedNow = true
	}
	return res
}

// applyRound merges a round update. Round updates are authoritative for
// progress; a roundNumber behind the held round is stale and dropped. An
// accepted round update is necessarily partial, so it marks the race
// dirty for a snapshot refetch.
func (s *raceState) applyRound(p *race.RoundPayload) mergeResult {
	var res mergeResult

	if s.phase == lifecycleClosed {
		res.rejected = true
		return res
	}
	if s.phase == lifecycleUninitialized {
		// No base state to merge into; fetch the snapshot instead.
		res.dirty = true
		res.rejected = true
		return res
	}
	if p.RoundNumber < s.currentRound {
		res.rejected = true
		return res
	}

	res.roundAdvanced = p.RoundNumber > s.currentRound
	if res.roundAdvanced {
		s.currentRound = p.RoundNumber
	}

	for _, d := range p.Progress {
		idx, ok := s.index[d.CandidateID]
		if !ok {
			idx = s.addCandidate(race.Candidate{ID: d.CandidateID, Progress: d.Progress})
			res.unknownIDs = append(res.unknownIDs, d.CandidateID)
			continue
		}
		c := &s.candidates[idx]
		if res.roundAdvanced {
			// Round boundary: authoritative reset or jump.
			c.Progress = d.Progress
		} else {
			c.Progress = maxFloat(c.Progress, d.Progress)
		}
	}

	res.changed = true
	res.dirty = true

	if p.WinnerID != "" {
		s.close()
		s.installLocalWinner(p.WinnerID)
		res.closedNow = true
	}
	return res
}

// applyVote merges an absolute per-candidate vote total. Absolute counts
// make duplicates idempotent: reapplying the same total changes nothing
// and emits nothing.
func (s *raceState) applyVote(candidateID string, totalVotes int) mergeResult {
	var res mergeResult

	if s.phase == lifecycleClosed {
		res.rejected = true
		return res
	}
	if s.phase == lifecycleUninitialized {
		res.dirty = true
		res.rejected = true
		return res
	}

	idx, ok := s.index[candidateID]
	if !ok {
		s.addCandidate(race.Candidate{ID: candidateID, VoteCount: totalVotes})
		res.unknownIDs = append(res.unknownIDs, candidateID)
		res.changed = true
		res.dirty = true
		return res
	}

	c := &s.candidates[idx]
	if c.VoteCount == totalVotes {
		return res
	}
	c.VoteCount = totalVotes
	res.changed = true
	return res
}

// applyOptimisticVote bumps a candidate's count locally right after a
// successful cast, ahead of server confirmation. The next authoritative
// total overwrites it.
func (s *raceState) applyOptimisticVote(candidateID string) mergeResult {
	var res mergeResult
	idx, ok := s.index[candidateID]
	if !ok || s.phase != lifecycleActive {
		return res
	}
	s.candidates[idx].VoteCount++
	res.changed = true
	return res
}

// applyClosed merges a close signal. The winner may be unknown at this
// point; closure and winner installation are independent steps.
func (s *raceState) applyClosed(winnerID string) mergeResult {
	var res mergeResult

	if s.phase == lifecycleClosed {
		if winnerID != "" && s.winner == nil {
			s.installLocalWinner(winnerID)
			res.changed = s.winner != nil
		}
		if !res.changed {
			res.rejected = true
		}
		return res
	}

	if s.phase == lifecycleUninitialized {
		// Closed before we ever saw the race; a snapshot fetch fills in
		// the rest.
		res.dirty = true
	}
	s.close()
	if winnerID != "" {
		s.installLocalWinner(winnerID)
	}
	res.changed = true
	res.closedNow = true
	return res
}

// applyWinner installs a winner record. Installing the same winner twice
// is a no-op; a different winner is a logic error reported upward, never
// an overwrite.
func (s *raceState) applyWinner(rec *race.WinnerRecord) mergeResult {
	var res mergeResult

	if s.winner != nil {
		if s.winner.CandidateID != rec.CandidateID {
			res.winnerConflict = true
		}
		return res
	}

	if s.phase != lifecycleClosed {
		// A winner implies the race is over even if the close signal was
		// missed.
		s.close()
		res.closedNow = true
	}
	s.winner = rec
	s.winnerLost = false
	res.changed = true
	return res
}

// applyCandidateMeta backfills display metadata for candidates first seen
// as bare ids in push events.
func (s *raceState) applyCandidateMeta(candidates []race.Candidate) mergeResult {
	var res mergeResult
	if s.mergeMetadata(candidates) {
		res.changed = true
	}
	return res
}

// markWinnerUnresolved records that winner resolution gave up. Terminal
// for observers unless a winner still shows up by another path.
func (s *raceState) markWinnerUnresolved() mergeResult {
	var res mergeResult
	if s.winner != nil || s.winnerLost {
		return res
	}
	s.winnerLost = true
	res.changed = true
	return res
}

// markStale flags the view while the push transport is down. Transitions
// are surfaced even before the first snapshot, so waiting subscribers
// learn the feed status.
func (s *raceState) markStale(stale bool) mergeResult {
	var res mergeResult
	if s.stale == stale {
		return res
	}
	s.stale = stale
	res.changed = true
	return res
}

// markFetchFailed flags the view after a snapshot fetch exhausted its
// retries. Always surfaced, so a subscriber waiting on the first fetch
// sees the race is unavailable instead of silence.
func (s *raceState) markFetchFailed() mergeResult {
	s.stale = true
	return mergeResult{changed: true}
}

// backfillClosed merges what a late snapshot can still contribute to a
// closed race: candidates, display metadata, and lifecycle fields never
// seen before the close. Counters and status stay frozen.
func (s *raceState) backfillClosed(p *race.SnapshotPayload) bool {
	changed := false
	for _, in := range p.Candidates {
		if _, ok := s.index[in.ID]; !ok {
			s.addCandidate(in)
			changed = true
		}
	}
	if s.mergeMetadata(p.Candidates) {
		changed = true
	}
	if s.currentRound == 0 && p.CurrentRound > 0 {
		s.currentRound = p.CurrentRound
		changed = true
	}
	if s.roundEndTime.IsZero() && !p.RoundEndTime.IsZero() {
		s.roundEndTime = p.RoundEndTime
		changed = true
	}
	if s.createdAt.IsZero() && !p.CreatedAt.IsZero() {
		s.createdAt = p.CreatedAt
		changed = true
	}
	return changed
}

// mergeMetadata updates names and media references without touching
// counters. Returns whether anything changed.
func (s *raceState) mergeMetadata(candidates []race.Candidate) bool {
	changed := false
	for _, in := range candidates {
		idx, ok := s.index[in.ID]
		if !ok {
			continue
		}
		c := &s.candidates[idx]
		if in.Name != "" && c.Name != in.Name {
			c.Name = in.Name
			changed = true
		}
		if in.MediaURL != "" && c.MediaURL != in.MediaURL {
			c.MediaURL = in.MediaURL
			changed = true
		}
	}
	return changed
}

func (s *raceState) addCandidate(c race.Candidate) int {
	s.candidates = append(s.candidates, c)
	idx := len(s.candidates) - 1
	s.index[c.ID] = idx
	return idx
}

func (s *raceState) close() {
	s.phase = lifecycleClosed
	s.status = race.StatusClosed
}

// installLocalWinner builds a winner record from local candidate state
// when a close signal names the winner but no winner document has arrived.
func (s *raceState) installLocalWinner(winnerID string) {
	if s.winner != nil {
		return
	}
	idx, ok := s.index[winnerID]
	if !ok {
		return
	}
	c := s.candidates[idx]
	s.winner = &race.WinnerRecord{
		RaceID:      s.raceID,
		CandidateID: c.ID,
		Progress:    c.Progress,
		VoteCount:   c.VoteCount,
	}
}

// view builds an immutable copy for subscribers.
func (s *raceState) view() race.View {
	candidates := make([]race.Candidate, len(s.candidates))
	copy(candidates, s.candidates)
	return race.View{
		RaceID:           s.raceID,
		Status:           s.status,
		CurrentRound:     s.currentRound,
		RoundEndTime:     s.roundEndTime,
		CreatedAt:        s.createdAt,
		Candidates:       candidates,
		Winner:           s.winner,
		Stale:            s.stale,
		WinnerUnresolved: s.winnerLost,
		Version:          s.version,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
