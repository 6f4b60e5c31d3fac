package engine

import (
	"testing"
	"time"

	"github.com/racesync/racesync/internal/race"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSnapshot(round int) *race.SnapshotPayload {
	return &race.SnapshotPayload{
		RaceID:       "race-1",
		CurrentRound: round,
		Status:       race.StatusActive,
		RoundEndTime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Candidates: []race.Candidate{
			{ID: "m1", Name: "Doge", MediaURL: "https://cdn/doge.png", VoteCount: 3, Progress: 10},
			{ID: "m2", Name: "Pepe", MediaURL: "https://cdn/pepe.png", VoteCount: 1, Progress: 5},
		},
	}
}

func TestApplySnapshotInitializes(t *testing.T) {
	s := newRaceState("race-1")

	res := s.applySnapshot(activeSnapshot(1))
	require.True(t, res.changed)
	require.False(t, res.rejected)

	v := s.view()
	assert.Equal(t, race.StatusActive, v.Status)
	assert.Equal(t, 1, v.CurrentRound)
	require.Len(t, v.Candidates, 2)
	assert.Equal(t, "Doge", v.Candidates[0].Name)
}

func TestSnapshotNeverRollsBackRound(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	res := s.applyRound(&race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 3,
		Progress:    []race.ProgressDelta{{CandidateID: "m1", Progress: 20}},
	})
	require.True(t, res.changed)
	require.True(t, res.roundAdvanced)
	require.Equal(t, 3, s.currentRound)

	// A snapshot holding an older round must not move the round back,
	// but its candidate metadata still lands.
	snap := activeSnapshot(2)
	snap.Candidates[0].Name = "Doge Renamed"
	res = s.applySnapshot(snap)
	assert.Equal(t, 3, s.currentRound)
	assert.True(t, res.changed)
	assert.Equal(t, "Doge Renamed", s.candidates[s.index["m1"]].Name)
}

func TestStaleSnapshotWithNoNewMetadataIsRejected(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))
	s.applyRound(&race.RoundPayload{RaceID: "race-1", RoundNumber: 2})

	res := s.applySnapshot(activeSnapshot(1))
	assert.False(t, res.changed)
	assert.True(t, res.rejected)
	assert.Equal(t, 2, s.currentRound)
}

func TestOrderIndependentConvergence(t *testing.T) {
	round := &race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 2,
		Progress:    []race.ProgressDelta{{CandidateID: "m1", Progress: 40}},
	}

	// Snapshot first, round update second.
	a := newRaceState("race-1")
	a.applySnapshot(activeSnapshot(1))
	a.applyRound(round)

	// Round update first, snapshot second. The round update on an
	// uninitialized race is dropped with a dirty flag, so only the
	// snapshot's round holds until the round update is redelivered.
	b := newRaceState("race-1")
	res := b.applyRound(round)
	assert.True(t, res.rejected)
	assert.True(t, res.dirty)
	b.applySnapshot(activeSnapshot(1))
	b.applyRound(round)

	assert.Equal(t, a.currentRound, b.currentRound)
	assert.Equal(t, 2, b.currentRound)
	assert.Equal(t, a.candidates[a.index["m1"]].Progress, b.candidates[b.index["m1"]].Progress)
}

func TestRoundUpdateStaleRoundDropped(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(2))

	res := s.applyRound(&race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 1,
		Progress:    []race.ProgressDelta{{CandidateID: "m1", Progress: 99}},
	})
	assert.True(t, res.rejected)
	assert.False(t, res.changed)
	assert.Equal(t, float64(10), s.candidates[s.index["m1"]].Progress)
}

func TestProgressClampedWithinRoundResetAtBoundary(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	// Same round, lower progress: the display never regresses.
	s.applyRound(&race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 1,
		Progress:    []race.ProgressDelta{{CandidateID: "m1", Progress: 4}},
	})
	assert.Equal(t, float64(10), s.candidates[s.index["m1"]].Progress)

	// Round boundary: the incoming value is authoritative, even lower.
	s.applyRound(&race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 2,
		Progress:    []race.ProgressDelta{{CandidateID: "m1", Progress: 2}},
	})
	assert.Equal(t, float64(2), s.candidates[s.index["m1"]].Progress)
}

func TestRoundUpdateUnknownCandidateGetsPlaceholder(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	res := s.applyRound(&race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 1,
		Progress:    []race.ProgressDelta{{CandidateID: "m9", Progress: 7}},
	})
	require.True(t, res.changed)
	assert.Equal(t, []string{"m9"}, res.unknownIDs)

	idx, ok := s.index["m9"]
	require.True(t, ok)
	assert.Equal(t, float64(7), s.candidates[idx].Progress)
	assert.Empty(t, s.candidates[idx].Name)
}

func TestVoteTotalsAreIdempotent(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	res := s.applyVote("m1", 5)
	require.True(t, res.changed)
	assert.Equal(t, 5, s.candidates[s.index["m1"]].VoteCount)

	// A duplicated delivery carries the same absolute total: no change,
	// no notification.
	res = s.applyVote("m1", 5)
	assert.False(t, res.changed)
	assert.False(t, res.rejected)
}

func TestOptimisticVoteBumpsThenAuthoritativeTotalWins(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(2))

	res := s.applyOptimisticVote("m1")
	require.True(t, res.changed)
	assert.Equal(t, 4, s.candidates[s.index["m1"]].VoteCount)

	s.applyVote("m1", 3)
	assert.Equal(t, 3, s.candidates[s.index["m1"]].VoteCount)
}

func TestClosedRaceRejectsFurtherMerges(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	res := s.applyClosed("m1")
	require.True(t, res.changed)
	require.True(t, res.closedNow)
	require.NotNil(t, s.winner)

	assert.True(t, s.applySnapshot(activeSnapshot(3)).rejected)
	assert.True(t, s.applyRound(&race.RoundPayload{RaceID: "race-1", RoundNumber: 3}).rejected)
	assert.True(t, s.applyVote("m1", 99).rejected)
	assert.Equal(t, 1, s.currentRound)
}

func TestClosedBeforeFirstSnapshotMarksDirty(t *testing.T) {
	s := newRaceState("race-1")

	res := s.applyClosed("")
	assert.True(t, res.changed)
	assert.True(t, res.closedNow)
	assert.True(t, res.dirty)
	assert.Equal(t, race.StatusClosed, s.status)
	assert.Nil(t, s.winner)
}

func TestClosedRaceAcceptsLateSnapshotBackfill(t *testing.T) {
	s := newRaceState("race-1")
	s.applyClosed("")

	// The snapshot arrives after the close: candidates and round still
	// merge, the race stays closed.
	res := s.applySnapshot(activeSnapshot(2))
	require.True(t, res.changed)
	assert.False(t, res.closedNow)
	assert.Equal(t, race.StatusClosed, s.status)
	assert.Equal(t, 2, s.currentRound)
	require.Len(t, s.candidates, 2)

	// A repeat with nothing new is a plain stale drop.
	assert.True(t, s.applySnapshot(activeSnapshot(2)).rejected)
}

func TestFetchFailureIsSurfacedEvenBeforeFirstSnapshot(t *testing.T) {
	s := newRaceState("race-1")

	res := s.markFetchFailed()
	assert.True(t, res.changed)
	assert.True(t, s.view().Stale)

	// A transport recovery clears the flag and is surfaced too.
	assert.True(t, s.markStale(false).changed)
	assert.False(t, s.view().Stale)
}

func TestWinnerInstallIsIdempotent(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))
	s.applyClosed("")

	rec := &race.WinnerRecord{RaceID: "race-1", CandidateID: "m2", Progress: 80, VoteCount: 12}
	res := s.applyWinner(rec)
	require.True(t, res.changed)

	res = s.applyWinner(rec)
	assert.False(t, res.changed)
	assert.False(t, res.winnerConflict)
}

func TestConflictingWinnerIsDiscarded(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))
	s.applyClosed("")

	s.applyWinner(&race.WinnerRecord{RaceID: "race-1", CandidateID: "m1"})
	res := s.applyWinner(&race.WinnerRecord{RaceID: "race-1", CandidateID: "m2"})

	assert.True(t, res.winnerConflict)
	assert.False(t, res.changed)
	assert.Equal(t, "m1", s.winner.CandidateID)
}

func TestWinnerImpliesClosure(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	res := s.applyWinner(&race.WinnerRecord{RaceID: "race-1", CandidateID: "m1"})
	assert.True(t, res.changed)
	assert.True(t, res.closedNow)
	assert.Equal(t, race.StatusClosed, s.status)
}

func TestRoundUpdateWithWinnerClosesRace(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	res := s.applyRound(&race.RoundPayload{
		RaceID:      "race-1",
		RoundNumber: 4,
		Progress:    []race.ProgressDelta{{CandidateID: "m2", Progress: 100}},
		WinnerID:    "m2",
	})
	require.True(t, res.closedNow)
	require.NotNil(t, s.winner)
	assert.Equal(t, "m2", s.winner.CandidateID)
	assert.Equal(t, float64(100), s.winner.Progress)
}

func TestMarkWinnerUnresolvedIsTerminalButRecoverable(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))
	s.applyClosed("")

	res := s.markWinnerUnresolved()
	require.True(t, res.changed)
	assert.True(t, s.view().WinnerUnresolved)
	assert.True(t, s.view().Terminal())

	// A winner arriving later by another path still lands.
	res = s.applyWinner(&race.WinnerRecord{RaceID: "race-1", CandidateID: "m1"})
	assert.True(t, res.changed)
	assert.False(t, s.view().WinnerUnresolved)
}

func TestMarkStaleOnlyNotifiesOnTransition(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	assert.True(t, s.markStale(true).changed)
	assert.False(t, s.markStale(true).changed)
	assert.True(t, s.markStale(false).changed)
}

func TestViewIsACopy(t *testing.T) {
	s := newRaceState("race-1")
	s.applySnapshot(activeSnapshot(1))

	v := s.view()
	v.Candidates[0].Name = "mutated"
	assert.Equal(t, "Doge", s.candidates[0].Name)
}
