package engine

import "errors"

var (
	// ErrUnknownRace reports an action against a race the engine has not
	// reconciled yet.
	ErrUnknownRace = errors.New("race not known yet")

	// ErrRaceClosed reports an action against a closed race.
	ErrRaceClosed = errors.New("race is closed")

	// ErrSelectionWindowClosed reports a candidate selection outside
	// round one.
	ErrSelectionWindowClosed = errors.New("candidate selection is only open in round one")

	// ErrVotingNotOpen reports a vote before the voting rounds begin.
	ErrVotingNotOpen = errors.New("voting opens after round one")
)
