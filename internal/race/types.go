package race

import "time"

// Status is the lifecycle status of a race as reported by the backend.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Candidate is one participant in a race. Identity is stable across rounds.
type Candidate struct {
	ID        string  `json:"memeId"`
	Name      string  `json:"name"`
	MediaURL  string  `json:"url"`
	VoteCount int     `json:"votes"`
	Progress  float64 `json:"progress"`
}

// WinnerRecord captures the final result of a closed race. It is installed
// at most once and never modified afterwards.
type WinnerRecord struct {
	RaceID      string  `json:"raceId"`
	CandidateID string  `json:"memeId"`
	Progress    float64 `json:"progress"`
	VoteCount   int     `json:"votes"`
}

// View is an immutable snapshot of reconciled race state handed to
// subscribers. Candidates are copied, so holders may read it freely.
type View struct {
	RaceID       string
	Status       Status
	CurrentRound int
	RoundEndTime time.Time
	CreatedAt    time.Time
	Candidates   []Candidate
	Winner       *WinnerRecord

	// Stale is set while the push connection is down: the data shown may
	// lag behind the server.
	Stale bool

	// WinnerUnresolved is set when the race closed but the winner could
	// not be determined after exhausting retries.
	WinnerUnresolved bool

	// Version increments on every accepted merge for this race.
	Version uint64
}

// Candidate returns the candidate with the given id, if present.
func (v View) Candidate(id string) (Candidate, bool) {
	for _, c := range v.Candidates {
		if c.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}

// Terminal reports whether this view is the final one for the race: the
// race is closed and the winner is either known or given up on.
func (v View) Terminal() bool {
	return v.Status == StatusClosed && (v.Winner != nil || v.WinnerUnresolved)
}
