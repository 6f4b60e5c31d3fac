package race

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names the push events delivered by the race feed.
type EventKind string

const (
	EventRaceCreated  EventKind = "raceCreated"
	EventRaceUpdate   EventKind = "raceUpdate"
	EventRoundUpdate  EventKind = "roundUpdate"
	EventRaceClosed   EventKind = "raceClosed"
	EventWinnerUpdate EventKind = "winnerUpdate"
	EventVoteUpdate   EventKind = "voteUpdate"
)

// AllEventKinds lists every kind a consumer can subscribe to.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventRaceCreated,
		EventRaceUpdate,
		EventRoundUpdate,
		EventRaceClosed,
		EventWinnerUpdate,
		EventVoteUpdate,
	}
}

// Event is the envelope for all push events. RaceID is duplicated at the
// top level for routing without parsing the payload.
type Event struct {
	Kind      EventKind       `json:"event"`
	RaceID    string          `json:"raceId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SnapshotPayload is the full race document. It is both the payload of
// raceCreated/raceUpdate events and the body returned by the snapshot API.
// Push events may omit candidate metadata; the reconciler refetches to
// fill the gaps.
type SnapshotPayload struct {
	RaceID       string      `json:"raceId"`
	Candidates   []Candidate `json:"memes"`
	CurrentRound int         `json:"currentRound"`
	RoundEndTime time.Time   `json:"roundEndTime"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"createdAt,omitempty"`
}

// ProgressDelta is one candidate's progress entry in a round update.
type ProgressDelta struct {
	CandidateID string  `json:"memeId"`
	Progress    float64 `json:"progress"`
	Boosted     bool    `json:"boosted"`
	BoostAmount float64 `json:"boostAmount"`
}

// RoundPayload is the payload of a roundUpdate event. A non-empty WinnerID
// signals race closure.
type RoundPayload struct {
	RaceID      string          `json:"raceId"`
	RoundNumber int             `json:"roundNumber"`
	Progress    []ProgressDelta `json:"progress"`
	WinnerID    string          `json:"winner,omitempty"`
}

// VotePayload carries an absolute per-candidate vote total, not a delta.
type VotePayload struct {
	RaceID      string `json:"raceId"`
	CandidateID string `json:"memeId"`
	TotalVotes  int    `json:"totalVotes"`
}

// WinnerPayload is the payload of a winnerUpdate event and of the winner
// snapshot endpoint.
type WinnerPayload struct {
	RaceID      string  `json:"raceId"`
	CandidateID string  `json:"memeId"`
	Progress    float64 `json:"progress"`
	Votes       int     `json:"votes"`
}

// ClosedPayload is the payload of a raceClosed event. The winner may not
// be known yet when the close signal fires.
type ClosedPayload struct {
	RaceID   string `json:"raceId"`
	WinnerID string `json:"winner,omitempty"`
}

// ParseEventPayload decodes an event's data into its typed payload.
func ParseEventPayload(ev *Event) (any, error) {
	switch ev.Kind {
	case EventRaceCreated, EventRaceUpdate:
		var p SnapshotPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		return &p, nil

	case EventRoundUpdate:
		var p RoundPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		return &p, nil

	case EventRaceClosed:
		var p ClosedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		return &p, nil

	case EventWinnerUpdate:
		var p WinnerPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		return &p, nil

	case EventVoteUpdate:
		var p VotePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		return &p, nil

	default:
		return nil, fmt.Errorf("unknown event kind: %s", ev.Kind)
	}
}

// WinnerRecordFromPayload converts a winner payload into the immutable
// record form held on the race.
func WinnerRecordFromPayload(p *WinnerPayload) *WinnerRecord {
	return &WinnerRecord{
		RaceID:      p.RaceID,
		CandidateID: p.CandidateID,
		Progress:    p.Progress,
		VoteCount:   p.Votes,
	}
}
