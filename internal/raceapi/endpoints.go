package raceapi

import (
	"context"
	"fmt"
	"net/url"

	"github.com/racesync/racesync/internal/race"
)

const (
	// API Endpoints
	RacesEndpoint        = "/races"
	VotesEndpoint        = "/votes"
	WinnerEndpoint       = "/winner"
	ParticipantsEndpoint = "/participants"
	CandidatesEndpoint   = "/candidates/resolve"
)

// VoteTotal is one entry of the per-round vote listing, keyed by candidate
// id. The backend returns document ids, hence the _id field.
type VoteTotal struct {
	CandidateID string `json:"_id"`
	TotalVotes  int    `json:"totalVotes"`
}

// Participant is a wallet's candidate selection within a race.
type Participant struct {
	WalletAddress string `json:"walletAddress"`
	CandidateID   string `json:"memeId"`
}

type participantsResponse struct {
	Participants []Participant `json:"participants"`
}

// SelectRequest is the body of a candidate selection.
type SelectRequest struct {
	RaceID        string `json:"raceId"`
	WalletAddress string `json:"walletAddress"`
	CandidateID   string `json:"memeId"`
}

// VoteRequest is the body of a vote. The race id travels in the path.
type VoteRequest struct {
	WalletAddress string `json:"walletAddress"`
	CandidateID   string `json:"memeId"`
}

type resolveRequest struct {
	IDs []string `json:"ids"`
}

// GetRace fetches the authoritative snapshot for one race.
func (c *Client) GetRace(ctx context.Context, raceID string) (*race.SnapshotPayload, error) {
	var snap race.SnapshotPayload
	if err := c.getJSON(ctx, RacesEndpoint+"/"+url.PathEscape(raceID), &snap); err != nil {
		return nil, fmt.Errorf("failed to get race %s: %w", raceID, err)
	}
	return &snap, nil
}

// ListRaces fetches snapshots for all known races.
func (c *Client) ListRaces(ctx context.Context) ([]race.SnapshotPayload, error) {
	var snaps []race.SnapshotPayload
	if err := c.getJSON(ctx, RacesEndpoint, &snaps); err != nil {
		return nil, fmt.Errorf("failed to list races: %w", err)
	}
	return snaps, nil
}

// GetVotes fetches absolute vote totals for a race, optionally scoped to a
// round (round <= 0 means all rounds).
func (c *Client) GetVotes(ctx context.Context, raceID string, round int) ([]VoteTotal, error) {
	endpoint := VotesEndpoint + "/" + url.PathEscape(raceID)
	if round > 0 {
		endpoint = fmt.Sprintf("%s?round=%d", endpoint, round)
	}
	var totals []VoteTotal
	if err := c.getJSON(ctx, endpoint, &totals); err != nil {
		return nil, fmt.Errorf("failed to get votes for race %s: %w", raceID, err)
	}
	return totals, nil
}

// GetWinner fetches the winner of a closed race. Returns ErrNotFound while
// the winner is still settling.
func (c *Client) GetWinner(ctx context.Context, raceID string) (*race.WinnerPayload, error) {
	var winner race.WinnerPayload
	if err := c.getJSON(ctx, WinnerEndpoint+"/"+url.PathEscape(raceID), &winner); err != nil {
		return nil, fmt.Errorf("failed to get winner for race %s: %w", raceID, err)
	}
	return &winner, nil
}

// GetParticipants lists which wallet picked which candidate in a race.
func (c *Client) GetParticipants(ctx context.Context, raceID string) ([]Participant, error) {
	var resp participantsResponse
	if err := c.getJSON(ctx, ParticipantsEndpoint+"/"+url.PathEscape(raceID), &resp); err != nil {
		return nil, fmt.Errorf("failed to get participants for race %s: %w", raceID, err)
	}
	return resp.Participants, nil
}

// SelectCandidate registers a wallet's candidate pick for a race.
func (c *Client) SelectCandidate(ctx context.Context, req SelectRequest) error {
	if err := c.postJSON(ctx, ParticipantsEndpoint+"/", req, nil); err != nil {
		return fmt.Errorf("failed to select candidate: %w", err)
	}
	return nil
}

// CastVote casts a wallet's vote in the current round of a race.
func (c *Client) CastVote(ctx context.Context, raceID string, req VoteRequest) error {
	if err := c.postJSON(ctx, VotesEndpoint+"/"+url.PathEscape(raceID), req, nil); err != nil {
		return fmt.Errorf("failed to cast vote: %w", err)
	}
	return nil
}

// ResolveCandidates fetches display metadata for the given candidate ids.
// Push events carry bare ids; this backfills names and media.
func (c *Client) ResolveCandidates(ctx context.Context, ids []string) ([]race.Candidate, error) {
	var candidates []race.Candidate
	if err := c.postJSON(ctx, CandidatesEndpoint, resolveRequest{IDs: ids}, &candidates); err != nil {
		return nil, fmt.Errorf("failed to resolve candidates: %w", err)
	}
	return candidates, nil
}
