package raceapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/racesync/racesync/internal/race"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRaceDecodesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/races/race-1", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{
			"raceId": "race-1",
			"currentRound": 2,
			"status": "active",
			"memes": [
				{"memeId": "m1", "name": "Doge", "url": "https://cdn/doge.png", "votes": 3, "progress": 10.5}
			]
		}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	snap, err := c.GetRace(context.Background(), "race-1")
	require.NoError(t, err)

	assert.Equal(t, "race-1", snap.RaceID)
	assert.Equal(t, 2, snap.CurrentRound)
	assert.Equal(t, race.StatusActive, snap.Status)
	require.Len(t, snap.Candidates, 1)
	assert.Equal(t, "m1", snap.Candidates[0].ID)
	assert.Equal(t, 10.5, snap.Candidates[0].Progress)
}

func TestGetVotesScopesToRound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/votes/race-1", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("round"))
		w.Write([]byte(`[{"_id": "m1", "totalVotes": 12}, {"_id": "m2", "totalVotes": 4}]`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	totals, err := c.GetVotes(context.Background(), "race-1", 3)
	require.NoError(t, err)

	require.Len(t, totals, 2)
	assert.Equal(t, VoteTotal{CandidateID: "m1", TotalVotes: 12}, totals[0])
}

func TestGetVotesOmitsRoundWhenUnscoped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("round"))
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.GetVotes(context.Background(), "race-1", 0)
	require.NoError(t, err)
}

func TestGetParticipantsUnwrapsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"participants": [{"walletAddress": "0xabc", "memeId": "m2"}]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	participants, err := c.GetParticipants(context.Background(), "race-1")
	require.NoError(t, err)

	require.Len(t, participants, 1)
	assert.Equal(t, "0xabc", participants[0].WalletAddress)
	assert.Equal(t, "m2", participants[0].CandidateID)
}

func TestSelectCandidatePostsBody(t *testing.T) {
	var got SelectRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/participants/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	err := c.SelectCandidate(context.Background(), SelectRequest{
		RaceID:        "race-1",
		WalletAddress: "0xabc",
		CandidateID:   "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "race-1", got.RaceID)
	assert.Equal(t, "m1", got.CandidateID)
}

func TestConflictMapsToDuplicateAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "already voted", http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	err := c.CastVote(context.Background(), "race-1", VoteRequest{WalletAddress: "0xabc", CandidateID: "m1"})

	assert.ErrorIs(t, err, ErrDuplicateAction)
	assert.False(t, Retryable(err))
}

func TestNotFoundMapsToErrNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no winner yet", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.GetWinner(context.Background(), "race-1")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))
}

func TestServerErrorsAreRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.ListRaces(context.Background())

	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestTooManyRequestsIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.ListRaces(context.Background())
	assert.True(t, Retryable(err))
}

func TestBadRequestIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad id", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.GetRace(context.Background(), "nope")
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestCancellationIsNotAnAPIError(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	c := NewClient(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetRace(ctx, "race-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Retryable(err))
}

func TestConnectionRefusedIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	c := NewClient(server.URL)
	_, err := c.ListRaces(context.Background())

	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestCustomHeadersAreSent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	c.SetHeader("Authorization", "Bearer tok")
	_, err := c.ListRaces(context.Background())
	require.NoError(t, err)
}
