// Package winner drives the delayed-fetch half of winner resolution: the
// race closed, the winner endpoint needs a settle window, and transient
// failures deserve a bounded number of retries.
package winner

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/racesync/racesync/internal/race"
	"github.com/rs/zerolog/log"
)

// ErrUnresolved reports that the winner could not be fetched after
// exhausting all attempts. Observers see a terminal "winner unavailable"
// state instead of an endless retry loop.
var ErrUnresolved = errors.New("winner unavailable after retries")

// FetchFunc fetches the winner record. Implementations route through the
// cancellable fetcher so a concurrent winnerUpdate event can abort the
// attempt.
type FetchFunc func(ctx context.Context) (*race.WinnerRecord, error)

// RetryableFunc classifies a fetch error as worth retrying.
type RetryableFunc func(err error) bool

// Config holds resolver timing parameters.
type Config struct {
	// SettleDelay is how long to wait after close before the first fetch,
	// giving the backend time to publish the winner.
	SettleDelay time.Duration

	// MaxAttempts bounds the number of fetches, the first included.
	MaxAttempts int

	// RetryBackoff is the wait before the second attempt; it doubles per
	// attempt after that.
	RetryBackoff time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:  500 * time.Millisecond,
		MaxAttempts:  4,
		RetryBackoff: time.Second,
	}
}

// Resolver runs delayed winner fetches with bounded retry.
type Resolver struct {
	clock     clockwork.Clock
	config    Config
	retryable RetryableFunc
}

// New creates a resolver. retryable decides which fetch errors are
// transient; a nil func retries nothing.
func New(clock clockwork.Clock, config Config, retryable RetryableFunc) *Resolver {
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &Resolver{
		clock:     clock,
		config:    config,
		retryable: retryable,
	}
}

// Run blocks for the settle delay, then fetches the winner, retrying
// transient failures with doubling backoff up to MaxAttempts. Cancel ctx
// as soon as the winner arrives by another path; Run then returns
// ctx.Err() without touching state.
func (r *Resolver) Run(ctx context.Context, raceID string, fetch FetchFunc) (*race.WinnerRecord, error) {
	if !r.sleep(ctx, r.config.SettleDelay) {
		return nil, ctx.Err()
	}

	backoff := r.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		record, err := fetch(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			log.Debug().
				Str("race_id", raceID).
				Str("candidate_id", record.CandidateID).
				Int("attempt", attempt).
				Msg("winner fetched")
			return record, nil
		}

		if attempt >= r.config.MaxAttempts || !r.retryable(err) {
			log.Error().
				Err(err).
				Str("race_id", raceID).
				Int("attempts", attempt).
				Msg("winner fetch exhausted")
			return nil, ErrUnresolved
		}

		log.Warn().
			Err(err).
			Str("race_id", raceID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("winner fetch failed, retrying")
		if !r.sleep(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

// sleep waits for d on the injected clock. Returns false if ctx ended
// first.
func (r *Resolver) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := r.clock.NewTimer(d)
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
	case <-ctx.Done():
		return false
	}
}
