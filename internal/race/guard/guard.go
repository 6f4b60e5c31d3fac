// Package guard keeps the client-local ledger of which wallet already
// acted in which round. It is a UX safeguard only; the server remains the
// authority on duplicate prevention.
package guard

import (
	"errors"
	"sync"
)

// ErrAlreadyActed reports that the wallet already selected or voted in
// this round of this race.
var ErrAlreadyActed = errors.New("wallet already acted this round")

// ErrMissingIdentity reports that no wallet address was provided.
var ErrMissingIdentity = errors.New("wallet address required")

type key struct {
	wallet string
	raceID string
	round  int
}

// Ledger records one action per (wallet, race, round) for the lifetime of
// the observing context. Never persisted.
type Ledger struct {
	mu    sync.Mutex
	acted map[key]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		acted: make(map[key]struct{}),
	}
}

// TryAct reserves the action for the tuple. It succeeds exactly once;
// later calls with the same arguments return ErrAlreadyActed. Callers
// reserving ahead of a server call should Release on failure.
func (l *Ledger) TryAct(wallet, raceID string, round int) error {
	if wallet == "" {
		return ErrMissingIdentity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{wallet: wallet, raceID: raceID, round: round}
	if _, ok := l.acted[k]; ok {
		return ErrAlreadyActed
	}
	l.acted[k] = struct{}{}
	return nil
}

// Release undoes a reservation, letting the wallet retry after a failed
// server call.
func (l *Ledger) Release(wallet, raceID string, round int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.acted, key{wallet: wallet, raceID: raceID, round: round})
}

// MarkActed records an action known from the server, e.g. when warming
// the ledger from the participants endpoint.
func (l *Ledger) MarkActed(wallet, raceID string, round int) {
	if wallet == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acted[key{wallet: wallet, raceID: raceID, round: round}] = struct{}{}
}

// HasActed reports whether the tuple is recorded.
func (l *Ledger) HasActed(wallet, raceID string, round int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.acted[key{wallet: wallet, raceID: raceID, round: round}]
	return ok
}

// Reset clears the ledger. Called when the observing context is torn
// down.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acted = make(map[key]struct{})
}
