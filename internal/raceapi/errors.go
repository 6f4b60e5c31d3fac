package raceapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDuplicateAction reports that the server rejected a select or vote
// because the wallet already acted this round.
var ErrDuplicateAction = errors.New("wallet already acted this round")

// ErrNotFound reports that the requested resource does not exist (yet).
// The winner endpoint returns this during the settle window after a race
// closes.
var ErrNotFound = errors.New("resource not found")

// APIError is a failed call against the snapshot service. Transient errors
// are worth retrying; the rest are not.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
	Transient  bool
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return ErrDuplicateAction
	case http.StatusNotFound:
		return ErrNotFound
	}
	return e.Err
}

// Retryable classifies an error from this package. Unknown errors are not
// retried.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	return false
}
