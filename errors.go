package webmap

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Resolver when the upstream geocoder has no
// match for an address.
var ErrNotFound = errors.New("geocode: address not found")

// ErrInvalidEntry is returned when a cache entry cannot be stored.
var ErrInvalidEntry = errors.New("invalid cache entry")

// ErrInvalidK is returned when the requested number of nearest locations is not positive.
var ErrInvalidK = errors.New("k must be positive")

// TransientError wraps a network, timeout or upstream availability failure.
// Transient failures are retried with backoff by the Builder.
type TransientError struct {
	Address    string
	StatusCode int // HTTP status when the upstream answered, 0 otherwise
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("geocode %q: upstream status %d", e.Address, e.StatusCode)
	}
	return fmt.Sprintf("geocode %q: %v", e.Address, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedLineError describes a cache file line that could not be parsed.
// It is logged and the line is skipped.
type MalformedLineError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("%s:%d: malformed cache line %q: %s", e.Path, e.Line, e.Text, e.Reason)
}

// InsufficientCandidatesError is returned when fewer than Want distinct
// locations are available for a query.
type InsufficientCandidatesError struct {
	Want int
	Got  int
}

func (e *InsufficientCandidatesError) Error() string {
	return fmt.Sprintf("insufficient candidates: want %d distinct, found %d", e.Want, e.Got)
}

// UnknownYearError is returned when no records exist for the requested year.
type UnknownYearError struct {
	Year string
}

func (e *UnknownYearError) Error() string {
	return fmt.Sprintf("no films recorded for year %q", e.Year)
}
