package webmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// DefaultNearest is the number of distinct locations a query returns by default.
const DefaultNearest = 10

// RecordSource provides the film records of one release year.
// *YearIndex is the in-memory implementation.
type RecordSource interface {
	RecordsForYear(year string) ([]FilmRecord, error)
}

// QueryEngine answers "nearest filming locations for a year" queries from
// cached coordinates only; it never calls the upstream geocoder.
type QueryEngine struct {
	records  RecordSource
	cache    CoordinateLookup
	k        int
	uniqueBy UniqueBy
	logger   *slog.Logger
}

// QueryOption configures a QueryEngine.
type QueryOption func(*QueryEngine)

// WithK sets how many distinct locations are returned.
func WithK(k int) QueryOption {
	return func(q *QueryEngine) {
		q.k = k
	}
}

// WithUniqueBy sets what counts as a distinct result.
func WithUniqueBy(u UniqueBy) QueryOption {
	return func(q *QueryEngine) {
		q.uniqueBy = u
	}
}

// WithQueryLogger sets the logger.
func WithQueryLogger(l *slog.Logger) QueryOption {
	return func(q *QueryEngine) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueryEngine creates an engine over records and cache returning the
// DefaultNearest distinct locations unless configured otherwise.
func NewQueryEngine(records RecordSource, cache CoordinateLookup, opts ...QueryOption) *QueryEngine {
	q := &QueryEngine{
		records:  records,
		cache:    cache,
		k:        DefaultNearest,
		uniqueBy: UniqueByLocation,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Nearest returns the films of year shot nearest to ref, nearest first,
// covering exactly k distinct locations (or films, per the UniqueBy policy).
//
// It returns an *UnknownYearError when year has no records and an
// *InsufficientCandidatesError when fewer than k distinct cached locations exist.
func (q *QueryEngine) Nearest(ctx context.Context, year string, ref Coordinate) ([]RankedCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("reference point: %w", err)
	}

	records, err := q.records.RecordsForYear(year)
	if err != nil {
		return nil, fmt.Errorf("records for %s: %w", year, err)
	}
	if len(records) == 0 {
		return nil, &UnknownYearError{Year: year}
	}

	ranked := RankCandidates(records, ref, q.cache)
	q.logger.Debug("ranked candidates",
		"year", year,
		"records", len(records),
		"cached", len(ranked))

	selected, err := SelectNearestUnique(ranked, q.k, q.uniqueBy)
	if err != nil {
		var insufficient *InsufficientCandidatesError
		if errors.As(err, &insufficient) {
			q.logger.Warn("not enough cached locations",
				"year", year,
				"want", insufficient.Want,
				"got", insufficient.Got)
		}
		return nil, fmt.Errorf("selecting nearest for %s: %w", year, err)
	}
	return selected, nil
}

// NearestForYear is Nearest with an integer year, matched against the
// four-digit record years.
func (q *QueryEngine) NearestForYear(ctx context.Context, year int, ref Coordinate) ([]RankedCandidate, error) {
	if year < 0 || year > 9999 {
		return nil, &UnknownYearError{Year: strconv.Itoa(year)}
	}
	return q.Nearest(ctx, fmt.Sprintf("%04d", year), ref)
}
