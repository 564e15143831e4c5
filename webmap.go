// Package webmap resolves film shooting locations to coordinates and answers
// "nearest filming locations for a given year" queries.
//
// Addresses are reduced to a canonical key (see Canonicalize) and resolved
// through an upstream geocoder once; answers are kept in an append-only cache
// file so later queries never touch the network:
//
//	cache, err := webmap.OpenCache("data/locbase.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	engine := webmap.NewQueryEngine(records, cache)
//	nearest, err := engine.Nearest(ctx, "1994", webmap.Coordinate{Latitude: 34.05, Longitude: -118.24})
package webmap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Coordinate is a point on the Earth's surface in degrees.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// ErrInvalidCoordinate is returned for points outside the valid degree ranges.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate reports whether c is a finite point with latitude in [-90, 90]
// and longitude in [-180, 180].
func (c Coordinate) Validate() error {
	// Reject invalid float values before they reach the trigonometry.
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, c.Latitude, c.Longitude)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Latitude, c.Longitude)
}

// FilmRecord is one shooting location of one film.
type FilmRecord struct {
	Name    string // Film title without the year suffix
	Year    string // Four-digit release year
	Address string // Free-text filming address
}

// config contains options shared by the cache, builder and query engine.
type config struct {
	logger      *slog.Logger
	lockTimeout time.Duration
	lockRetry   time.Duration
}

// Option is a functional option for configuring a Cache.
type Option func(*config)

// WithLogger sets the structured logger used for warnings and progress.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLockTimeout bounds how long a writer waits for the cache file lock.
// Zero waits forever.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) {
		c.lockTimeout = d
	}
}

// defaultConfig returns the default configuration.
func defaultConfig() *config {
	return &config{
		logger:      slog.Default(),
		lockTimeout: 30 * time.Second,
		lockRetry:   50 * time.Millisecond,
	}
}
