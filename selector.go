package webmap

import (
	"fmt"

	geohash "github.com/TomiHiltunen/geohash-golang"
)

// UniqueBy selects what makes two ranked candidates distinct.
type UniqueBy int

const (
	// UniqueByLocation counts each distinct coordinate pair once, however
	// many films were shot there.
	UniqueByLocation UniqueBy = iota
	// UniqueByFilm counts each film once, however many of its locations are near.
	UniqueByFilm
)

func (u UniqueBy) String() string {
	switch u {
	case UniqueByLocation:
		return "location"
	case UniqueByFilm:
		return "film"
	}
	return fmt.Sprintf("UniqueBy(%d)", int(u))
}

// ParseUniqueBy parses "location" or "film".
func ParseUniqueBy(s string) (UniqueBy, error) {
	switch s {
	case "location", "":
		return UniqueByLocation, nil
	case "film":
		return UniqueByFilm, nil
	}
	return 0, fmt.Errorf("unknown uniqueness policy %q (want location or film)", s)
}

// locationHashPrecision is the geohash length of a map marker cell.
// Twelve characters is a cell of a few centimeters.
const locationHashPrecision = 12

// LocationKey returns the marker cell of a coordinate. Points in the same
// cell are drawn as one marker even when their coordinates differ.
func LocationKey(c Coordinate) string {
	return geohash.EncodeWithPrecision(c.Latitude, c.Longitude, locationHashPrecision)
}

// key returns the identity of c under u: the film name, or the exact
// coordinate pair.
func (u UniqueBy) key(c RankedCandidate) any {
	if u == UniqueByFilm {
		return c.Film
	}
	return c.Coordinate
}

// SelectNearestUnique walks ranked (nearest first) and stops as soon as k
// distinct keys have been seen. Every row walked is returned, so the result
// can hold more than k rows when several films share a location (or one film
// several locations under UniqueByFilm).
//
// It returns an *InsufficientCandidatesError when ranked runs out before k
// distinct keys are found.
func SelectNearestUnique(ranked []RankedCandidate, k int, by UniqueBy) ([]RankedCandidate, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}

	seen := make(map[any]bool, k)
	for i, c := range ranked {
		seen[by.key(c)] = true
		if len(seen) == k {
			return ranked[:i+1:i+1], nil
		}
	}
	return nil, &InsufficientCandidatesError{Want: k, Got: len(seen)}
}

// LocationGroup is the set of selected films shot at one location, the unit a
// map renderer draws as a single marker.
type LocationGroup struct {
	Coordinate Coordinate
	DistanceKm float64
	Films      []string // In ranked order, without repeats
	Addresses  []string // Raw addresses that resolved here, without repeats
}

// GroupByLocation folds selected candidates into one group per marker cell
// (see LocationKey), ordered by first appearance (so nearest first for
// ranked input).
func GroupByLocation(selected []RankedCandidate) []LocationGroup {
	var groups []LocationGroup
	index := make(map[string]int)
	for _, c := range selected {
		key := LocationKey(c.Coordinate)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, LocationGroup{Coordinate: c.Coordinate, DistanceKm: c.DistanceKm})
		}
		g := &groups[i]
		g.Films = appendUnique(g.Films, c.Film)
		g.Addresses = appendUnique(g.Addresses, c.Address)
	}
	return groups
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
