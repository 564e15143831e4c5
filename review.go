package webmap

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxReviewInputLen limits key length before computing edit distances.
const maxReviewInputLen = 256

// CachedKeys is the part of the cache the review needs.
type CachedKeys interface {
	Keys() []string
	Lookup(key string) (Coordinate, bool)
}

// Suggestion is a cached key that looks like an abandoned one.
type Suggestion struct {
	Key        string
	Distance   int // Case-insensitive edit distance
	Coordinate Coordinate
}

// Review pairs an abandoned key with its closest cached keys.
type Review struct {
	Key         string
	Suggestions []Suggestion
}

// ReviewOptions configures ReviewAbandoned.
type ReviewOptions struct {
	MaxSuggestions int // Per key; default 3
	MaxDistance    int // Default: a third of the key's length
}

// ReviewAbandoned looks for cached keys close to each abandoned key, so a
// human can map typos or spelling variants ("Los Angeles, Califronia, USA")
// onto an existing entry. Keys with no close match get an empty suggestion list.
func ReviewAbandoned(abandoned []string, cache CachedKeys, opts ReviewOptions) []Review {
	if opts.MaxSuggestions <= 0 {
		opts.MaxSuggestions = 3
	}

	cached := cache.Keys()
	lowered := make([]string, len(cached))
	for i, k := range cached {
		lowered[i] = strings.ToLower(truncateRunes(k, maxReviewInputLen))
	}

	reviews := make([]Review, 0, len(abandoned))
	for _, key := range abandoned {
		q := strings.ToLower(truncateRunes(key, maxReviewInputLen))
		maxDist := opts.MaxDistance
		if maxDist <= 0 {
			maxDist = len([]rune(q)) / 3
		}

		var sugg []Suggestion
		for i, ck := range lowered {
			d := levenshtein.ComputeDistance(q, ck)
			if d > maxDist {
				continue
			}
			coord, _ := cache.Lookup(cached[i])
			sugg = append(sugg, Suggestion{Key: cached[i], Distance: d, Coordinate: coord})
		}
		// Closest first; ties broken by key for deterministic output.
		sort.Slice(sugg, func(i, j int) bool {
			if sugg[i].Distance != sugg[j].Distance {
				return sugg[i].Distance < sugg[j].Distance
			}
			return sugg[i].Key < sugg[j].Key
		})
		if len(sugg) > opts.MaxSuggestions {
			sugg = sugg[:opts.MaxSuggestions]
		}
		reviews = append(reviews, Review{Key: key, Suggestions: sugg})
	}
	return reviews
}

func truncateRunes(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
