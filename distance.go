package webmap

import (
	"sort"

	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean Earth radius used to turn great-circle angles
// into kilometers.
const EarthRadiusKm = 6371.0088

// DistanceKm returns the great-circle distance in kilometers between two
// points given in degrees, on a spherical Earth. The angle is computed by
// s2.LatLng.Distance, which uses the haversine formula and is exactly zero
// for identical points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * EarthRadiusKm
}

// DistanceKm returns the great-circle distance from c to o in kilometers.
func (c Coordinate) DistanceKm(o Coordinate) float64 {
	return DistanceKm(c.Latitude, c.Longitude, o.Latitude, o.Longitude)
}

// RankedCandidate is a film location with its distance from a reference point.
type RankedCandidate struct {
	Film       string
	Address    string // Raw filming address as recorded
	DistanceKm float64
	Coordinate Coordinate
}

// CoordinateLookup is the read side of the geocode cache.
type CoordinateLookup interface {
	Lookup(key string) (Coordinate, bool)
}

// RankCandidates resolves each record's address through cache and returns the
// records ordered by distance from ref, nearest first. Records whose address
// is not cached are left out. Equal distances keep the input order.
func RankCandidates(records []FilmRecord, ref Coordinate, cache CoordinateLookup) []RankedCandidate {
	ranked := make([]RankedCandidate, 0, len(records))
	for _, r := range records {
		coord, ok := cache.Lookup(Canonicalize(r.Address))
		if !ok {
			continue
		}
		ranked = append(ranked, RankedCandidate{
			Film:       r.Name,
			Address:    r.Address,
			DistanceKm: ref.DistanceKm(coord),
			Coordinate: coord,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	return ranked
}
