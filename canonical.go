package webmap

import "strings"

// addressSeparator separates the segments of a filming address.
const addressSeparator = ", "

// canonicalSegments is the number of trailing address segments kept in a
// cache key. Coarser keys raise the hit rate at the cost of conflating
// nearby addresses that share a city, region and country.
const canonicalSegments = 3

// Canonicalize reduces a raw filming address to its cache key: the last three
// ", "-separated segments, or the whole address when it has fewer.
//
//	Canonicalize("123 Main St, Suite 4, Los Angeles, California, USA")
//	// "Los Angeles, California, USA"
func Canonicalize(raw string) string {
	parts := strings.Split(raw, addressSeparator)
	if len(parts) <= canonicalSegments {
		return raw
	}
	return strings.Join(parts[len(parts)-canonicalSegments:], addressSeparator)
}

// CanonicalKeys returns the distinct canonical keys of addresses in first-seen order.
func CanonicalKeys(addresses []string) []string {
	seen := make(map[string]bool, len(addresses))
	keys := make([]string, 0, len(addresses))
	for _, a := range addresses {
		k := Canonicalize(a)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}
