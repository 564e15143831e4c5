package webmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// titleRegex matches the start of an IMDB list title: the film name followed
// by its release year in parentheses, e.g. `Speed (1994)` or `Alien (1979/I)`.
// Unknown years are written as "????".
var titleRegex = regexp.MustCompile(`^(.+?) \(([0-9?]{4})(?:/[IVXLC]+)?\)`)

// listHeaderEnd marks the end of the locations.list preamble.
const listHeaderEnd = "=============="

// maxHeaderLines bounds the search for the preamble marker.
const maxHeaderLines = 64

// ParseLocationsList reads an IMDB locations.list stream. Lines that do not
// look like a location record are skipped; the number skipped is returned
// alongside the records. Invalid UTF-8 is dropped.
func ParseLocationsList(r io.Reader) ([]FilmRecord, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.ToValidUTF8(scanner.Text(), ""))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading locations list: %w", err)
	}

	// Skip the preamble when present.
	start := 0
	for i := 0; i < len(lines) && i < maxHeaderLines; i++ {
		if strings.HasPrefix(lines[i], listHeaderEnd) {
			start = i + 1
			break
		}
	}

	var records []FilmRecord
	skipped := 0
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok := ParseLocationLine(line)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

// ReadLocationsList parses the locations list stored at path.
func ReadLocationsList(path string) ([]FilmRecord, int, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening locations list: %w", err)
	}
	defer fi.Close()
	return ParseLocationsList(fi)
}

// ParseLocationLine parses one tab-separated location record:
//
//	Title (Year)<tabs>Address[<tabs>(note)]
//
// When the last field is a parenthesized note the address is the field before it.
func ParseLocationLine(line string) (FilmRecord, bool) {
	var fields []string
	for _, f := range strings.Split(strings.TrimRight(line, "\r\n"), "\t") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) < 2 {
		return FilmRecord{}, false
	}

	m := titleRegex.FindStringSubmatch(fields[0])
	if m == nil {
		return FilmRecord{}, false
	}

	address := fields[len(fields)-1]
	if isNote(address) {
		if len(fields) < 3 {
			return FilmRecord{}, false
		}
		address = fields[len(fields)-2]
	}

	return FilmRecord{
		Name:    strings.TrimSpace(m[1]),
		Year:    m[2],
		Address: address,
	}, true
}

func isNote(s string) bool {
	return len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')'
}

// ValidYear reports whether s is exactly four ASCII digits.
func ValidYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Addresses returns the raw addresses of records.
func Addresses(records []FilmRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Address
	}
	return out
}

// YearIndex groups records by release year. Records without a valid
// four-digit year are left out. Read-only after construction.
type YearIndex struct {
	byYear map[string][]FilmRecord
}

// NewYearIndex groups records by year, keeping their input order within a year.
func NewYearIndex(records []FilmRecord) *YearIndex {
	idx := &YearIndex{byYear: make(map[string][]FilmRecord)}
	for _, r := range records {
		if !ValidYear(r.Year) {
			continue
		}
		idx.byYear[r.Year] = append(idx.byYear[r.Year], r)
	}
	return idx
}

// RecordsForYear returns the records of year, or an *UnknownYearError.
func (y *YearIndex) RecordsForYear(year string) ([]FilmRecord, error) {
	recs, ok := y.byYear[year]
	if !ok {
		return nil, &UnknownYearError{Year: year}
	}
	out := make([]FilmRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// Years returns the indexed years in ascending order.
func (y *YearIndex) Years() []string {
	years := make([]string, 0, len(y.byYear))
	for yr := range y.byYear {
		years = append(years, yr)
	}
	sort.Strings(years)
	return years
}
