package webmap

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func TestCache_LoadLongitudeFirst(t *testing.T) {
	path := writeStore(t, "Paris, France\t2.3522 48.8566\n")
	c := openTestCache(t, path)

	got, ok := c.Lookup("Paris, France")
	if !ok {
		t.Fatal("Lookup(Paris, France) missing")
	}
	want := Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	if got != want {
		t.Errorf("Lookup(Paris, France) = %+v, want %+v", got, want)
	}
}

func TestCache_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "locbase.txt")
	c := openTestCache(t, path)

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("cache directory not created: %v", err)
	}
}

func TestCache_InsertRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locbase.txt")
	entries := map[string]Coordinate{
		"Los Angeles, California, USA": {Latitude: 34.052235, Longitude: -118.243683},
		"Paris, France":                {Latitude: 48.85661400000001, Longitude: 2.3522219},
		"McMurdo Station, Ross Island, Antarctica": {Latitude: -77.846323, Longitude: 166.676203},
		"Null Island": {Latitude: 0, Longitude: 0},
		"Edge":        {Latitude: -90, Longitude: 180},
	}

	c := openTestCache(t, path)
	for k, coord := range entries {
		inserted, err := c.Insert(k, coord)
		if err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
		if !inserted {
			t.Errorf("Insert(%q) = false, want true", k)
		}
	}

	reopened := openTestCache(t, path)
	if reopened.Len() != len(entries) {
		t.Fatalf("reopened Len() = %d, want %d", reopened.Len(), len(entries))
	}
	for k, want := range entries {
		got, ok := reopened.Lookup(k)
		if !ok {
			t.Errorf("Lookup(%q) missing after reload", k)
			continue
		}
		if math.Abs(got.Latitude-want.Latitude) > 1e-9 || math.Abs(got.Longitude-want.Longitude) > 1e-9 {
			t.Errorf("Lookup(%q) = %+v, want %+v", k, got, want)
		}
	}
}

func TestCache_FirstWriteWins(t *testing.T) {
	path := writeStore(t, ""+
		"Paris, France\t2.3522 48.8566\n"+
		"Paris, France\t-97.5 33.6\n")
	c := openTestCache(t, path)

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	got, _ := c.Lookup("Paris, France")
	if got.Latitude != 48.8566 {
		t.Errorf("Lookup kept %+v, want the first line", got)
	}

	inserted, err := c.Insert("Paris, France", Coordinate{Latitude: 1, Longitude: 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if inserted {
		t.Error("Insert of a cached key = true, want false")
	}
	if n := strings.Count(readStore(t, path), "\n"); n != 2 {
		t.Errorf("store has %d lines after rejected insert, want 2", n)
	}
}

func TestCache_MalformedLinesSkipped(t *testing.T) {
	path := writeStore(t, ""+
		"Los Angeles, California, USA\t-118.2437 34.0522\n"+
		"no tab here\n"+
		"\n"+
		"Too Many\t1 2 3\n"+
		"Bad Number\tabc 12\n"+
		"Out Of Range\t10 95\n"+
		"\t1 2\n"+
		"Paris, France\t2.3522 48.8566\n")
	c := openTestCache(t, path)

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (keys %q)", c.Len(), c.Keys())
	}
	for _, k := range []string{"Los Angeles, California, USA", "Paris, France"} {
		if _, ok := c.Lookup(k); !ok {
			t.Errorf("Lookup(%q) missing", k)
		}
	}
}

func TestCache_InsertRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		coord Coordinate
	}{
		{"empty key", "", Coordinate{Latitude: 1, Longitude: 1}},
		{"tab in key", "a\tb", Coordinate{Latitude: 1, Longitude: 1}},
		{"newline in key", "a\nb", Coordinate{Latitude: 1, Longitude: 1}},
		{"latitude out of range", "x", Coordinate{Latitude: 90.5, Longitude: 1}},
		{"longitude out of range", "x", Coordinate{Latitude: 1, Longitude: -181}},
		{"NaN", "x", Coordinate{Latitude: math.NaN(), Longitude: 1}},
		{"Inf", "x", Coordinate{Latitude: 1, Longitude: math.Inf(-1)}},
	}

	path := filepath.Join(t.TempDir(), "locbase.txt")
	c := openTestCache(t, path)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inserted, err := c.Insert(tt.key, tt.coord)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Insert() error = %v, want ErrInvalidEntry", err)
			}
			if inserted {
				t.Error("Insert() = true, want false")
			}
		})
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after invalid inserts, want 0", c.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("store written by invalid inserts: %v", err)
	}
}

func TestCache_PartialTail(t *testing.T) {
	path := writeStore(t, ""+
		"Los Angeles, California, USA\t-118.2437 34.0522\n"+
		"Truncated\t-118.2")
	c := openTestCache(t, path)

	if _, err := c.Insert("Paris, France", Coordinate{Latitude: 48.8566, Longitude: 2.3522}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	want := "Los Angeles, California, USA\t-118.2437 34.0522\nParis, France\t2.3522 48.8566\n"
	if got := readStore(t, path); got != want {
		t.Fatalf("store = %q, want %q", got, want)
	}

	reopened := openTestCache(t, path)
	if _, ok := reopened.Lookup("Paris, France"); !ok {
		t.Error("entry appended after a partial line was lost")
	}
	if reopened.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reopened.Len())
	}
}

func TestCache_TruncatedEntryNotLoaded(t *testing.T) {
	// A crash while appending "Paris, France\t2.3522 48.8566\n" can leave a
	// tail that still parses as two numbers.
	path := writeStore(t, ""+
		"Los Angeles, California, USA\t-118.2437 34.0522\n"+
		"Paris, France\t2.3522 48.8")
	c := openTestCache(t, path)

	if _, ok := c.Lookup("Paris, France"); ok {
		t.Fatal("unterminated last line was loaded as an entry")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	want := Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	inserted, err := c.Insert("Paris, France", want)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !inserted {
		t.Fatal("Insert after a partial write = false, want true")
	}
	if got, _ := c.Lookup("Paris, France"); got != want {
		t.Errorf("Lookup = %+v, want %+v", got, want)
	}

	wantStore := "Los Angeles, California, USA\t-118.2437 34.0522\nParis, France\t2.3522 48.8566\n"
	if got := readStore(t, path); got != wantStore {
		t.Errorf("store = %q, want %q", got, wantStore)
	}

	reopened := openTestCache(t, path)
	if got, _ := reopened.Lookup("Paris, France"); got != want {
		t.Errorf("reopened Lookup = %+v, want %+v", got, want)
	}
	if _, err := reopened.Validate(2); err != nil {
		t.Errorf("Validate after repair: %v", err)
	}
}

func TestCache_ReloadSkipsPartialTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locbase.txt")
	c := openTestCache(t, path)
	if _, err := c.Insert("Los Angeles, California, USA", Coordinate{Latitude: 34.0522, Longitude: -118.2437}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("Paris, France\t2.3522 48.8")
	f.Close()

	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := c.Lookup("Paris, France"); ok {
		t.Error("Reload loaded an unterminated line")
	}
	if _, err := c.Insert("Paris, France", Coordinate{Latitude: 48.8566, Longitude: 2.3522}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := readStore(t, path); strings.Contains(got, "48.8\n") || strings.Count(got, "\n") != 2 {
		t.Errorf("store = %q, want the partial line replaced", got)
	}
}

func TestCache_ReloadPicksUpOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locbase.txt")
	a := openTestCache(t, path)
	b := openTestCache(t, path)

	if _, err := a.Insert("Paris, France", Coordinate{Latitude: 48.8566, Longitude: 2.3522}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := b.Lookup("Paris, France"); ok {
		t.Fatal("Lookup performed I/O before Reload")
	}
	if err := b.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := b.Lookup("Paris, France"); !ok {
		t.Error("Reload did not pick up the other writer's entry")
	}

	// b sees the entry on disk before writing, so the first write wins.
	inserted, err := b.Insert("Paris, France", Coordinate{Latitude: 1, Longitude: 1})
	if err != nil || inserted {
		t.Errorf("Insert of key written elsewhere = %v, %v; want false, nil", inserted, err)
	}
}

func TestCache_InsertRefreshesBeforeAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locbase.txt")
	a := openTestCache(t, path)
	b := openTestCache(t, path)

	if _, err := a.Insert("Paris, France", Coordinate{Latitude: 48.8566, Longitude: 2.3522}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// b never reloaded, but still must not write a second line for the key.
	inserted, err := b.Insert("Paris, France", Coordinate{Latitude: 1, Longitude: 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if inserted {
		t.Error("second writer persisted a duplicate key")
	}
	got, _ := b.Lookup("Paris, France")
	if got.Latitude != 48.8566 {
		t.Errorf("b.Lookup = %+v, want the first writer's value", got)
	}
}

func TestCache_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locbase.txt")
	writers := []*Cache{openTestCache(t, path), openTestCache(t, path), openTestCache(t, path)}

	const keys = 40
	var wg sync.WaitGroup
	for w, c := range writers {
		wg.Add(1)
		go func(w int, c *Cache) {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				key := fmt.Sprintf("Place %d, Somewhere", i)
				coord := Coordinate{Latitude: float64(w), Longitude: float64(i)}
				if _, err := c.Insert(key, coord); err != nil {
					t.Errorf("writer %d Insert(%q): %v", w, key, err)
					return
				}
			}
		}(w, c)
	}
	wg.Wait()

	check := openTestCache(t, path)
	report, err := check.Validate(keys)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Lines != keys || report.Duplicates != 0 {
		t.Errorf("report = %+v, want %d lines and no duplicates", report, keys)
	}
	for _, c := range writers {
		if err := c.Reload(); err != nil {
			t.Fatalf("Reload: %v", err)
		}
		for i := 0; i < keys; i++ {
			key := fmt.Sprintf("Place %d, Somewhere", i)
			got, _ := c.Lookup(key)
			want, _ := check.Lookup(key)
			if got != want {
				t.Errorf("writers disagree on %q: %+v vs %+v", key, got, want)
			}
		}
	}
}

func TestCache_Deduplicate(t *testing.T) {
	path := writeStore(t, ""+
		"A, B, C\t1 2\n"+
		"D, E, F\t3 4\n"+
		"A, B, C\t1 2\n"+
		"garbage\n"+
		"D, E, F\t30 40\n"+
		"G, H, I\t5 6")
	c := openTestCache(t, path)

	stats, err := c.Deduplicate()
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	want := DedupeStats{Kept: 2, Duplicates: 2, Conflicts: 1, Malformed: 2}
	if stats != want {
		t.Errorf("Deduplicate() = %+v, want %+v", stats, want)
	}

	// The unterminated last line is a partial write and is dropped.
	wantStore := "A, B, C\t1 2\nD, E, F\t3 4\n"
	if got := readStore(t, path); got != wantStore {
		t.Errorf("store after dedupe = %q, want %q", got, wantStore)
	}

	stats, err = c.Deduplicate()
	if err != nil {
		t.Fatalf("second Deduplicate: %v", err)
	}
	if stats != (DedupeStats{Kept: 2}) {
		t.Errorf("second Deduplicate() = %+v, want only kept entries", stats)
	}
	if got := readStore(t, path); got != wantStore {
		t.Errorf("second dedupe changed the store: %q", got)
	}

	// Appends after a rewrite land after the rewritten content.
	if _, err := c.Insert("J, K, L", Coordinate{Latitude: 7, Longitude: 8}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := readStore(t, path); got != wantStore+"J, K, L\t8 7\n" {
		t.Errorf("store after insert = %q", got)
	}

	leftovers, _ := filepath.Glob(path + ".*.tmp")
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestCache_Validate(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		min     int
		wantErr string
	}{
		{"clean", "A\t1 2\nB\t3 4\n", 2, ""},
		{"plain duplicates tolerated", "A\t1 2\nA\t1 2\n", 1, ""},
		{"too few entries", "A\t1 2\n", 2, "entry count too low"},
		{"malformed", "A\t1 2\nbroken\n", 0, "malformed"},
		{"conflict", "A\t1 2\nA\t3 4\n", 0, "conflicting coordinates"},
		{"unterminated last line", "A\t1 2\nB\t3 4", 0, "partial write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := openTestCache(t, writeStore(t, tt.store))
			report, err := c.Validate(tt.min)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
			if report == nil {
				t.Fatal("Validate() returned no report")
			}
		})
	}
}

func TestCache_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locbase.txt")
	held := flock.New(path + ".lock")
	if err := held.Lock(); err != nil {
		t.Fatalf("locking: %v", err)
	}
	defer held.Unlock()

	_, err := OpenCache(path, WithLogger(discardLogger()), WithLockTimeout(100*time.Millisecond))
	if !errors.Is(err, ErrCacheLocked) {
		t.Errorf("OpenCache() with held lock error = %v, want ErrCacheLocked", err)
	}
}

func TestFormatLine(t *testing.T) {
	got := formatLine("Paris, France", Coordinate{Latitude: 48.8566, Longitude: 2.3522})
	if want := "Paris, France\t2.3522 48.8566\n"; got != want {
		t.Errorf("formatLine() = %q, want %q", got, want)
	}
}
