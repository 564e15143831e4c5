package webmap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrCacheLocked is returned when the cache file lock could not be acquired
// within the configured lock timeout.
var ErrCacheLocked = errors.New("cache file is locked by another writer")

// Cache is the durable address → coordinate store.
//
// The store is an append-only text file, one entry per line:
//
//	<canonical address>\t<longitude> <latitude>\n
//
// Every Insert appends and fsyncs a single line while holding an exclusive
// lock on "<path>.lock", so concurrent builders (goroutines or processes)
// never interleave partial lines. The first line written for a key wins;
// later lines for the same key are ignored on load and dropped by Deduplicate.
// An unterminated last line is what a crashed append leaves behind: it is
// never loaded, and the next Insert truncates it before appending.
//
// Safe for concurrent use.
type Cache struct {
	path string
	cfg  *config
	lock *flock.Flock

	mu      sync.RWMutex
	entries map[string]Coordinate
	keys    []string // insertion order

	// Read position in the store, used to pick up lines appended by other
	// processes without rereading the whole file.
	offset      int64
	lineNo      int
	ident       fs.FileInfo
	partialTail bool  // the store ends with an unterminated line
	tailStart   int64 // offset of that line
}

// OpenCache opens (creating the parent directory if needed) and loads the
// cache stored at path. A missing file is an empty cache.
func OpenCache(path string, opts ...Option) (*Cache, error) {
	if path == "" {
		return nil, errors.New("open cache: empty path")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c := &Cache{
		path:    path,
		cfg:     cfg,
		lock:    flock.New(path + ".lock"),
		entries: make(map[string]Coordinate),
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the location of the store file.
func (c *Cache) Path() string { return c.path }

// Close releases the file lock handle.
func (c *Cache) Close() error {
	return c.lock.Close()
}

// Lookup returns the coordinate cached for key. It never performs I/O.
func (c *Cache) Lookup(key string) (Coordinate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coord, ok := c.entries[key]
	return coord, ok
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached keys in the order they were first written.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Insert stores coord under key and persists it before returning.
// It returns false without writing when key is already cached.
// A storage error is returned as is and leaves the in-memory view unchanged.
func (c *Cache) Insert(key string, coord Coordinate) (bool, error) {
	if err := validateEntry(key, coord); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return false, nil
	}

	unlock, err := c.lockFile(true)
	if err != nil {
		return false, err
	}
	defer unlock()

	// Another process may have written this key since our last read.
	if err := c.refreshLocked(); err != nil {
		return false, err
	}
	if _, ok := c.entries[key]; ok {
		return false, nil
	}

	if err := c.appendLocked(formatLine(key, coord)); err != nil {
		return false, fmt.Errorf("persisting %q: %w", key, err)
	}
	c.add(key, coord)
	return true, nil
}

// Load reads the whole store and merges it into the in-memory view.
// Known entries are never dropped or overwritten.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.lockFile(false)
	if err != nil {
		return err
	}
	defer unlock()

	c.offset, c.lineNo, c.ident = 0, 0, nil
	return c.refreshLocked()
}

// Reload picks up lines appended to the store since the last read, e.g. by
// another builder process.
func (c *Cache) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.lockFile(false)
	if err != nil {
		return err
	}
	defer unlock()

	return c.refreshLocked()
}

// DedupeStats summarizes a Deduplicate run.
type DedupeStats struct {
	Kept       int // Lines left in the store
	Duplicates int // Later lines dropped for an already seen key
	Conflicts  int // Dropped duplicates whose coordinates differed from the kept line
	Malformed  int // Unparseable lines dropped
}

// Deduplicate rewrites the store keeping only the first line for every key
// and dropping malformed lines. The rewrite goes to a temporary file that is
// renamed over the store, so a crash leaves either the old or the new file.
// Running it twice is a no-op the second time.
func (c *Cache) Deduplicate() (DedupeStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.lockFile(true)
	if err != nil {
		return DedupeStats{}, err
	}
	defer unlock()

	scan, err := c.scanStore()
	if err != nil {
		return DedupeStats{}, err
	}
	stats := DedupeStats{
		Kept:       len(scan.entries),
		Duplicates: scan.duplicates,
		Conflicts:  scan.conflicts,
		Malformed:  len(scan.malformed),
	}
	if stats.Duplicates == 0 && stats.Malformed == 0 && !scan.partialTail {
		return stats, nil
	}

	if err := c.rewriteLocked(scan.entries); err != nil {
		return DedupeStats{}, err
	}

	c.entries = make(map[string]Coordinate, len(scan.entries))
	c.keys = c.keys[:0]
	for _, e := range scan.entries {
		c.add(e.key, e.coord)
	}

	c.cfg.logger.Info("cache deduplicated",
		"path", c.path,
		"kept", stats.Kept,
		"duplicates", stats.Duplicates,
		"conflicts", stats.Conflicts,
		"malformed", stats.Malformed)
	return stats, nil
}

// ValidationReport describes the persisted store.
type ValidationReport struct {
	Lines      int
	Entries    int
	Duplicates int
	Conflicts  int
	Malformed  []*MalformedLineError
}

// Validate scans the store and checks its integrity: at least minEntries
// distinct keys, no malformed lines and no key persisted with two different
// coordinates. Plain duplicates are reported but tolerated.
func (c *Cache) Validate(minEntries int) (*ValidationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.lockFile(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	scan, err := c.scanStore()
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{
		Lines:      scan.lines,
		Entries:    len(scan.entries),
		Duplicates: scan.duplicates,
		Conflicts:  scan.conflicts,
		Malformed:  scan.malformed,
	}

	if report.Entries < minEntries {
		return report, fmt.Errorf("entry count too low: got %d, want >= %d", report.Entries, minEntries)
	}
	if len(report.Malformed) > 0 {
		return report, fmt.Errorf("%d malformed lines, first: %w", len(report.Malformed), report.Malformed[0])
	}
	if report.Conflicts > 0 {
		return report, fmt.Errorf("%d keys persisted with conflicting coordinates, run deduplicate", report.Conflicts)
	}
	return report, nil
}

func (c *Cache) add(key string, coord Coordinate) {
	c.entries[key] = coord
	c.keys = append(c.keys, key)
}

// lockFile acquires the inter-process lock and returns its release function.
func (c *Cache) lockFile(exclusive bool) (func(), error) {
	ctx := context.Background()
	if c.cfg.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.lockTimeout)
		defer cancel()
	}

	var ok bool
	var err error
	if exclusive {
		ok, err = c.lock.TryLockContext(ctx, c.cfg.lockRetry)
	} else {
		ok, err = c.lock.TryRLockContext(ctx, c.cfg.lockRetry)
	}
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && !ok) {
		return nil, fmt.Errorf("%w: %s", ErrCacheLocked, c.lock.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", c.lock.Path(), err)
	}
	return func() {
		if err := c.lock.Unlock(); err != nil {
			c.cfg.logger.Warn("unlocking cache", "path", c.lock.Path(), "error", err)
		}
	}, nil
}

// refreshLocked reads lines past c.offset. A store that was replaced
// (Deduplicate in another process) or truncated is reread from the start.
// Callers hold c.mu and the file lock.
func (c *Cache) refreshLocked() error {
	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.offset, c.lineNo, c.ident, c.partialTail = 0, 0, nil, false
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening cache %s: %w", c.path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat cache %s: %w", c.path, err)
	}
	if c.ident == nil || !os.SameFile(c.ident, fi) || fi.Size() < c.offset {
		c.offset, c.lineNo, c.partialTail = 0, 0, false
	}
	c.ident = fi
	if fi.Size() == c.offset {
		return nil
	}

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking cache %s: %w", c.path, err)
	}

	r := bufio.NewReader(f)
	for {
		raw, err := r.ReadString('\n')
		if len(raw) > 0 {
			start := c.offset
			c.offset += int64(len(raw))
			c.lineNo++
			if strings.HasSuffix(raw, "\n") {
				c.partialTail = false
				c.mergeLine(raw)
			} else {
				c.partialTail, c.tailStart = true, start
				c.skipPartial(raw)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading cache %s: %w", c.path, err)
		}
	}
}

// skipPartial logs an unterminated last line. Writers append whole lines
// under the exclusive lock, so a truncated tail may still parse as numbers
// and must not be loaded.
func (c *Cache) skipPartial(raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	err := &MalformedLineError{Path: c.path, Line: c.lineNo, Text: raw, Reason: reasonPartial}
	c.cfg.logger.Warn("skipping partial cache line", "error", err)
}

func (c *Cache) mergeLine(raw string) {
	key, coord, reason := parseLine(raw)
	if reason != "" {
		if strings.TrimSpace(raw) == "" {
			return
		}
		err := &MalformedLineError{Path: c.path, Line: c.lineNo, Text: strings.TrimRight(raw, "\r\n"), Reason: reason}
		c.cfg.logger.Warn("skipping cache line", "error", err)
		return
	}
	if _, ok := c.entries[key]; ok {
		return
	}
	c.add(key, coord)
}

// appendLocked writes one complete line to the end of the store and syncs it.
// A partial last line is cut off first.
// Callers hold c.mu and the exclusive file lock.
func (c *Cache) appendLocked(line string) error {
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening cache %s: %w", c.path, err)
	}
	if c.partialTail {
		if err := f.Truncate(c.tailStart); err != nil {
			f.Close()
			return fmt.Errorf("truncating partial line of %s: %w", c.path, err)
		}
		c.offset = c.tailStart
		c.lineNo--
		c.partialTail = false
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("writing cache %s: %w", c.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing cache %s: %w", c.path, err)
	}
	fi, statErr := f.Stat()
	// Explicitly close to catch flush errors (e.g., on NFS)
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing cache %s: %w", c.path, err)
	}

	c.offset += int64(len(line))
	c.lineNo++
	if statErr == nil {
		c.ident = fi
	}
	return nil
}

type cacheEntry struct {
	key   string
	coord Coordinate
}

type storeScan struct {
	entries     []cacheEntry
	lines       int
	duplicates  int
	conflicts   int
	malformed   []*MalformedLineError
	partialTail bool
}

// scanStore reads the whole store without touching the in-memory view.
func (c *Cache) scanStore() (*storeScan, error) {
	scan := &storeScan{}

	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return scan, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", c.path, err)
	}
	defer f.Close()

	first := make(map[string]Coordinate)
	r := bufio.NewReader(f)
	for {
		raw, err := r.ReadString('\n')
		if len(raw) > 0 {
			scan.lines++
			scan.partialTail = !strings.HasSuffix(raw, "\n")
			key, coord, reason := parseLine(raw)
			if scan.partialTail {
				key, coord, reason = "", Coordinate{}, reasonPartial
			}
			switch {
			case reason != "":
				if strings.TrimSpace(raw) != "" {
					scan.malformed = append(scan.malformed, &MalformedLineError{
						Path: c.path, Line: scan.lines, Text: strings.TrimRight(raw, "\r\n"), Reason: reason,
					})
				}
			default:
				if prev, ok := first[key]; ok {
					scan.duplicates++
					if prev != coord {
						scan.conflicts++
					}
					continue
				}
				first[key] = coord
				scan.entries = append(scan.entries, cacheEntry{key: key, coord: coord})
			}
		}
		if err == io.EOF {
			return scan, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading cache %s: %w", c.path, err)
		}
	}
}

// rewriteLocked atomically replaces the store with entries.
func (c *Cache) rewriteLocked(entries []cacheEntry) error {
	dir, base := filepath.Split(c.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	// Use a flag to track success so the deferred cleanup can remove
	// the partial file on error.
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name()) // best-effort cleanup of partial file
		}
	}()

	w := bufio.NewWriter(tmp)
	var size int64
	for _, e := range entries {
		n, err := w.WriteString(formatLine(e.key, e.coord))
		if err != nil {
			return fmt.Errorf("writing %s: %w", tmp.Name(), err)
		}
		size += int64(n)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replacing %s: %w", c.path, err)
	}
	success = true

	fi, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("stat cache %s: %w", c.path, err)
	}
	c.ident, c.offset, c.lineNo, c.partialTail = fi, size, len(entries), false
	return nil
}

// reasonPartial is the MalformedLineError reason of an unterminated last line.
const reasonPartial = "unterminated line (partial write)"

// formatLine renders an entry in the store format. The longitude comes
// first; parseLine reads it back in the same order.
func formatLine(key string, coord Coordinate) string {
	return key + "\t" +
		strconv.FormatFloat(coord.Longitude, 'f', -1, 64) + " " +
		strconv.FormatFloat(coord.Latitude, 'f', -1, 64) + "\n"
}

// parseLine parses one store line. A non-empty reason means the line is malformed.
// Invalid UTF-8 is dropped rather than rejected.
func parseLine(raw string) (key string, coord Coordinate, reason string) {
	line := strings.ToValidUTF8(strings.TrimRight(raw, "\r\n"), "")
	tab := strings.LastIndexByte(line, '\t')
	if tab < 0 {
		return "", Coordinate{}, "missing tab separator"
	}
	key = line[:tab]
	if key == "" {
		return "", Coordinate{}, "empty address"
	}

	fields := strings.Fields(line[tab+1:])
	if len(fields) != 2 {
		return "", Coordinate{}, fmt.Sprintf("want 2 coordinates, got %d", len(fields))
	}
	lon, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", Coordinate{}, "bad longitude: " + err.Error()
	}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", Coordinate{}, "bad latitude: " + err.Error()
	}
	coord = Coordinate{Latitude: lat, Longitude: lon}
	if err := coord.Validate(); err != nil {
		return "", Coordinate{}, err.Error()
	}
	return key, coord, ""
}

func validateEntry(key string, coord Coordinate) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	if strings.ContainsAny(key, "\t\r\n") {
		return fmt.Errorf("%w: key %q contains a tab or newline", ErrInvalidEntry, key)
	}
	if err := coord.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return nil
}
