package webmap

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeStore creates a cache store file with the given content in a temp dir.
func writeStore(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locbase.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing store: %v", err)
	}
	return path
}

func openTestCache(t *testing.T, path string) *Cache {
	t.Helper()
	c, err := OpenCache(path, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("OpenCache(%s): %v", path, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readStore(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store: %v", err)
	}
	return string(data)
}

// staticCache is an in-memory CoordinateLookup.
type staticCache map[string]Coordinate

func (s staticCache) Lookup(key string) (Coordinate, bool) {
	c, ok := s[key]
	return c, ok
}

func (s staticCache) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}
