package webmap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// KeyState is the resolution state of one canonical address during a build.
//
//	Pending → Resolved | RetryPending
//	RetryPending → Pending | Abandoned
//
// Resolved and Abandoned are terminal.
type KeyState int

const (
	StatePending KeyState = iota
	StateRetryPending
	StateResolved
	StateAbandoned
)

func (s KeyState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetryPending:
		return "retry-pending"
	case StateResolved:
		return "resolved"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("KeyState(%d)", int(s))
}

// RetryPolicy bounds how often a key is retried before it is abandoned.
type RetryPolicy struct {
	MaxNotFound  int           // Attempts answered "not found" before abandoning
	MaxTransient int           // Attempts failing transiently before abandoning
	BaseBackoff  time.Duration // Delay after the first transient failure, doubled per failure
	MaxBackoff   time.Duration // Upper bound on the transient backoff
}

// DefaultRetryPolicy gives a "not found" answer one extra try and transient
// failures five tries with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxNotFound:  2,
		MaxTransient: 5,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   2 * time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxNotFound < 1 {
		p.MaxNotFound = 1
	}
	if p.MaxTransient < 1 {
		p.MaxTransient = 1
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// backoff returns the wait after the n-th transient failure (n >= 1).
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// AbandonedKey is an address the builder gave up on. It is kept for manual review.
type AbandonedKey struct {
	Key       string
	Attempts  int
	NotFound  bool   // The last answer was "not found" rather than a transient failure
	LastError string
}

// BuildReport summarizes a Build run.
type BuildReport struct {
	RunID         string
	Keys          int // Distinct canonical keys in the address universe
	AlreadyCached int // Keys cached before the run started
	Resolved      int // Keys this run resolved and persisted
	Passes        int // Reconciliation passes that attempted at least one key
	Abandoned     []AbandonedKey
	Unresolved    []string // Keys still missing from the cache, sorted
}

// Builder drives the cache toward covering an address universe using an
// unreliable upstream Resolver.
type Builder struct {
	cache       *Cache
	resolver    Resolver
	policy      RetryPolicy
	concurrency int
	stagingPath string
	logger      *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) BuilderOption {
	return func(b *Builder) {
		b.policy = p.normalized()
	}
}

// WithConcurrency sets how many keys are resolved at once. The default of 1
// resolves keys one after another. Upstream pacing is the Resolver's job.
func WithConcurrency(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithStagingFile makes every pass write the current unresolved keys to path,
// one per line, so an interrupted build can resume with ReadStagingFile.
func WithStagingFile(path string) BuilderOption {
	return func(b *Builder) {
		b.stagingPath = path
	}
}

// WithBuilderLogger sets the logger; the cache's logger is used otherwise.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a builder filling cache through resolver.
func NewBuilder(cache *Cache, resolver Resolver, opts ...BuilderOption) *Builder {
	b := &Builder{
		cache:       cache,
		resolver:    resolver,
		policy:      DefaultRetryPolicy(),
		concurrency: 1,
		logger:      cache.cfg.logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// keyProgress tracks one key across passes.
type keyProgress struct {
	state     KeyState
	notFound  int
	transient int
	nextTry   time.Time
	lastErr   error
}

// Build canonicalizes addresses and resolves every key missing from the
// cache. Each pass reloads the cache (so keys written by a concurrent builder
// are not fetched twice), recomputes the unresolved set and attempts the keys
// whose backoff has elapsed. Resolver failures never abort the build; keys
// exhausting their retry budget are abandoned and listed in the report.
//
// Build returns early on context cancellation or a storage error. Entries
// persisted before that point stay in the cache.
func (b *Builder) Build(ctx context.Context, addresses []string) (*BuildReport, error) {
	report := &BuildReport{RunID: uuid.NewString()}
	log := b.logger.With("run", report.RunID)

	keys := CanonicalKeys(addresses)
	report.Keys = len(keys)

	progress := make(map[string]*keyProgress, len(keys))
	for _, k := range keys {
		if _, ok := b.cache.Lookup(k); ok {
			report.AlreadyCached++
			continue
		}
		progress[k] = &keyProgress{state: StatePending}
	}
	log.Info("cache build started",
		"keys", report.Keys,
		"cached", report.AlreadyCached,
		"concurrency", b.concurrency)

	for {
		if err := ctx.Err(); err != nil {
			return b.finish(report, progress), err
		}
		if err := b.cache.Reload(); err != nil {
			return b.finish(report, progress), fmt.Errorf("reloading cache: %w", err)
		}

		unresolved := b.unresolved(progress)
		if err := b.stage(unresolved); err != nil {
			return b.finish(report, progress), err
		}

		now := b.now()
		var due []string
		var wake time.Time
		waiting := 0
		for _, k := range unresolved {
			p := progress[k]
			if p.state == StateAbandoned {
				continue
			}
			if p.nextTry.After(now) {
				waiting++
				if wake.IsZero() || p.nextTry.Before(wake) {
					wake = p.nextTry
				}
				continue
			}
			due = append(due, k)
		}

		if len(due) == 0 && waiting == 0 {
			break
		}
		if len(due) == 0 {
			log.Debug("waiting for backoff", "keys", waiting, "delay", wake.Sub(now))
			if err := b.sleep(ctx, wake.Sub(now)); err != nil {
				return b.finish(report, progress), err
			}
			continue
		}

		report.Passes++
		log.Info("reconciliation pass",
			"pass", report.Passes,
			"unresolved", len(unresolved),
			"attempting", len(due))
		if err := b.pass(ctx, log, due, progress, report); err != nil {
			return b.finish(report, progress), err
		}
	}

	b.finish(report, progress)
	log.Info("cache build finished",
		"passes", report.Passes,
		"resolved", report.Resolved,
		"abandoned", len(report.Abandoned))
	return report, nil
}

// unresolved returns the keys of progress that are not cached, sorted.
// Keys another writer cached in the meantime are marked resolved.
func (b *Builder) unresolved(progress map[string]*keyProgress) []string {
	var out []string
	for k, p := range progress {
		if p.state == StateResolved {
			continue
		}
		if _, ok := b.cache.Lookup(k); ok {
			p.state = StateResolved
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// pass attempts every due key once. Only storage errors and cancellation are returned.
func (b *Builder) pass(ctx context.Context, log *slog.Logger, due []string, progress map[string]*keyProgress, report *BuildReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	var mu sync.Mutex
	for _, key := range due {
		key := key
		p := progress[key]
		p.state = StatePending

		g.Go(func() error {
			coord, err := b.resolver.Resolve(gctx, key)
			if err == nil {
				inserted, insErr := b.cache.Insert(key, coord)
				switch {
				case errors.Is(insErr, ErrInvalidEntry):
					// The upstream answered with something we cannot store.
					err = &TransientError{Address: key, Err: insErr}
				case insErr != nil:
					return fmt.Errorf("storing %q: %w", key, insErr)
				default:
					mu.Lock()
					p.state = StateResolved
					if inserted {
						report.Resolved++
					}
					mu.Unlock()
					return nil
				}
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}

			mu.Lock()
			b.recordFailure(log, key, p, err)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// recordFailure moves p to RetryPending or Abandoned.
func (b *Builder) recordFailure(log *slog.Logger, key string, p *keyProgress, err error) {
	p.lastErr = err

	if errors.Is(err, ErrNotFound) {
		p.notFound++
		if p.notFound >= b.policy.MaxNotFound {
			p.state = StateAbandoned
			log.Warn("abandoning address", "address", key, "reason", "not found", "attempts", p.notFound+p.transient)
			return
		}
		p.state = StateRetryPending
		p.nextTry = time.Time{}
		log.Debug("address not found, will retry", "address", key)
		return
	}

	p.transient++
	if p.transient >= b.policy.MaxTransient {
		p.state = StateAbandoned
		log.Warn("abandoning address", "address", key, "reason", "transient failures", "attempts", p.notFound+p.transient, "error", err)
		return
	}
	p.state = StateRetryPending
	p.nextTry = b.now().Add(b.policy.backoff(p.transient))
	log.Debug("transient geocode failure", "address", key, "attempt", p.transient, "error", err)
}

// finish fills the abandoned and unresolved lists of report.
func (b *Builder) finish(report *BuildReport, progress map[string]*keyProgress) *BuildReport {
	report.Abandoned = report.Abandoned[:0]
	report.Unresolved = report.Unresolved[:0]
	for k, p := range progress {
		if _, ok := b.cache.Lookup(k); ok {
			continue
		}
		report.Unresolved = append(report.Unresolved, k)
		if p.state != StateAbandoned {
			continue
		}
		a := AbandonedKey{
			Key:      k,
			Attempts: p.notFound + p.transient,
			NotFound: errors.Is(p.lastErr, ErrNotFound),
		}
		if p.lastErr != nil {
			a.LastError = p.lastErr.Error()
		}
		report.Abandoned = append(report.Abandoned, a)
	}
	sort.Strings(report.Unresolved)
	sort.Slice(report.Abandoned, func(i, j int) bool {
		return report.Abandoned[i].Key < report.Abandoned[j].Key
	})
	return report
}

// stage writes the unresolved keys to the staging file, replacing it atomically.
func (b *Builder) stage(keys []string) error {
	if b.stagingPath == "" {
		return nil
	}
	if err := WriteStagingFile(b.stagingPath, keys); err != nil {
		return fmt.Errorf("staging unresolved addresses: %w", err)
	}
	return nil
}

// WriteStagingFile replaces path with keys, one per line.
func WriteStagingFile(path string, keys []string) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, k := range keys {
		if _, err := w.WriteString(k + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", tmp.Name(), err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	success = true
	return nil
}

// ReadStagingFile returns the keys staged at path, skipping blank lines.
func ReadStagingFile(path string) ([]string, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening staging file: %w", err)
	}
	defer fi.Close()

	var keys []string
	scanner := bufio.NewScanner(fi)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		k := strings.ToValidUTF8(strings.TrimRight(scanner.Text(), "\r"), "")
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading staging file: %w", err)
	}
	return keys, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
