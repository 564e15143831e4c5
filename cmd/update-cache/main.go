// Command update-cache resolves film shooting addresses into the geocode cache.
//
// Usage:
//
//	go run ./cmd/update-cache [-config web-map.yaml] [-from-staging] [-dedupe-only]
//
// Addresses come from the locations list (records.path), or from the staging
// file of an interrupted run with -from-staging. Resolved coordinates are
// appended to cache.path as they arrive; the run ends with a deduplication
// pass and a review of the addresses that could not be resolved.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	webmap "github.com/yurii-zinchuk/web-map"
	"github.com/yurii-zinchuk/web-map/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file (default: $WEBMAP_CONFIG, then environment only)")
	fromStaging := flag.Bool("from-staging", false, "resume from the staged unresolved addresses instead of the locations list")
	dedupeOnly := flag.Bool("dedupe-only", false, "only deduplicate and validate the cache file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	cache, err := webmap.OpenCache(cfg.Cache.Path,
		webmap.WithLogger(logger),
		webmap.WithLockTimeout(cfg.Cache.LockTimeout))
	if err != nil {
		return err
	}
	defer cache.Close()

	if !*dedupeOnly {
		if err := build(cfg, cache, logger, *fromStaging); err != nil {
			return err
		}
	}

	stats, err := cache.Deduplicate()
	if err != nil {
		return fmt.Errorf("deduplicating cache: %w", err)
	}
	fmt.Printf("Cache %s: %d entries (%d duplicates, %d malformed lines removed)\n",
		cache.Path(), stats.Kept, stats.Duplicates, stats.Malformed)

	if _, err := cache.Validate(0); err != nil {
		return fmt.Errorf("validating cache: %w", err)
	}
	return nil
}

func build(cfg *config.Config, cache *webmap.Cache, logger *slog.Logger, fromStaging bool) error {
	var addresses []string
	if fromStaging {
		keys, err := webmap.ReadStagingFile(cfg.Cache.StagingPath)
		if err != nil {
			return err
		}
		addresses = keys
	} else {
		records, skipped, err := webmap.ReadLocationsList(cfg.Records.Path)
		if err != nil {
			return err
		}
		logger.Info("locations list loaded", "records", len(records), "skipped", skipped)
		addresses = webmap.Addresses(records)
	}

	resolver := webmap.NewNominatimResolver(
		webmap.WithBaseURL(cfg.Geocoder.BaseURL),
		webmap.WithUserAgent(cfg.Geocoder.UserAgent),
		webmap.WithRateLimit(cfg.Geocoder.RatePerSecond, cfg.Geocoder.Burst),
		webmap.WithHTTPClient(newHTTPClient(cfg.Geocoder.Timeout)),
	)
	builder := webmap.NewBuilder(cache, resolver,
		webmap.WithRetryPolicy(webmap.RetryPolicy{
			MaxNotFound:  cfg.Retry.MaxNotFound,
			MaxTransient: cfg.Retry.MaxTransient,
			BaseBackoff:  cfg.Retry.BaseBackoff,
			MaxBackoff:   cfg.Retry.MaxBackoff,
		}),
		webmap.WithConcurrency(cfg.Geocoder.Concurrency),
		webmap.WithStagingFile(cfg.Cache.StagingPath),
		webmap.WithBuilderLogger(logger),
	)

	// Interrupts stop the build between appends; persisted entries stay.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := builder.Build(ctx, addresses)
	if report != nil {
		printReport(report)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("Interrupted. Resume with -from-staging.")
		return nil
	}
	if err != nil {
		return err
	}

	if len(report.Abandoned) > 0 {
		keys := make([]string, len(report.Abandoned))
		for i, a := range report.Abandoned {
			keys[i] = a.Key
		}
		printReview(webmap.ReviewAbandoned(keys, cache, webmap.ReviewOptions{}))
	}
	return nil
}

func printReport(r *webmap.BuildReport) {
	fmt.Printf("Run %s: %d addresses, %d already cached, %d resolved in %d passes, %d abandoned\n",
		r.RunID, r.Keys, r.AlreadyCached, r.Resolved, r.Passes, len(r.Abandoned))
	for _, a := range r.Abandoned {
		fmt.Printf("  abandoned %q after %d attempts: %s\n", a.Key, a.Attempts, a.LastError)
	}
}

func printReview(reviews []webmap.Review) {
	for _, rv := range reviews {
		if len(rv.Suggestions) == 0 {
			continue
		}
		fmt.Printf("  %q may be:\n", rv.Key)
		for _, s := range rv.Suggestions {
			fmt.Printf("    %q %v (distance %d)\n", s.Key, s.Coordinate, s.Distance)
		}
	}
}
