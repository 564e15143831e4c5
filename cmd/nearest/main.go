// Command nearest prints the films of a year shot nearest to a point.
//
// Usage:
//
//	go run ./cmd/nearest [-config web-map.yaml] [-k 10] [-unique-by location] <year> <latitude> <longitude>
//
// Only cached coordinates are used; run update-cache first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

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
	k := flag.Int("k", 0, "distinct locations to return (default: query.k)")
	uniqueBy := flag.String("unique-by", "", "location or film (default: query.unique_by)")
	flag.Parse()

	if flag.NArg() != 3 {
		return fmt.Errorf("want <year> <latitude> <longitude>, got %d arguments", flag.NArg())
	}
	year, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("year: %w", err)
	}
	lat, err := strconv.ParseFloat(flag.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(flag.Arg(2), 64)
	if err != nil {
		return fmt.Errorf("longitude: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *k > 0 {
		cfg.Query.K = *k
	}
	if *uniqueBy != "" {
		cfg.Query.UniqueBy = *uniqueBy
	}
	policy, err := webmap.ParseUniqueBy(cfg.Query.UniqueBy)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	records, _, err := webmap.ReadLocationsList(cfg.Records.Path)
	if err != nil {
		return err
	}
	cache, err := webmap.OpenCache(cfg.Cache.Path, webmap.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cache.Close()

	engine := webmap.NewQueryEngine(webmap.NewYearIndex(records), cache,
		webmap.WithK(cfg.Query.K),
		webmap.WithUniqueBy(policy),
		webmap.WithQueryLogger(logger))

	ref := webmap.Coordinate{Latitude: lat, Longitude: lon}
	nearest, err := engine.NearestForYear(context.Background(), year, ref)
	if err != nil {
		return err
	}

	fmt.Printf("Films of %04d nearest to %v:\n", year, ref)
	for i, c := range nearest {
		fmt.Printf("%3d. %-40s %9.3f km  %v  %s\n", i+1, c.Film, c.DistanceKm, c.Coordinate, c.Address)
	}
	groups := webmap.GroupByLocation(nearest)
	fmt.Printf("\n%d markers:\n", len(groups))
	for _, g := range groups {
		fmt.Printf("  %v %.3f km: %d films\n", g.Coordinate, g.DistanceKm, len(g.Films))
	}
	return nil
}
