// Command seed loads hazard-event fixtures into the event store. It reads a
// JSON array of raw provider records, runs each through the same normalization
// boundary the ingestion jobs use, and upserts the results into MongoDB. The
// fixture is validated as a whole before anything is written.
//
// Usage:
//
//	go run ./cmd/seed -fixture fixtures/houston_flood.json
//	go run ./cmd/seed -fixture fixtures/houston_flood.json -dry-run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	mongoadapter "github.com/commuterlab/hazard-engine/internal/adapter/mongo"
	"github.com/commuterlab/hazard-engine/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fixture := flag.String("fixture", "", "path to a JSON array of raw provider records")
	mongoURI := flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	database := flag.String("db", "hazard_engine", "MongoDB database name")
	dryRun := flag.Bool("dry-run", false, "validate the fixture and print a summary without writing")
	flag.Parse()

	if *fixture == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -fixture")
	}

	records, err := loadFixture(*fixture)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	log.Printf("loaded %d records from %s", len(records), *fixture)

	clock := clockwork.NewRealClock()
	versions := domain.NewVersionSource(clock)

	events, rejected := normalizeAll(records, versions)
	for _, msg := range rejected {
		log.Printf("invalid: %s", msg)
	}
	if len(rejected) > 0 {
		return fmt.Errorf("%d of %d records failed validation, nothing written", len(rejected), len(records))
	}

	printStats(events, clock.Now())

	if *dryRun {
		log.Printf("dry run, nothing written")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongoadapter.Connect(ctx, *mongoURI)
	if err != nil {
		return fmt.Errorf("connecting to mongodb: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Printf("disconnect error: %v", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := mongoadapter.NewStore(client.Database(*database), versions, clock, logger)

	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}
	// Continue the version sequence past whatever is already stored so seeded
	// events never reuse a cursor position.
	if err := store.SyncVersionFloor(ctx); err != nil {
		return fmt.Errorf("syncing version floor: %w", err)
	}

	for i := range events {
		stored, err := store.Upsert(ctx, events[i])
		if err != nil {
			return fmt.Errorf("upserting %s: %w", events[i].ID, err)
		}
		log.Printf("seeded %s (version %d)", stored.ID, stored.Version)
	}

	log.Printf("seeded %d events into %s", len(events), *database)
	return nil
}

func loadFixture(path string) ([]domain.RawProviderRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []domain.RawProviderRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("fixture contains no records")
	}
	return records, nil
}

func normalizeAll(records []domain.RawProviderRecord, versions *domain.VersionSource) ([]domain.Event, []string) {
	var events []domain.Event //nolint:prealloc // depends on how many records validate
	var rejected []string
	for i, rec := range records {
		event, err := domain.NormalizeRecord(rec, versions)
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		events = append(events, event)
	}
	return events, rejected
}

func printStats(events []domain.Event, now time.Time) {
	byType := map[domain.SourceType]int{}
	var withSeverity, active, future, expired, reroute int

	for i := range events {
		e := &events[i]
		byType[e.SourceType]++
		if e.Severity != "" {
			withSeverity++
		}
		switch {
		case e.Expires.Before(now):
			expired++
		case e.Start.After(now):
			future++
		default:
			active++
		}
		if e.RerouteHint {
			reroute++
		}
	}

	fmt.Println("\n=== Fixture summary ===")
	fmt.Printf("Total: %d\n", len(events))
	fmt.Printf("By source: incident=%d, dms=%d, flood=%d, closure=%d, weather_alert=%d\n",
		byType[domain.SourceIncident], byType[domain.SourceDMS], byType[domain.SourceFlood],
		byType[domain.SourceClosure], byType[domain.SourceWeatherAlert])
	fmt.Printf("With severity: %d\n", withSeverity)
	fmt.Printf("Validity: active=%d, future=%d, expired=%d\n", active, future, expired)
	fmt.Printf("Reroute hints: %d\n", reroute)
}
