// Command refine transforms ingested raw coverage-document payloads into
// monthly parquet partitions for one or more stations over a range of
// years, resuming from the per-station refinement ledger on every run.
//
// Usage:
//
//	go run ./cmd/refine -stations core -start-year 1990 -end-year 2020
//	go run ./cmd/refine -stations hupsel -start-year 2020 -end-year 2020 -force
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nlweather/edr-ingest/internal/config"
	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/ledger"
	"github.com/nlweather/edr-ingest/internal/observability"
	"github.com/nlweather/edr-ingest/internal/refiner"
	"github.com/nlweather/edr-ingest/internal/storage"
)

const (
	exitOK                 = 0
	exitConfigurationError = 2
	exitPartialRefine      = 5
)

func main() {
	stationsFlag := flag.String("stations", "", "station key, comma-separated keys, or registry group name")
	startYear := flag.Int("start-year", 0, "first year to refine (inclusive)")
	endYear := flag.Int("end-year", 0, "last year to refine (inclusive)")
	force := flag.Bool("force", false, "re-write months already present in the refinement ledger")
	parallelism := flag.Int("parallelism", 0, "max stations processed concurrently (0 uses EDR_PARALLELISM)")
	verbose := flag.Bool("verbose", false, "log at debug level regardless of LOG_LEVEL")
	flag.Parse()

	if *stationsFlag == "" || *startYear == 0 || *endYear == 0 {
		flag.Usage()
		os.Exit(exitConfigurationError)
	}

	years := domain.YearRange{Start: *startYear, End: *endYear}
	if !years.Valid() {
		fmt.Fprintf(os.Stderr, "refine: invalid year range %d-%d\n", *startYear, *endYear)
		os.Exit(exitConfigurationError)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfigurationError)
	}
	if *parallelism > 0 {
		cfg.Parallelism = *parallelism
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logger := observability.NewLogger(observability.LoggerConfig{LogLevel: cfg.LogLevel, LogFormat: cfg.LogFormat})
	metrics := observability.NewMetrics()
	runID := uuid.New().String()
	logger = logger.With("run_id", runID)

	var machineSink observability.EventSink
	var kafkaSink *observability.KafkaEventSink
	if cfg.KafkaEnabled {
		kafkaSink = observability.NewKafkaEventSink(cfg.KafkaBrokers, cfg.KafkaEventTopic, logger)
		machineSink = kafkaSink
	}
	recorder := observability.NewRecorder(logger, machineSink, runID)

	registry, err := config.LoadRegistry(filepath.Join(cfg.MetadataRoot, "stations.json"))
	if err != nil {
		logger.Error("failed to load station registry", "error", err)
		os.Exit(exitConfigurationError)
	}

	stations, err := registry.Resolve(*stationsFlag)
	if err != nil {
		logger.Error("failed to resolve station selector", "error", err, "selector", *stationsFlag)
		os.Exit(exitConfigurationError)
	}
	if len(stations) == 0 {
		logger.Error("station selector resolved to zero stations", "selector", *stationsFlag)
		os.Exit(exitConfigurationError)
	}

	clock := clockwork.NewRealClock()
	store := storage.New()
	ingestionTracker := ledger.NewIngestionTracker(filepath.Join(cfg.MetadataRoot, "ingestion"), store, clock)
	refinementTracker := ledger.NewRefinementTracker(filepath.Join(cfg.MetadataRoot, "refined"), store, clock)
	writer := refiner.NewParquetWriter()
	r := refiner.New(store, ingestionTracker, refinementTracker, cfg.RefinedRoot, writer, recorder, metrics)

	ctx := context.Background()

	parallelismCap := cfg.Parallelism
	if parallelismCap <= 0 {
		parallelismCap = 1
	}
	sem := make(chan struct{}, parallelismCap)
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFailed := false

	for _, station := range stations {
		wg.Add(1)
		go func(station domain.Station) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, year := range years.Years() {
				outcome := r.RefineYear(ctx, station, year, *force)
				if outcome.Failed() {
					mu.Lock()
					anyFailed = true
					mu.Unlock()
					for _, m := range outcome.Months {
						if m.Status == refiner.MonthFailed {
							logger.Error("month did not refine", "station_key", station.Key, "year", year, "month", m.Month, "error", m.Err)
						}
					}
				}
			}
		}(station)
	}
	wg.Wait()

	if kafkaSink != nil {
		if closeErr := kafkaSink.Close(); closeErr != nil {
			logger.Warn("failed to close kafka event sink", "error", closeErr)
		}
	}

	if anyFailed {
		os.Exit(exitPartialRefine)
	}

	logger.Info("refinement run complete", "stations", len(stations), "years", len(years.Years()))
	os.Exit(exitOK)
}
