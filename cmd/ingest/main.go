// Command ingest retrieves raw coverage-document payloads for one or more
// stations over a range of years from the upstream EDR API and writes them
// atomically to the raw data lake, resuming from the per-station ingestion
// ledger on every run.
//
// Usage:
//
//	go run ./cmd/ingest -stations core -start-year 1990 -end-year 2020
//	go run ./cmd/ingest -stations hupsel,schiphol -start-year 2020 -end-year 2020 -force
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nlweather/edr-ingest/internal/config"
	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/ledger"
	"github.com/nlweather/edr-ingest/internal/observability"
	"github.com/nlweather/edr-ingest/internal/orchestrator"
	"github.com/nlweather/edr-ingest/internal/pipeline"
	"github.com/nlweather/edr-ingest/internal/retriever"
	"github.com/nlweather/edr-ingest/internal/storage"
)

// Exit codes per the run engine's error taxonomy: distinct codes let
// calling schedulers distinguish an operator mistake from a preflight
// failure from a partial run.
const (
	exitOK                 = 0
	exitConfigurationError = 2
	exitPreflightError     = 3
	exitChunksFailed       = 4
)

func main() {
	stationsFlag := flag.String("stations", "", "station key, comma-separated keys, or registry group name")
	startYear := flag.Int("start-year", 0, "first year to ingest (inclusive)")
	endYear := flag.Int("end-year", 0, "last year to ingest (inclusive)")
	force := flag.Bool("force", false, "re-fetch years already present in the ingestion ledger")
	parallelism := flag.Int("parallelism", 0, "max stations processed concurrently (0 uses EDR_PARALLELISM)")
	verbose := flag.Bool("verbose", false, "log at debug level regardless of LOG_LEVEL")
	flag.Parse()

	if *stationsFlag == "" || *startYear == 0 || *endYear == 0 {
		flag.Usage()
		os.Exit(exitConfigurationError)
	}

	years := domain.YearRange{Start: *startYear, End: *endYear}
	if !years.Valid() {
		fmt.Fprintf(os.Stderr, "ingest: invalid year range %d-%d\n", *startYear, *endYear)
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
		logger.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaEventTopic)
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

	retrieverCfg := retriever.DefaultConfig()
	retrieverCfg.BaseURL = cfg.BaseURL
	retrieverCfg.CollectionID = cfg.CollectionID
	retrieverCfg.APIKey = cfg.APICredential
	retrieverCfg.MaxRetries = cfg.MaxRetries
	retrieverCfg.RequestTimeout = cfg.RequestTimeout
	clock := clockwork.NewRealClock()
	client := retriever.New(retrieverCfg, metrics, logger, clock)

	store := storage.New()
	tracker := ledger.NewIngestionTracker(filepath.Join(cfg.MetadataRoot, "ingestion"), store, clock)

	newPipeline := func() *pipeline.Pipeline {
		return pipeline.New(client, store, tracker, cfg.RawRoot, recorder, metrics)
	}

	orch := orchestrator.New(client, newPipeline, recorder, metrics, cfg.Parallelism)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := orch.Ingest(ctx, stations[0], stations, years.Years(), *force)
	if kafkaSink != nil {
		if closeErr := kafkaSink.Close(); closeErr != nil {
			logger.Warn("failed to close kafka event sink", "error", closeErr)
		}
	}
	if err != nil {
		logger.Error("preflight failed, aborting run", "error", err)
		os.Exit(exitPreflightError)
	}

	if outcome.Failed() {
		for _, chunk := range outcome.FailedChunks() {
			logger.Error("chunk did not complete", "station_key", chunk.Station.Key, "year", chunk.Year)
		}
		os.Exit(exitChunksFailed)
	}

	logger.Info("ingestion run complete", "stations", len(stations), "years", len(years.Years()))
	os.Exit(exitOK)
}
