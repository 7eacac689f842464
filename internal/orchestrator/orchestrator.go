// Package orchestrator implements C5: the bounded-concurrency fan-out over
// stations. One station's chunk processing is strictly serial (see
// internal/pipeline); across stations, up to Parallelism run concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/observability"
	"github.com/nlweather/edr-ingest/internal/pipeline"
)

// Prober validates upstream connectivity and credentials before any
// station pipeline is launched. Satisfied by *retriever.Client.
type Prober interface {
	Probe(ctx context.Context, station domain.Station) error
}

// RunOutcome aggregates every station's result for one invocation.
type RunOutcome struct {
	Stations map[string]pipeline.StationOutcome
}

// FailedChunks lists every (station, year) chunk that did not complete,
// in station-key then year order, for a deterministic terminal summary.
func (o RunOutcome) FailedChunks() []domain.Chunk {
	var failed []domain.Chunk
	keys := make([]string, 0, len(o.Stations))
	for k := range o.Stations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		outcome := o.Stations[key]
		for _, r := range outcome.Results {
			if r.Status == pipeline.ChunkFailed {
				failed = append(failed, domain.Chunk{Station: outcome.Station, Year: r.Year})
			}
		}
	}
	return failed
}

// Failed reports whether any station in the run had a failed chunk.
func (o RunOutcome) Failed() bool {
	return len(o.FailedChunks()) > 0
}

// Orchestrator runs a bounded pool of station pipelines.
type Orchestrator struct {
	prober      Prober
	newPipeline func() *pipeline.Pipeline
	recorder    *observability.Recorder
	metrics     *observability.Metrics
	parallelism int
}

// New builds an Orchestrator. newPipeline must return a fresh *pipeline.Pipeline
// safe for concurrent use by distinct stations (the teacher's pipelines hold
// no per-call mutable state, so a single shared instance is also safe, but a
// factory keeps the door open for per-station wiring).
func New(prober Prober, newPipeline func() *pipeline.Pipeline, recorder *observability.Recorder, metrics *observability.Metrics, parallelism int) *Orchestrator {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Orchestrator{prober: prober, newPipeline: newPipeline, recorder: recorder, metrics: metrics, parallelism: parallelism}
}

// Ingest runs the preflight probe against probeStation, then fans out a
// pipeline run over every station in stations for every year in years.
// A preflight failure aborts before any station pipeline launches.
func (o *Orchestrator) Ingest(ctx context.Context, probeStation domain.Station, stations []domain.Station, years []int, force bool) (RunOutcome, error) {
	if err := o.prober.Probe(ctx, probeStation); err != nil {
		o.emit(ctx, observability.EventPreflightFailed, "preflight probe failed", map[string]any{"error": err.Error()})
		return RunOutcome{}, fmt.Errorf("orchestrator: preflight failed: %w", err)
	}
	o.emit(ctx, observability.EventPreflightOK, "preflight probe succeeded", nil)

	if o.metrics != nil {
		o.metrics.RunRunning.Set(1)
		defer o.metrics.RunRunning.Set(0)
	}

	sem := make(chan struct{}, o.parallelism)
	results := make(chan pipeline.StationOutcome, len(stations))
	var wg sync.WaitGroup

	for _, station := range stations {
		wg.Add(1)
		go func(station domain.Station) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if o.metrics != nil {
				o.metrics.StationsInFlight.Inc()
				defer o.metrics.StationsInFlight.Dec()
			}

			p := o.newPipeline()
			results <- p.Run(ctx, station, years, force)
		}(station)
	}

	wg.Wait()
	close(results)

	outcome := RunOutcome{Stations: make(map[string]pipeline.StationOutcome, len(stations))}
	for r := range results {
		outcome.Stations[r.Station.Key] = r
	}

	o.emit(ctx, observability.EventRunComplete, "ingestion run finished", map[string]any{
		"stations": len(stations),
		"failed":   outcome.Failed(),
	})
	return outcome, nil
}

func (o *Orchestrator) emit(ctx context.Context, kind observability.EventKind, msg string, fields map[string]any) {
	if o.recorder != nil {
		o.recorder.Emit(ctx, observability.Event{Kind: kind, Message: msg, Fields: fields})
	}
}
