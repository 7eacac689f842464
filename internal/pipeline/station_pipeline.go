// Package pipeline implements C4: the per-station ingestion pipeline.
// Chunk processing within a station is strictly serial in ascending year
// order; failures are isolated to the chunk that caused them.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/ledger"
	"github.com/nlweather/edr-ingest/internal/observability"
	"github.com/nlweather/edr-ingest/internal/storage"
)

// ChunkStatus is the terminal state of one station-year attempt.
type ChunkStatus string

const (
	ChunkCompleted ChunkStatus = "completed"
	ChunkSkipped   ChunkStatus = "skipped"
	ChunkFailed    ChunkStatus = "failed"
)

// ChunkResult records the outcome of attempting one year within a station.
type ChunkResult struct {
	Year   int
	Status ChunkStatus
	Err    error
}

// StationOutcome is the aggregate result of running a pipeline over every
// requested year for one station.
type StationOutcome struct {
	Station domain.Station
	Results []ChunkResult
}

// Failed reports whether any chunk in this station's outcome failed.
func (o StationOutcome) Failed() bool {
	for _, r := range o.Results {
		if r.Status == ChunkFailed {
			return true
		}
	}
	return false
}

// Fetcher retrieves one station-year chunk's raw payload. Satisfied by
// *retriever.Client; an interface here keeps the pipeline testable without
// a live HTTP server.
type Fetcher interface {
	Fetch(ctx context.Context, station domain.Station, year int) ([]byte, error)
}

// Pipeline drives chunk retrieval, atomic materialization, and ledger
// bookkeeping for a single station.
type Pipeline struct {
	fetcher  Fetcher
	store    *storage.Store
	tracker  *ledger.IngestionTracker
	rawRoot  string
	recorder *observability.Recorder
	metrics  *observability.Metrics
}

// New builds a Pipeline. recorder and metrics may be nil.
func New(fetcher Fetcher, store *storage.Store, tracker *ledger.IngestionTracker, rawRoot string, recorder *observability.Recorder, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{fetcher: fetcher, store: store, tracker: tracker, rawRoot: rawRoot, recorder: recorder, metrics: metrics}
}

// Run attempts every year in years, in ascending order, for station. A
// chunk already present in the ledger whose recorded artifact still exists
// on disk is skipped unless force is set.
// Failures are recorded in the returned outcome and do not halt
// subsequent years.
func (p *Pipeline) Run(ctx context.Context, station domain.Station, years []int, force bool) StationOutcome {
	outcome := StationOutcome{Station: station}

	l, err := p.tracker.Load(station.Key)
	if err != nil {
		for _, year := range years {
			outcome.Results = append(outcome.Results, ChunkResult{Year: year, Status: ChunkFailed, Err: fmt.Errorf("%s: load ledger: %w", domain.ErrorKindIOError, err)})
		}
		p.emit(ctx, observability.EventChunkFailed, "failed to load ingestion ledger", map[string]any{"station_key": station.Key, "error": err.Error()})
		return outcome
	}

	for _, year := range years {
		if ctx.Err() != nil {
			outcome.Results = append(outcome.Results, ChunkResult{Year: year, Status: ChunkFailed, Err: ctx.Err()})
			continue
		}

		if !force && l.IsLoaded(year) && artifactExists(l.Years[year].Path) {
			p.countOutcome("skipped")
			p.emit(ctx, observability.EventChunkSkipped, "chunk already loaded", map[string]any{"station_key": station.Key, "year": year})
			outcome.Results = append(outcome.Results, ChunkResult{Year: year, Status: ChunkSkipped})
			continue
		}

		result := p.runChunk(ctx, station, l, year)
		outcome.Results = append(outcome.Results, result)
	}

	p.emit(ctx, observability.EventStationComplete, "station pipeline finished", map[string]any{
		"station_key": station.Key,
		"failed":      outcome.Failed(),
	})
	return outcome
}

func (p *Pipeline) runChunk(ctx context.Context, station domain.Station, l *ledger.IngestionLedger, year int) ChunkResult {
	p.emit(ctx, observability.EventChunkAttempt, "fetching chunk", map[string]any{"station_key": station.Key, "year": year})

	payload, err := p.fetcher.Fetch(ctx, station, year)
	if err != nil {
		p.countOutcome("failed")
		p.emit(ctx, observability.EventChunkFailed, "chunk fetch failed", map[string]any{"station_key": station.Key, "year": year, "error": err.Error()})
		return ChunkResult{Year: year, Status: ChunkFailed, Err: err}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		p.countOutcome("failed")
		wrapped := fmt.Errorf("%s: upstream payload is not valid JSON: %w", domain.ErrorKindIOError, err)
		p.emit(ctx, observability.EventChunkFailed, "chunk payload was not valid JSON", map[string]any{"station_key": station.Key, "year": year, "error": err.Error()})
		return ChunkResult{Year: year, Status: ChunkFailed, Err: wrapped}
	}
	pretty := buf.Bytes()

	path := domain.RawArtifactPath(p.rawRoot, station.ID, year)
	if err := p.store.PutBytes(path, pretty); err != nil {
		p.countOutcome("failed")
		wrapped := fmt.Errorf("%s: %w", domain.ErrorKindIOError, err)
		p.emit(ctx, observability.EventChunkFailed, "failed to write raw artifact", map[string]any{"station_key": station.Key, "year": year, "error": err.Error()})
		return ChunkResult{Year: year, Status: ChunkFailed, Err: wrapped}
	}

	if err := p.tracker.Record(l, year, path, int64(len(pretty))); err != nil {
		p.countOutcome("failed")
		wrapped := fmt.Errorf("%s: %w", domain.ErrorKindIOError, err)
		p.emit(ctx, observability.EventChunkFailed, "failed to record ledger entry", map[string]any{"station_key": station.Key, "year": year, "error": err.Error()})
		return ChunkResult{Year: year, Status: ChunkFailed, Err: wrapped}
	}

	p.countOutcome("success")
	p.emit(ctx, observability.EventChunkCompleted, "chunk materialized", map[string]any{"station_key": station.Key, "year": year, "size_bytes": len(pretty)})
	return ChunkResult{Year: year, Status: ChunkCompleted}
}

// artifactExists reports whether the ledger's recorded path still has a
// file on disk. A ledger entry surviving the deletion of its artifact
// must not be treated as loaded: the chunk is re-fetched instead.
func artifactExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (p *Pipeline) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.ChunksAttempted.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) emit(ctx context.Context, kind observability.EventKind, msg string, fields map[string]any) {
	if p.recorder != nil {
		p.recorder.Emit(ctx, observability.Event{Kind: kind, Message: msg, Fields: fields})
	}
}
