// Package refiner implements C6: transformation of one ingested
// station-year raw artifact into twelve monthly columnar partitions.
package refiner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/ledger"
	"github.com/nlweather/edr-ingest/internal/observability"
	"github.com/nlweather/edr-ingest/internal/storage"
)

// MonthStatus is the terminal state of one monthly partition attempt.
type MonthStatus string

const (
	MonthCompleted MonthStatus = "completed"
	MonthSkipped   MonthStatus = "skipped"
	MonthFailed    MonthStatus = "failed"
)

// MonthResult records the outcome of refining one calendar month.
type MonthResult struct {
	Month    int
	Status   MonthStatus
	RowCount int
	Err      error
}

// YearOutcome aggregates every month's result for one station-year pass.
type YearOutcome struct {
	Station domain.Station
	Year    int
	Months  []MonthResult
}

// Failed reports whether any month in this outcome failed.
func (o YearOutcome) Failed() bool {
	for _, m := range o.Months {
		if m.Status == MonthFailed {
			return true
		}
	}
	return false
}

// Writer serializes a set of rows into a compressed columnar partition.
// Satisfied by *refiner.ParquetWriter.
type Writer interface {
	Write(w io.Writer, rows []domain.ObservationRow) (rowCount int, err error)
}

// Refiner reads ingested raw artifacts, flattens them, and writes monthly
// columnar partitions.
type Refiner struct {
	store             *storage.Store
	ingestionTracker  *ledger.IngestionTracker
	refinementTracker *ledger.RefinementTracker
	refinedRoot       string
	writer            Writer
	recorder          *observability.Recorder
	metrics           *observability.Metrics
}

// New builds a Refiner. recorder and metrics may be nil.
func New(store *storage.Store, ingestionTracker *ledger.IngestionTracker, refinementTracker *ledger.RefinementTracker, refinedRoot string, writer Writer, recorder *observability.Recorder, metrics *observability.Metrics) *Refiner {
	return &Refiner{
		store:             store,
		ingestionTracker:  ingestionTracker,
		refinementTracker: refinementTracker,
		refinedRoot:       refinedRoot,
		writer:            writer,
		recorder:          recorder,
		metrics:           metrics,
	}
}

// RefineYear flattens the raw artifact for (station, year) and writes one
// partition per calendar month, including months with zero observations.
// A month already present in the refinement ledger is skipped unless
// force is set, so a prior partial run resumes from the missing months
// only.
func (r *Refiner) RefineYear(ctx context.Context, station domain.Station, year int, force bool) YearOutcome {
	outcome := YearOutcome{Station: station, Year: year}

	ingestionLedger, err := r.ingestionTracker.Load(station.Key)
	if err != nil {
		return r.failAllMonths(ctx, outcome, fmt.Errorf("%s: load ingestion ledger: %w", domain.ErrorKindIOError, err))
	}
	entry, ok := ingestionLedger.Years[year]
	if !ok {
		return r.failAllMonths(ctx, outcome, fmt.Errorf("%s: %w", domain.ErrorKindNotIngested, domain.ErrNotIngested))
	}

	raw, err := os.ReadFile(entry.Path)
	if err != nil {
		return r.failAllMonths(ctx, outcome, fmt.Errorf("%s: read raw artifact: %w", domain.ErrorKindIOError, err))
	}

	rows, err := domain.ParseCoverageDocument(station.ID, raw)
	if err != nil {
		return r.failAllMonths(ctx, outcome, err)
	}

	byMonth := make(map[int][]domain.ObservationRow)
	for _, row := range rows {
		byMonth[row.Month] = append(byMonth[row.Month], row)
	}

	refinementLedger, err := r.refinementTracker.Load(station.Key)
	if err != nil {
		return r.failAllMonths(ctx, outcome, fmt.Errorf("%s: load refinement ledger: %w", domain.ErrorKindIOError, err))
	}

	for month := 1; month <= 12; month++ {
		if ctx.Err() != nil {
			outcome.Months = append(outcome.Months, MonthResult{Month: month, Status: MonthFailed, Err: ctx.Err()})
			continue
		}
		if !force && refinementLedger.IsRefined(year, month) {
			r.countOutcome("skipped")
			r.emit(ctx, observability.EventRefineSkipped, "month already refined", map[string]any{"station_key": station.Key, "year": year, "month": month})
			outcome.Months = append(outcome.Months, MonthResult{Month: month, Status: MonthSkipped})
			continue
		}

		result := r.refineMonth(ctx, station, refinementLedger, year, month, sortAndDedupeByTimestamp(byMonth[month]))
		outcome.Months = append(outcome.Months, result)
	}

	return outcome
}

// sortAndDedupeByTimestamp orders rows ascending by timestamp. When two
// rows share a timestamp, the one appearing later in source order wins —
// ParseCoverageDocument preserves source order, so a later-indexed
// coverage's value for a shared timestamp overwrites an earlier one's.
func sortAndDedupeByTimestamp(rows []domain.ObservationRow) []domain.ObservationRow {
	winner := make(map[time.Time]domain.ObservationRow, len(rows))
	order := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		if _, seen := winner[row.Timestamp]; !seen {
			order = append(order, row.Timestamp)
		}
		winner[row.Timestamp] = row
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })

	deduped := make([]domain.ObservationRow, len(order))
	for i, ts := range order {
		deduped[i] = winner[ts]
	}
	return deduped
}

func (r *Refiner) refineMonth(ctx context.Context, station domain.Station, refinementLedger *ledger.RefinementLedger, year, month int, rows []domain.ObservationRow) MonthResult {
	path := domain.RefinedPartitionPath(r.refinedRoot, station.ID, year, month, "parquet")

	var rowCount int
	err := r.store.Put(path, func(w io.Writer) error {
		n, err := r.writer.Write(w, rows)
		rowCount = n
		return err
	})
	if err != nil {
		wrapped := fmt.Errorf("%s: %w", domain.ErrorKindIOError, err)
		r.countOutcome("failed")
		r.emit(ctx, observability.EventRefineFailed, "failed to write refined partition", map[string]any{"station_key": station.Key, "year": year, "month": month, "error": err.Error()})
		return MonthResult{Month: month, Status: MonthFailed, Err: wrapped}
	}

	size := int64(0)
	if info, statErr := os.Stat(path); statErr == nil {
		size = info.Size()
	}

	if err := r.refinementTracker.Record(refinementLedger, year, month, path, size, rowCount); err != nil {
		wrapped := fmt.Errorf("%s: %w", domain.ErrorKindIOError, err)
		r.countOutcome("failed")
		r.emit(ctx, observability.EventRefineFailed, "failed to record refinement ledger entry", map[string]any{"station_key": station.Key, "year": year, "month": month, "error": err.Error()})
		return MonthResult{Month: month, Status: MonthFailed, Err: wrapped}
	}

	r.countOutcome("success")
	if r.metrics != nil {
		r.metrics.RefineRowsWritten.Add(float64(rowCount))
	}
	r.emit(ctx, observability.EventRefineMonth, "month refined", map[string]any{"station_key": station.Key, "year": year, "month": month, "row_count": rowCount})
	return MonthResult{Month: month, Status: MonthCompleted, RowCount: rowCount}
}

func (r *Refiner) failAllMonths(ctx context.Context, outcome YearOutcome, err error) YearOutcome {
	r.emit(ctx, observability.EventRefineFailed, "refinement failed for year", map[string]any{"station_key": outcome.Station.Key, "year": outcome.Year, "error": err.Error()})
	for month := 1; month <= 12; month++ {
		outcome.Months = append(outcome.Months, MonthResult{Month: month, Status: MonthFailed, Err: err})
	}
	return outcome
}

func (r *Refiner) countOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.RefinePartitions.WithLabelValues(outcome).Inc()
	}
}

func (r *Refiner) emit(ctx context.Context, kind observability.EventKind, msg string, fields map[string]any) {
	if r.recorder != nil {
		r.recorder.Emit(ctx, observability.Event{Kind: kind, Message: msg, Fields: fields})
	}
}
