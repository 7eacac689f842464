package ledger

import (
	"fmt"
	"os"
	"sort"
	"time"

	"encoding/json"

	"github.com/jonboulle/clockwork"
	"github.com/nlweather/edr-ingest/internal/storage"
)

// MonthEntry records one materialized refined-partition month.
type MonthEntry struct {
	RefinedAt time.Time `json:"refined_at"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	RowCount  int       `json:"row_count"`
}

// RefinementSummary is a pure function of the keyed entries, recomputed on
// every Record call.
type RefinementSummary struct {
	MonthsRefined int       `json:"months_refined"`
	TotalRowCount int       `json:"total_row_count"`
	YearMin       int       `json:"year_min"`
	YearMax       int       `json:"year_max"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RefinementLedger is the in-memory form of one station's refinement
// progress record. Months is keyed by "YYYY-MM".
type RefinementLedger struct {
	StationKey string
	Months     map[string]MonthEntry
	Summary    RefinementSummary
}

// IsRefined reports whether the given year/month partition already has a
// materialized entry.
func (l *RefinementLedger) IsRefined(year, month int) bool {
	_, ok := l.Months[monthKey(year, month)]
	return ok
}

// YearComplete reports whether all twelve months of year have entries. A
// year refined under a prior partial run reports false here until the
// remaining months are recorded, which is what lets the refiner resume a
// year instead of silently leaving gaps.
func (l *RefinementLedger) YearComplete(year int) bool {
	for month := 1; month <= 12; month++ {
		if !l.IsRefined(year, month) {
			return false
		}
	}
	return true
}

func monthKey(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

type refinementWire struct {
	StationKey string                `json:"station_key"`
	Months     map[string]MonthEntry `json:"months"`
	Summary    RefinementSummary     `json:"summary"`
}

// RefinementTracker loads and persists RefinementLedgers under root, one
// JSON file per station at <root>/<station_key>.json.
type RefinementTracker struct {
	root  string
	store *storage.Store
	clock clockwork.Clock
}

// NewRefinementTracker creates a tracker rooted at dir.
func NewRefinementTracker(dir string, store *storage.Store, clock clockwork.Clock) *RefinementTracker {
	return &RefinementTracker{root: dir, store: store, clock: clock}
}

func (t *RefinementTracker) path(stationKey string) string {
	return fmt.Sprintf("%s/%s.json", t.root, stationKey)
}

// Load reads a station's refinement ledger, returning an empty ledger if
// no file exists yet.
func (t *RefinementTracker) Load(stationKey string) (*RefinementLedger, error) {
	data, err := os.ReadFile(t.path(stationKey))
	if os.IsNotExist(err) {
		return &RefinementLedger{StationKey: stationKey, Months: map[string]MonthEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read refinement ledger for %s: %w", stationKey, err)
	}

	var wire refinementWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("ledger: parse refinement ledger for %s: %w", stationKey, err)
	}

	l := &RefinementLedger{StationKey: stationKey, Months: wire.Months, Summary: wire.Summary}
	if l.Months == nil {
		l.Months = map[string]MonthEntry{}
	}
	return l, nil
}

// Record adds or replaces a month's entry, recomputes the summary, and
// persists the ledger atomically.
func (t *RefinementTracker) Record(l *RefinementLedger, year, month int, path string, sizeBytes int64, rowCount int) error {
	now := t.clock.Now().UTC()
	l.Months[monthKey(year, month)] = MonthEntry{RefinedAt: now, Path: path, SizeBytes: sizeBytes, RowCount: rowCount}
	recomputeRefinementSummary(l, now)
	return t.save(l)
}

func (t *RefinementTracker) save(l *RefinementLedger) error {
	wire := refinementWire{StationKey: l.StationKey, Months: l.Months, Summary: l.Summary}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal refinement ledger for %s: %w", l.StationKey, err)
	}
	if err := t.store.PutBytes(t.path(l.StationKey), data); err != nil {
		return fmt.Errorf("ledger: write refinement ledger for %s: %w", l.StationKey, err)
	}
	return nil
}

func recomputeRefinementSummary(l *RefinementLedger, now time.Time) {
	years := make([]int, 0, len(l.Months))
	var totalRows int
	for key, entry := range l.Months {
		var year, month int
		if _, err := fmt.Sscanf(key, "%d-%d", &year, &month); err == nil {
			years = append(years, year)
		}
		totalRows += entry.RowCount
	}
	sort.Ints(years)

	s := RefinementSummary{
		MonthsRefined: len(l.Months),
		TotalRowCount: totalRows,
		UpdatedAt:     now,
	}
	if len(years) > 0 {
		s.YearMin = years[0]
		s.YearMax = years[len(years)-1]
	}
	l.Summary = s
}
