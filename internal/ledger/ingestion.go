// Package ledger implements the per-station progress records that make
// ingestion and refinement idempotently resumable: authoritative accounts
// of what has already been materialized, kept consistent with the
// filesystem by always being rewritten atomically.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nlweather/edr-ingest/internal/storage"
)

// YearEntry records one materialized ingestion chunk.
type YearEntry struct {
	LoadedAt  time.Time `json:"loaded_at"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
}

// IngestionSummary is a pure function of the keyed entries, recomputed on
// every Record call.
type IngestionSummary struct {
	YearsLoaded    int       `json:"years_loaded"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	YearMin        int       `json:"year_min"`
	YearMax        int       `json:"year_max"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IngestionLedger is the in-memory form of one station's ingestion
// progress record. Years is keyed by calendar year.
type IngestionLedger struct {
	StationKey string
	Years      map[int]YearEntry
	Summary    IngestionSummary
}

// IsLoaded reports whether year has a materialized entry.
func (l *IngestionLedger) IsLoaded(year int) bool {
	_, ok := l.Years[year]
	return ok
}

type ingestionWire struct {
	StationKey string               `json:"station_key"`
	Years      map[string]YearEntry `json:"years"`
	Summary    IngestionSummary     `json:"summary"`
}

// legacyIngestionWire is the prior shape that stored only a bare list of
// loaded years with no per-entry metadata.
type legacyIngestionWire struct {
	StationKey string `json:"station_key"`
	Years      []int  `json:"years"`
}

// IngestionTracker loads and persists IngestionLedgers under root, one
// JSON file per station at <root>/<station_key>.json.
type IngestionTracker struct {
	root  string
	store *storage.Store
	clock clockwork.Clock
}

// NewIngestionTracker creates a tracker rooted at dir.
func NewIngestionTracker(dir string, store *storage.Store, clock clockwork.Clock) *IngestionTracker {
	return &IngestionTracker{root: dir, store: store, clock: clock}
}

func (t *IngestionTracker) path(stationKey string) string {
	return fmt.Sprintf("%s/%s.json", t.root, stationKey)
}

// Load reads a station's ingestion ledger, returning an empty ledger if no
// file exists yet. It tolerates the legacy bare-year-list shape by
// migrating it into canonical entries with a synthetic loaded_at and
// unknown path/size — those fields are filled in properly the next time
// the year is (re-)recorded.
func (t *IngestionTracker) Load(stationKey string) (*IngestionLedger, error) {
	data, err := os.ReadFile(t.path(stationKey))
	if os.IsNotExist(err) {
		return &IngestionLedger{StationKey: stationKey, Years: map[int]YearEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read ingestion ledger for %s: %w", stationKey, err)
	}

	if isLegacyYearsShape(data) {
		var legacy legacyIngestionWire
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("ledger: parse legacy ingestion ledger for %s: %w", stationKey, err)
		}
		l := &IngestionLedger{StationKey: stationKey, Years: map[int]YearEntry{}}
		synthetic := t.clock.Now().UTC()
		for _, year := range legacy.Years {
			l.Years[year] = YearEntry{LoadedAt: synthetic}
		}
		recomputeIngestionSummary(l, synthetic)
		return l, nil
	}

	var wire ingestionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("ledger: parse ingestion ledger for %s: %w", stationKey, err)
	}

	l := &IngestionLedger{StationKey: stationKey, Years: make(map[int]YearEntry, len(wire.Years)), Summary: wire.Summary}
	for yearStr, entry := range wire.Years {
		var year int
		if _, err := fmt.Sscanf(yearStr, "%d", &year); err != nil {
			return nil, fmt.Errorf("ledger: invalid year key %q for %s: %w", yearStr, stationKey, err)
		}
		l.Years[year] = entry
	}
	return l, nil
}

// isLegacyYearsShape peeks at the "years" field to distinguish the
// canonical object-of-entries shape from the legacy array-of-ints shape.
func isLegacyYearsShape(data []byte) bool {
	var probe struct {
		Years json.RawMessage `json:"years"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	trimmed := bytes.TrimSpace(probe.Years)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Record adds or replaces a year's entry, recomputes the summary, and
// persists the ledger atomically. An existing entry is replaced when a year
// is re-fetched (a forced run, or a recorded artifact that has gone
// missing) and when a year migrated from the legacy shape is recorded with
// its real path and size.
func (t *IngestionTracker) Record(l *IngestionLedger, year int, path string, sizeBytes int64) error {
	now := t.clock.Now().UTC()
	l.Years[year] = YearEntry{LoadedAt: now, Path: path, SizeBytes: sizeBytes}
	recomputeIngestionSummary(l, now)
	return t.save(l)
}

func (t *IngestionTracker) save(l *IngestionLedger) error {
	wire := ingestionWire{
		StationKey: l.StationKey,
		Years:      make(map[string]YearEntry, len(l.Years)),
		Summary:    l.Summary,
	}
	for year, entry := range l.Years {
		wire.Years[fmt.Sprintf("%d", year)] = entry
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal ingestion ledger for %s: %w", l.StationKey, err)
	}
	if err := t.store.PutBytes(t.path(l.StationKey), data); err != nil {
		return fmt.Errorf("ledger: write ingestion ledger for %s: %w", l.StationKey, err)
	}
	return nil
}

func recomputeIngestionSummary(l *IngestionLedger, now time.Time) {
	years := make([]int, 0, len(l.Years))
	var total int64
	for year, entry := range l.Years {
		years = append(years, year)
		total += entry.SizeBytes
	}
	sort.Ints(years)

	s := IngestionSummary{
		YearsLoaded:    len(years),
		TotalSizeBytes: total,
		UpdatedAt:      now,
	}
	if len(years) > 0 {
		s.YearMin = years[0]
		s.YearMax = years[len(years)-1]
	}
	l.Summary = s
}
