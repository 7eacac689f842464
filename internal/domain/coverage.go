package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CoverageDocument is the upstream EDR response shape: a CoverageJSON
// collection with a time axis per coverage and one value array per
// parameter, positionally aligned with that axis. Sibling keys the
// upstream may add are ignored — this is the only contract with the
// upstream (see SPEC_FULL.md §9).
type CoverageDocument struct {
	Coverages []coverage `json:"coverages"`
}

type coverage struct {
	Domain coverageDomain     `json:"domain"`
	Ranges map[string]rangeVal `json:"ranges"`
}

type coverageDomain struct {
	Axes struct {
		T struct {
			Values []string `json:"values"`
		} `json:"t"`
	} `json:"axes"`
}

type rangeVal struct {
	Values []json.RawMessage `json:"values"`
}

// ObservationRow is one flattened row: a timestamp, the owning station, and
// a schema-on-read set of parameter columns named exactly as the upstream
// named them. Year/Month are derived solely for partitioning.
type ObservationRow struct {
	Timestamp time.Time
	StationID string
	Year      int
	Month     int
	Values    map[string]json.RawMessage
}

// ParseCoverageDocument flattens a raw coverage-document payload into one
// row per timestamp on the time axis. Extraction requirements and ordering
// follow SPEC_FULL.md §4.6: rows are schema-on-read (no type coercion), and
// when two coverages share a timestamp the later one in document order
// wins (ParseCoverageDocument itself preserves source order; last-wins
// de-duplication happens in the Refiner, which controls partition
// ordering).
func ParseCoverageDocument(stationID string, payload []byte) ([]ObservationRow, error) {
	var doc CoverageDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(doc.Coverages) == 0 {
		return nil, fmt.Errorf("%w: no coverages", ErrMalformedPayload)
	}

	var rows []ObservationRow
	for _, cov := range doc.Coverages {
		timestamps := cov.Domain.Axes.T.Values
		if len(timestamps) == 0 {
			return nil, fmt.Errorf("%w: missing time axis", ErrMalformedPayload)
		}

		for i, ts := range timestamps {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("%w: unparseable timestamp %q: %v", ErrMalformedPayload, ts, err)
			}

			values := make(map[string]json.RawMessage, len(cov.Ranges))
			for param, rv := range cov.Ranges {
				if i < len(rv.Values) {
					values[param] = rv.Values[i]
				}
			}

			rows = append(rows, ObservationRow{
				Timestamp: t,
				StationID: stationID,
				Year:      t.Year(),
				Month:     int(t.Month()),
				Values:    values,
			})
		}
	}

	return rows, nil
}
