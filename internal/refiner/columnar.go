package refiner

import (
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/nlweather/edr-ingest/internal/domain"
)

// ParquetWriter serializes a batch of observation rows as one compressed
// parquet partition. The schema is inferred per call from the columns
// actually present — the fixed timestamp/station_id/year/month columns
// plus one column per distinct parameter name observed in rows — rather
// than declared up front, preserving the schema-on-read contract all the
// way to the refined layer.
type ParquetWriter struct{}

// NewParquetWriter builds a ParquetWriter.
func NewParquetWriter() *ParquetWriter {
	return &ParquetWriter{}
}

// Write encodes rows to w as a single parquet file and returns the row
// count written. An empty rows slice still produces a valid, empty file
// carrying only the four fixed columns — a month with no observations is
// a completed partition, not a gap.
func (pw *ParquetWriter) Write(w io.Writer, rows []domain.ObservationRow) (int, error) {
	paramColumns := inferColumns(rows)
	schema := buildSchema(paramColumns)
	columns := schema.Columns()

	writer := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))

	if len(rows) > 0 {
		prows := make([]parquet.Row, len(rows))
		for i, row := range rows {
			prows[i] = rowToParquet(row, columns)
		}
		if _, err := writer.WriteRows(prows); err != nil {
			return 0, fmt.Errorf("refiner: write parquet rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("refiner: close parquet writer: %w", err)
	}
	return len(rows), nil
}

// inferColumns collects the distinct parameter names across rows, sorted
// for deterministic schema and column order across runs.
func inferColumns(rows []domain.ObservationRow) []string {
	set := make(map[string]struct{})
	for _, row := range rows {
		for param := range row.Values {
			set[param] = struct{}{}
		}
	}
	columns := make([]string, 0, len(set))
	for param := range set {
		columns = append(columns, param)
	}
	sort.Strings(columns)
	return columns
}

func buildSchema(paramColumns []string) *parquet.Schema {
	fields := parquet.Group{
		"timestamp":  parquet.Timestamp(parquet.Microsecond),
		"station_id": parquet.String(),
		"year":       parquet.Int(32),
		"month":      parquet.Int(32),
	}
	for _, col := range paramColumns {
		// Parameter values are stored as their raw JSON text rather than
		// coerced to a numeric type: the upstream's value types are not
		// part of this system's contract (spec.md §9), only their
		// presence and positional alignment with the time axis.
		fields[col] = parquet.Optional(parquet.String())
	}
	return parquet.NewSchema("observation", fields)
}

func rowToParquet(row domain.ObservationRow, columns [][]string) parquet.Row {
	prow := make(parquet.Row, len(columns))
	for i, path := range columns {
		name := path[0]
		switch name {
		case "timestamp":
			prow[i] = parquet.ValueOf(row.Timestamp).Level(0, 0, i)
		case "station_id":
			prow[i] = parquet.ValueOf(row.StationID).Level(0, 0, i)
		case "year":
			prow[i] = parquet.ValueOf(int32(row.Year)).Level(0, 0, i)
		case "month":
			prow[i] = parquet.ValueOf(int32(row.Month)).Level(0, 0, i)
		default:
			if raw, ok := row.Values[name]; ok {
				prow[i] = parquet.ValueOf(string(raw)).Level(0, 1, i)
			} else {
				prow[i] = parquet.Value{}.Level(0, 0, i)
			}
		}
	}
	return prow
}
