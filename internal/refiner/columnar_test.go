package refiner

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferColumns_SortedAndDeduplicated(t *testing.T) {
	rows := []domain.ObservationRow{
		{Values: map[string]json.RawMessage{"temperature": []byte("1"), "wind_speed": []byte("2")}},
		{Values: map[string]json.RawMessage{"temperature": []byte("3"), "precipitation": []byte("0")}},
	}
	assert.Equal(t, []string{"precipitation", "temperature", "wind_speed"}, inferColumns(rows))
}

func TestInferColumns_EmptyRowsYieldsNoParameterColumns(t *testing.T) {
	assert.Empty(t, inferColumns(nil))
}

func TestBuildSchema_IncludesFixedAndParameterColumns(t *testing.T) {
	schema := buildSchema([]string{"temperature", "wind_speed"})
	columns := schema.Columns()
	assert.Len(t, columns, 6)
}

func columnNames(t *testing.T, schema *parquet.Schema) []string {
	t.Helper()
	var names []string
	for _, path := range schema.Columns() {
		names = append(names, path[0])
	}
	return names
}

func TestParquetWriter_Write_RoundTripsRowsAndParameterColumn(t *testing.T) {
	w := NewParquetWriter()
	rows := []domain.ObservationRow{
		{
			StationID: "0-20000-0-06283", Year: 2020, Month: 3,
			Timestamp: time.Date(2020, 3, 5, 0, 0, 0, 0, time.UTC),
			Values:    map[string]json.RawMessage{"temperature": json.RawMessage(`12.3`)},
		},
		{
			StationID: "0-20000-0-06283", Year: 2020, Month: 3,
			Timestamp: time.Date(2020, 3, 6, 0, 0, 0, 0, time.UTC),
			Values:    map[string]json.RawMessage{"temperature": json.RawMessage(`13.1`)},
		},
	}

	var buf bytes.Buffer
	n, err := w.Write(&buf, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reader := parquet.NewReader(bytes.NewReader(buf.Bytes()))
	defer reader.Close()

	assert.Equal(t, int64(2), reader.NumRows())
	names := columnNames(t, reader.Schema())
	assert.ElementsMatch(t, []string{"timestamp", "station_id", "year", "month", "temperature"}, names)

	read := make([]parquet.Row, len(rows))
	readCount, err := reader.ReadRows(read)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	assert.Equal(t, len(rows), readCount)
}

func TestParquetWriter_Write_EmptyMonthProducesValidEmptyFileWithFixedColumnsOnly(t *testing.T) {
	w := NewParquetWriter()

	var buf bytes.Buffer
	n, err := w.Write(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	reader := parquet.NewReader(bytes.NewReader(buf.Bytes()))
	defer reader.Close()

	assert.Equal(t, int64(0), reader.NumRows())
	names := columnNames(t, reader.Schema())
	assert.ElementsMatch(t, []string{"timestamp", "station_id", "year", "month"}, names)
}
