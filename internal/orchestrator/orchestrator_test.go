package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/ledger"
	"github.com/nlweather/edr-ingest/internal/orchestrator"
	"github.com/nlweather/edr-ingest/internal/pipeline"
	"github.com/nlweather/edr-ingest/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	err error
}

func (f *fakeProber) Probe(_ context.Context, _ domain.Station) error { return f.err }

type perStationFetcher struct {
	failStation string
}

func (f *perStationFetcher) Fetch(_ context.Context, station domain.Station, year int) ([]byte, error) {
	if station.Key == f.failStation {
		return nil, errors.New("upstream exhausted")
	}
	return []byte(`{"coverages":[]}`), nil
}

func stations() []domain.Station {
	return []domain.Station{
		{Key: "a", ID: "0-20000-0-00001"},
		{Key: "b", ID: "0-20000-0-00002"},
		{Key: "c", ID: "0-20000-0-00003"},
	}
}

func TestIngest_AbortsOnPreflightFailure(t *testing.T) {
	dir := t.TempDir()
	store := storage.New()
	tracker := ledger.NewIngestionTracker(filepath.Join(dir, "ingestion"), store, clockwork.NewFakeClock())
	fetcher := &perStationFetcher{}

	o := orchestrator.New(&fakeProber{err: errors.New("unauthorized")}, func() *pipeline.Pipeline {
		return pipeline.New(fetcher, store, tracker, filepath.Join(dir, "raw"), nil, nil)
	}, nil, nil, 2)

	_, err := o.Ingest(t.Context(), domain.Station{Key: "a", ID: "0-20000-0-00001"}, stations(), []int{2020}, false)
	require.Error(t, err)
}

func TestIngest_IsolatesOneStationsFailureFromOthers(t *testing.T) {
	dir := t.TempDir()
	store := storage.New()
	tracker := ledger.NewIngestionTracker(filepath.Join(dir, "ingestion"), store, clockwork.NewFakeClock())
	fetcher := &perStationFetcher{failStation: "c"}

	o := orchestrator.New(&fakeProber{}, func() *pipeline.Pipeline {
		return pipeline.New(fetcher, store, tracker, filepath.Join(dir, "raw"), nil, nil)
	}, nil, nil, 2)

	outcome, err := o.Ingest(t.Context(), domain.Station{Key: "a", ID: "0-20000-0-00001"}, stations(), []int{2020, 2021}, false)
	require.NoError(t, err)

	assert.True(t, outcome.Failed())
	assert.False(t, outcome.Stations["a"].Failed())
	assert.False(t, outcome.Stations["b"].Failed())
	assert.True(t, outcome.Stations["c"].Failed())

	failed := outcome.FailedChunks()
	require.Len(t, failed, 2)
	assert.Equal(t, "c", failed[0].Station.Key)
}

func TestIngest_AllStationsSucceedYieldsNoFailures(t *testing.T) {
	dir := t.TempDir()
	store := storage.New()
	tracker := ledger.NewIngestionTracker(filepath.Join(dir, "ingestion"), store, clockwork.NewFakeClock())
	fetcher := &perStationFetcher{}

	o := orchestrator.New(&fakeProber{}, func() *pipeline.Pipeline {
		return pipeline.New(fetcher, store, tracker, filepath.Join(dir, "raw"), nil, nil)
	}, nil, nil, 3)

	outcome, err := o.Ingest(t.Context(), domain.Station{Key: "a", ID: "0-20000-0-00001"}, stations(), []int{2020}, false)
	require.NoError(t, err)
	assert.False(t, outcome.Failed())
	assert.Len(t, outcome.Stations, 3)
}
