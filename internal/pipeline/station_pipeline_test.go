package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/ledger"
	"github.com/nlweather/edr-ingest/internal/pipeline"
	"github.com/nlweather/edr-ingest/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	responses map[int][]byte
	errs      map[int]error
	calls     []int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ domain.Station, year int) ([]byte, error) {
	f.calls = append(f.calls, year)
	if err, ok := f.errs[year]; ok {
		return nil, err
	}
	return f.responses[year], nil
}

func testStation() domain.Station {
	return domain.Station{Key: "hupsel", ID: "0-20000-0-06283", Name: "Hupsel", Lat: 52.07, Lon: 6.66}
}

func newTestPipeline(t *testing.T, fetcher pipeline.Fetcher) (*pipeline.Pipeline, string) {
	dir := t.TempDir()
	store := storage.New()
	tracker := ledger.NewIngestionTracker(filepath.Join(dir, "ingestion"), store, clockwork.NewFakeClock())
	return pipeline.New(fetcher, store, tracker, filepath.Join(dir, "raw"), nil, nil), dir
}

func TestRun_FetchesAndRecordsEachYear(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[int][]byte{
		2020: []byte(`{"coverages":[]}`),
		2021: []byte(`{"coverages":[]}`),
	}}
	p, dir := newTestPipeline(t, fetcher)

	outcome := p.Run(t.Context(), testStation(), []int{2020, 2021}, false)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, pipeline.ChunkCompleted, outcome.Results[0].Status)
	assert.Equal(t, pipeline.ChunkCompleted, outcome.Results[1].Status)
	assert.False(t, outcome.Failed())
	assert.Equal(t, []int{2020, 2021}, fetcher.calls)

	_, err := os.Stat(filepath.Join(dir, "raw", "station_id=0-20000-0-06283", "year=2020", "data.json"))
	require.NoError(t, err)
}

func TestRun_SkipsAlreadyLoadedYearsUnlessForced(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[int][]byte{2020: []byte(`{"coverages":[]}`)}}
	p, _ := newTestPipeline(t, fetcher)

	first := p.Run(t.Context(), testStation(), []int{2020}, false)
	require.Equal(t, pipeline.ChunkCompleted, first.Results[0].Status)

	second := p.Run(t.Context(), testStation(), []int{2020}, false)
	require.Equal(t, pipeline.ChunkSkipped, second.Results[0].Status)
	assert.Equal(t, []int{2020}, fetcher.calls, "fetcher must not be called again for a skipped year")

	third := p.Run(t.Context(), testStation(), []int{2020}, true)
	require.Equal(t, pipeline.ChunkCompleted, third.Results[0].Status)
	assert.Equal(t, []int{2020, 2020}, fetcher.calls, "force must re-fetch")
}

func TestRun_RefetchesWhenArtifactMissingDespiteLedgerEntry(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[int][]byte{2020: []byte(`{"coverages":[]}`)}}
	p, dir := newTestPipeline(t, fetcher)

	first := p.Run(t.Context(), testStation(), []int{2020}, false)
	require.Equal(t, pipeline.ChunkCompleted, first.Results[0].Status)

	artifactPath := filepath.Join(dir, "raw", "station_id=0-20000-0-06283", "year=2020", "data.json")
	require.NoError(t, os.Remove(artifactPath))

	second := p.Run(t.Context(), testStation(), []int{2020}, false)
	require.Equal(t, pipeline.ChunkCompleted, second.Results[0].Status)
	assert.Equal(t, []int{2020, 2020}, fetcher.calls, "a missing artifact must trigger a re-fetch even though the ledger entry survives")
}

func TestRun_IsolatesFailureToOneYearAndContinues(t *testing.T) {
	fetcher := &fakeFetcher{
		responses: map[int][]byte{2020: []byte(`{"coverages":[]}`), 2022: []byte(`{"coverages":[]}`)},
		errs:      map[int]error{2021: errors.New("upstream exhausted")},
	}
	p, _ := newTestPipeline(t, fetcher)

	outcome := p.Run(t.Context(), testStation(), []int{2020, 2021, 2022}, false)
	require.Len(t, outcome.Results, 3)
	assert.Equal(t, pipeline.ChunkCompleted, outcome.Results[0].Status)
	assert.Equal(t, pipeline.ChunkFailed, outcome.Results[1].Status)
	assert.Equal(t, pipeline.ChunkCompleted, outcome.Results[2].Status)
	assert.True(t, outcome.Failed())
}

func TestRun_FailedYearLeavesNoLedgerEntry(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[int]error{2022: errors.New("boom")}}
	dir := t.TempDir()
	store := storage.New()
	tracker := ledger.NewIngestionTracker(filepath.Join(dir, "ingestion"), store, clockwork.NewFakeClock())
	p := pipeline.New(fetcher, store, tracker, filepath.Join(dir, "raw"), nil, nil)

	p.Run(t.Context(), testStation(), []int{2022}, false)

	reloaded, err := tracker.Load("hupsel")
	require.NoError(t, err)
	assert.False(t, reloaded.IsLoaded(2022))
}

func TestRun_MalformedPayloadIsReportedAsFailed(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[int][]byte{2020: []byte(`not json`)}}
	p, _ := newTestPipeline(t, fetcher)

	outcome := p.Run(t.Context(), testStation(), []int{2020}, false)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, pipeline.ChunkFailed, outcome.Results[0].Status)
}
