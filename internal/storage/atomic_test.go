package storage_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlweather/edr-ingest/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut_WritesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station_id=abc", "year=2024", "data.json")

	s := storage.New()
	require.NoError(t, s.PutBytes(path, []byte(`{"ok":true}`)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))
}

func TestPut_NoTempFileLeftBehindOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	s := storage.New()
	require.NoError(t, s.PutBytes(path, []byte("hello")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data.json", entries[0].Name())
}

func TestPut_ReplacesExistingContentAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	s := storage.New()
	require.NoError(t, s.PutBytes(path, []byte("old")))
	require.NoError(t, s.PutBytes(path, []byte("new-content")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new-content", string(got))
}

// TestPut_FailureLeavesOldContentAndNoTempFile simulates a crash between
// staging the temp file and the rename: the write callback fails partway
// through. The final path must retain its prior content (or stay absent)
// and never observe a truncated prefix of the new content.
func TestPut_FailureLeavesOldContentAndNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	s := storage.New()
	require.NoError(t, s.PutBytes(path, []byte("original")))

	failingWrite := func(w io.Writer) error {
		if _, err := w.Write([]byte("partial-pre")); err != nil {
			return err
		}
		return errors.New("simulated crash mid-write")
	}
	err := s.Put(path, failingWrite)
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got), "observer must never see a partial write")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be cleaned up on failure")
}

func TestPut_FailureOnAbsentPathLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	s := storage.New()
	err := s.Put(path, func(w io.Writer) error {
		return errors.New("boom")
	})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPut_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station_id=xyz", "year=1999", "data.json")

	s := storage.New()
	require.NoError(t, s.PutBytes(path, []byte("x")))

	_, err := os.Stat(path)
	require.NoError(t, err)
}
