// Package storage implements crash-safe, atomic materialization of files
// under a partitioned layout: a write-to-temp-then-rename discipline that
// guarantees an observer of the final path sees either the prior content or
// the complete new content, never a partial prefix.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store writes payloads atomically under a root directory.
type Store struct{}

// New creates a Store.
func New() *Store {
	return &Store{}
}

// Put writes the bytes produced by write to finalPath, visible only once
// complete. It ensures the parent directory exists, stages the content in
// a sibling temp file with a unique suffix, fsyncs before closing, and
// performs a same-directory rename as the single atomic transition. On any
// failure the temp file is removed on a best-effort basis and the error is
// returned; finalPath is left untouched.
func (s *Store) Put(finalPath string, write func(io.Writer) error) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create directory %s: %w", dir, err)
	}

	tempPath, err := tempSiblingPath(finalPath)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("storage: write payload: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("storage: sync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("storage: close temp file: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("storage: rename into place: %w", err)
	}

	return nil
}

// PutBytes is a convenience wrapper around Put for a fixed byte payload.
func (s *Store) PutBytes(finalPath string, payload []byte) error {
	return s.Put(finalPath, func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
}

// tempSiblingPath composes a sibling temp path with a random suffix so
// concurrent writers never collide on the temp name. Uniqueness here
// protects against crash residue, not as a locking primitive — the caller
// is responsible for not racing two writers on the same finalPath.
func tempSiblingPath(finalPath string) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("storage: generate temp suffix: %w", err)
	}
	name := filepath.Base(finalPath)
	return filepath.Join(filepath.Dir(finalPath), fmt.Sprintf("%s.%s.tmp", name, hex.EncodeToString(buf[:]))), nil
}
