package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

const fileExt = "json"

// PersistError reports a failed write of one partition file.
type PersistError struct {
	Source    string
	Partition Partition
	Path      string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s %s to %s: %v", e.Source, e.Partition, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// FileStore writes reading snapshots under
// <baseDir>/<source>/<partition>/<source>_<key>__<session>.json.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (s *FileStore) BaseDir() string { return s.baseDir }

// Dir returns the directory holding one partition of a source.
func (s *FileStore) Dir(source string, p Partition) string {
	return filepath.Join(s.baseDir, source, string(p))
}

// Path returns the file written for source/partition/session at time t.
func (s *FileStore) Path(source string, p Partition, session reading.Session, t time.Time) string {
	return filepath.Join(s.Dir(source, p), FileName(source, p, t, session.ID, fileExt))
}

// Initialize creates the partition directories of a source. It is idempotent.
func (s *FileStore) Initialize(source string) error {
	for _, p := range Partitions {
		if err := os.MkdirAll(s.Dir(source, p), 0o755); err != nil {
			return fmt.Errorf("initialize %s: %w", source, err)
		}
	}
	return nil
}

// WriteThrough overwrites the current partition files of the session with the
// slice of set captured inside each partition. All four partitions are
// attempted; failures are joined.
func (s *FileStore) WriteThrough(source string, session reading.Session, set *reading.ReadingSet, now time.Time) error {
	var errs []error
	for _, p := range Partitions {
		from, to := p.Bounds(now)
		path := s.Path(source, p, session, now)
		if err := writeSnapshot(path, set.Window(from, to)); err != nil {
			errs = append(errs, &PersistError{Source: source, Partition: p, Path: path, Err: err})
		}
	}
	return errors.Join(errs...)
}

// writeSnapshot replaces path atomically so a crash never leaves a torn file.
func writeSnapshot(path string, set *reading.ReadingSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Load reads a snapshot previously written by WriteThrough.
func Load(path string) (*reading.ReadingSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := reading.NewReadingSet("")
	if err := json.Unmarshal(b, set); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return set, nil
}
