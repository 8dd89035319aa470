package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

var (
	// ErrNotFound is returned when no snapshot exists for a source/partition.
	ErrNotFound = errors.New("no snapshot for source")
)

// MemoryStore is a concurrency-safe in-memory capture store used for dry runs
// (STORE_TYPE=memory) and tests. It keeps the latest snapshot per file name,
// with the same last-write-wins semantics as FileStore.
type MemoryStore struct {
	mu sync.RWMutex

	// key: file name as FileStore would write it
	snapshots map[string]*reading.ReadingSet
	// key: source, value: latest file name per partition
	latest map[string]map[Partition]string

	initialized map[string]bool
	writes      map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]*reading.ReadingSet),
		latest:      make(map[string]map[Partition]string),
		initialized: make(map[string]bool),
		writes:      make(map[string]int),
	}
}

func (s *MemoryStore) Initialize(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized[source] = true
	return nil
}

// WriteThrough stores a copy of each partition window.
func (s *MemoryStore) WriteThrough(source string, session reading.Session, set *reading.ReadingSet, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPartition, ok := s.latest[source]
	if !ok {
		byPartition = make(map[Partition]string)
		s.latest[source] = byPartition
	}
	for _, p := range Partitions {
		from, to := p.Bounds(now)
		name := FileName(source, p, now, session.ID, fileExt)
		s.snapshots[name] = set.Window(from, to)
		byPartition[p] = name
	}
	s.writes[source]++
	return nil
}

// Latest returns the most recently written snapshot of a source partition.
func (s *MemoryStore) Latest(source string, p Partition) (*reading.ReadingSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, ok := s.latest[source][p]
	if !ok {
		return nil, ErrNotFound
	}
	return s.snapshots[name], nil
}

// Files returns the number of distinct partition files held.
func (s *MemoryStore) Files() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Writes returns how many write-through calls a source has made.
func (s *MemoryStore) Writes(source string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[source]
}

func (s *MemoryStore) Initialized(source string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized[source]
}
