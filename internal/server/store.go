package server

import (
	"sync"
	"time"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

// SnapshotStore holds the latest scheduler snapshot for the API. The
// scheduler goroutine writes it; request handlers read it.
type SnapshotStore struct {
	mu      sync.RWMutex
	snap    scheduler.Snapshot
	updated time.Time
	ok      bool
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Update replaces the stored snapshot.
func (s *SnapshotStore) Update(snap scheduler.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.updated = time.Now()
	s.ok = true
}

// Latest returns the stored snapshot, if any.
func (s *SnapshotStore) Latest() (scheduler.Snapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.updated, s.ok
}
