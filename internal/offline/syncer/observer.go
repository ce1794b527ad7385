package syncer

import (
	"sync"

	"github.com/seedtrace/seedtrace/internal/offline/models"
)

// Status is the coordinator's externally visible phase.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	// StatusPartial marks a pass that mixed successes with failures or
	// conflicts.
	StatusPartial Status = "partial"
)

// Progress reports how far the current pass has advanced.
type Progress struct {
	Done  int
	Total int
}

// Result is the aggregate tally of one sync pass.
type Result struct {
	Synced    int
	Conflicts int
	Errors    int
	// Summary is a human-readable one-line account of the pass.
	Summary string
}

// Observer receives sync lifecycle notifications. Callbacks run
// synchronously on the syncing goroutine; implementations must not block.
type Observer interface {
	OnStatus(status Status)
	OnProgress(p Progress)
	OnConflict(c models.Conflict)
	OnComplete(r Result)
}

type observerEntry struct {
	id int
	o  Observer
}

// observerSet is an ordered registration of observers. Unsubscribe is safe
// during notification because every fan-out walks a copy.
type observerSet struct {
	mu      sync.Mutex
	nextID  int
	entries []observerEntry
}

func (s *observerSet) subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, observerEntry{id: id, o: o})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e.id == id {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

func (s *observerSet) snapshot() []observerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]observerEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// each runs fn for every registered observer, isolating panics so a failing
// observer never blocks the pass.
func (s *observerSet) each(fn func(o Observer)) {
	for _, e := range s.snapshot() {
		func() {
			defer func() { _ = recover() }()
			fn(e.o)
		}()
	}
}
