package engine

import (
	"sync"

	"github.com/cfdebug/vmcore/ids"
)

// SuspendedSet is spec.md §3's "the set of dwpThreadIds the core has
// observed to be suspended and not yet resumed": populated by the event
// pump whenever a breakpoint or step finalization leaves a thread
// stopped for the user, and drained by Facade.Continue. ContinueAll
// iterates this set rather than every thread the target VM knows about,
// so it never touches a thread the engine did not itself suspend — in
// particular the worker bootstrap's perpetually parked helper thread.
type SuspendedSet struct {
	mu  sync.Mutex
	ids map[ids.DwpThreadID]struct{}
}

// NewSuspendedSet returns an empty set.
func NewSuspendedSet() *SuspendedSet {
	return &SuspendedSet{ids: map[ids.DwpThreadID]struct{}{}}
}

// Add records id as suspended.
func (s *SuspendedSet) Add(id ids.DwpThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// Remove drops id, called once the thread has been resumed.
func (s *SuspendedSet) Remove(id ids.DwpThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Snapshot returns every currently suspended id, safe to range over
// without holding the set's lock.
func (s *SuspendedSet) Snapshot() []ids.DwpThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.DwpThreadID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}
