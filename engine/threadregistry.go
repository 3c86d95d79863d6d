package engine

import (
	"sync"
	"time"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// NativeThread is the engine's opaque handle for the native thread
// object behind a dwp.ThreadRef, as resolved by
// WorkerBootstrap.ResolveNativeThread and consumed by the debug manager
// (spec.md §1, out-of-scope external collaborator). It must be comparable — in
// practice a pointer or other unique value the debug manager controls —
// so it can be used as a map key.
type NativeThread interface{}

// threadEntry is the triple described in spec.md §3: a dwp thread id,
// its native thread handle, and the dwp.ThreadRef that represents it on
// the wire.
type threadEntry struct {
	native NativeThread
	ref    dwp.ThreadRef
}

// ThreadRegistry is the bidirectional map described in spec.md §4.1:
// dwpThreadId -> native thread handle, and native thread -> dwpThreadRef.
//
// spec.md's data model calls for the native-thread side to be held
// weakly, pruned automatically when the native thread is collected. Go
// has no generic weak-reference type at the language version this module
// targets, so per the fallback the design notes explicitly allow
// (spec.md §9, "In a language without cleaners, approximate by
// periodically sweeping entries whose weak native reference has been
// invalidated"), a background sweeper prunes entries whose dwp.ThreadRef
// reports itself collected. The eager path — removal on an observed
// thread-death event — handles the common case; the sweeper is the
// safety net for a missed or delayed event.
type ThreadRegistry struct {
	mu           sync.RWMutex
	byDwpID      map[ids.DwpThreadID]*threadEntry
	byNative     map[NativeThread]*threadEntry
	sweepStop    chan struct{}
	sweepStopped chan struct{}
}

// NewThreadRegistry creates a registry and starts its background sweep
// goroutine at the given interval. Callers must call Close when done.
func NewThreadRegistry(sweepInterval time.Duration) *ThreadRegistry {
	r := &ThreadRegistry{
		byDwpID:      map[ids.DwpThreadID]*threadEntry{},
		byNative:     map[NativeThread]*threadEntry{},
		sweepStop:    make(chan struct{}),
		sweepStopped: make(chan struct{}),
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// Close stops the background sweeper.
func (r *ThreadRegistry) Close() {
	close(r.sweepStop)
	<-r.sweepStopped
}

func (r *ThreadRegistry) sweepLoop(interval time.Duration) {
	defer close(r.sweepStopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweepCollected()
		}
	}
}

func (r *ThreadRegistry) sweepCollected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.byDwpID {
		if entry.ref.IsCollected() {
			delete(r.byDwpID, id)
			delete(r.byNative, entry.native)
			if logflags.Engine() {
				logflags.EngineLogger().Debugf("swept collected thread %s", id)
			}
		}
	}
}

// Register records a newly observed thread (spec.md §4.1, register).
// Safe under concurrent DWP event delivery.
func (r *ThreadRegistry) Register(native NativeThread, ref dwp.ThreadRef) {
	entry := &threadEntry{native: native, ref: ref}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDwpID[ref.ID()] = entry
	r.byNative[native] = entry
}

// Unregister drops a thread's entry, called from the thread-death event
// handler (spec.md §4.1, unregister).
func (r *ThreadRegistry) Unregister(ref dwp.ThreadRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byDwpID[ref.ID()]
	if !ok {
		return
	}
	delete(r.byDwpID, ref.ID())
	delete(r.byNative, entry.native)
}

// LookupByDwpID returns the native handle for a dwp thread id, or false
// if none is known.
func (r *ThreadRegistry) LookupByDwpID(id ids.DwpThreadID) (NativeThread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byDwpID[id]
	if !ok {
		return nil, false
	}
	return entry.native, true
}

// AllRefs returns a snapshot of every registered thread's dwp.ThreadRef,
// used by the façade's thread listing (spec.md §4.7) so that untracked
// threads — in particular the worker's own helper thread, which is never
// registered — are never surfaced to the caller.
func (r *ThreadRegistry) AllRefs() []dwp.ThreadRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dwp.ThreadRef, 0, len(r.byDwpID))
	for _, entry := range r.byDwpID {
		out = append(out, entry.ref)
	}
	return out
}

// LookupRefByDwpID returns the dwp.ThreadRef for a dwp thread id.
func (r *ThreadRegistry) LookupRefByDwpID(id ids.DwpThreadID) (dwp.ThreadRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byDwpID[id]
	if !ok {
		return nil, false
	}
	return entry.ref, true
}

// LookupRefByNative returns the dwp.ThreadRef for a native thread handle.
func (r *ThreadRegistry) LookupRefByNative(native NativeThread) (dwp.ThreadRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byNative[native]
	if !ok {
		return nil, false
	}
	return entry.ref, true
}

// MustLookupByDwpID returns the native handle for id, or an
// UnknownThreadError if none is known — spec.md §4.1: "a lookup that
// returns no live native thread is a non-recoverable protocol error".
func (r *ThreadRegistry) MustLookupByDwpID(id ids.DwpThreadID) (NativeThread, error) {
	native, ok := r.LookupByDwpID(id)
	if !ok {
		return nil, &UnknownThreadError{ID: id}
	}
	return native, nil
}

// MustLookupRefByDwpID returns the dwp.ThreadRef for a dwp thread id, or
// an UnknownThreadError if none is known.
func (r *ThreadRegistry) MustLookupRefByDwpID(id ids.DwpThreadID) (dwp.ThreadRef, error) {
	ref, ok := r.LookupRefByDwpID(id)
	if !ok {
		return nil, &UnknownThreadError{ID: id}
	}
	return ref, nil
}

// MustLookupRefByNative returns the dwp.ThreadRef for a native handle, or
// an error if none is known.
func (r *ThreadRegistry) MustLookupRefByNative(native NativeThread) (dwp.ThreadRef, error) {
	ref, ok := r.LookupRefByNative(native)
	if !ok {
		return nil, &InvariantViolation{Reason: "no dwp thread reference for native thread handle"}
	}
	return ref, nil
}
