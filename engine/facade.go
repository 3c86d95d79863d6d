package engine

import (
	"fmt"
	"sync"

	dap "github.com/google/go-dap"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// evalCacheSize bounds the façade's evaluate/dump result cache (spec.md
// §11): repeated hover-evaluates of the same expression against a frame
// that has not moved are common in an IDE and shouldn't re-run the
// target-side evaluation each time.
const evalCacheSize = 512

// Facade is the public surface described in spec.md §4.7: every
// operation an attached IDE-facing layer needs, expressed in terms of
// go-dap's boundary types so the caller can forward results onto the
// wire with no further translation.
type Facade struct {
	threads   *ThreadRegistry
	classes   *ClassRegistry
	bps       *BreakpointEngine
	steps     *SteppingEngine
	debugMgr  DebugManager
	suspended *SuspendedSet
	log       *logrus.Entry

	evalCache *lru.Cache

	mu           sync.Mutex
	onStopped    func(dap.StoppedEventBody)
	onBreakpoint func(dap.BreakpointEventBody)
}

// NewFacade assembles the façade from the engine's internal
// collaborators.
func NewFacade(threads *ThreadRegistry, classes *ClassRegistry, bps *BreakpointEngine, steps *SteppingEngine, debugMgr DebugManager, suspended *SuspendedSet) *Facade {
	cache, _ := lru.New(evalCacheSize)
	f := &Facade{
		threads:   threads,
		classes:   classes,
		bps:       bps,
		steps:     steps,
		debugMgr:  debugMgr,
		suspended: suspended,
		log:       logflags.EngineLogger(),
		evalCache: cache,
	}
	steps.SetOnStepComplete(f.handleStepComplete)
	bps.SetOnBreakpointsChanged(f.handleBreakpointsChanged)
	return f
}

// OnStopped installs the callback fired whenever a thread suspends for a
// reason the IDE needs to render (step complete or breakpoint hit).
func (f *Facade) OnStopped(cb func(dap.StoppedEventBody)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStopped = cb
}

// OnBreakpointsChanged installs the callback fired when a rebind
// transitions a breakpoint's bound state (spec.md §4.4, §4.7).
func (f *Facade) OnBreakpointsChanged(cb func(dap.BreakpointEventBody)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBreakpoint = cb
}

// AttachToPump wires this façade's breakpoint-hit handling into an event
// pump, so a user breakpoint hit becomes a stopped notification.
func (f *Facade) AttachToPump(pump *EventPump) {
	pump.SetOnBreakpointHit(f.handleBreakpointHit)
}

func (f *Facade) handleStepComplete(evt StepEvent) {
	f.mu.Lock()
	cb := f.onStopped
	f.mu.Unlock()
	if cb == nil {
		return
	}
	cb(dap.StoppedEventBody{
		Reason:   "step",
		ThreadId: int(evt.ThreadID),
	})
}

func (f *Facade) handleBreakpointHit(evt BreakpointHitEvent) {
	f.mu.Lock()
	cb := f.onStopped
	f.mu.Unlock()
	if cb == nil {
		return
	}
	cb(dap.StoppedEventBody{
		Reason:      "breakpoint",
		ThreadId:    int(evt.Thread.ID()),
		AllThreadsStopped: false,
	})
}

func (f *Facade) handleBreakpointsChanged(evt BreakpointsChangedEvent) {
	f.mu.Lock()
	cb := f.onBreakpoint
	f.mu.Unlock()
	if cb == nil {
		return
	}
	for _, r := range evt.Changed {
		cb(dap.BreakpointEventBody{
			Reason:     "changed",
			Breakpoint: toDapBreakpoint(r),
		})
	}
}

func toDapBreakpoint(r BreakpointResult) dap.Breakpoint {
	return dap.Breakpoint{
		Id:       int(r.ID),
		Verified: r.Bound,
		Source:   &dap.Source{Path: string(r.ServerPath)},
		Line:     r.Line,
	}
}

// ListThreads implements spec.md §4.7's "list threads": only threads the
// engine itself has registered, never the worker's own helper thread or
// any other thread the target VM happens to know about.
func (f *Facade) ListThreads() []dap.Thread {
	refs := f.threads.AllRefs()
	out := make([]dap.Thread, 0, len(refs))
	for _, ref := range refs {
		out = append(out, dap.Thread{Id: int(ref.ID()), Name: ref.Name()})
	}
	return out
}

// GetStackTrace implements spec.md §4.7's "get stack trace".
func (f *Facade) GetStackTrace(threadID ids.DwpThreadID) ([]dap.StackFrame, error) {
	native, err := f.threads.MustLookupByDwpID(threadID)
	if err != nil {
		return nil, err
	}
	frames, err := f.debugMgr.GetCfStack(native)
	if err != nil {
		return nil, err
	}
	out := make([]dap.StackFrame, 0, len(frames))
	for _, frame := range frames {
		out = append(out, dap.StackFrame{
			Id:     int(frame.ID()),
			Name:   frame.Name(),
			Source: &dap.Source{Path: frame.SourcePath()},
			Line:   frame.Line(),
		})
	}
	return out, nil
}

// GetScopes implements spec.md §4.7's "get scopes".
func (f *Facade) GetScopes(frameID int64) ([]dap.Scope, error) {
	entities, err := f.debugMgr.GetScopesForFrame(frameID)
	if err != nil {
		return nil, err
	}
	return toDapScopes(entities), nil
}

func toDapScopes(entities []DebugEntity) []dap.Scope {
	out := make([]dap.Scope, 0, len(entities))
	for _, e := range entities {
		out = append(out, dap.Scope{
			Name:               e.Name(),
			VariablesReference: int(e.VariablesReference()),
		})
	}
	return out
}

// GetVariables implements spec.md §4.7's "get variables" family
// (unfiltered, named-only, indexed-only).
func (f *Facade) GetVariables(variablesRef int64, kind VariableKind) ([]dap.Variable, error) {
	entities, err := f.debugMgr.GetVariables(variablesRef, kind)
	if err != nil {
		return nil, err
	}
	out := make([]dap.Variable, 0, len(entities))
	for _, e := range entities {
		out = append(out, dap.Variable{
			Name:               e.Name(),
			Value:              e.Value(),
			VariablesReference: int(e.VariablesReference()),
		})
	}
	return out, nil
}

// SetBreakpoints implements spec.md §4.4/§4.7's "setting breakpoints".
// exprs may be nil, or contain nil entries for unconditional lines.
func (f *Facade) SetBreakpoints(idePath ids.RawIdePath, serverPath ids.CanonicalServerAbsPath, lines []int, exprs []*string) []dap.Breakpoint {
	results := f.bps.BindBreakpoints(idePath, serverPath, lines, exprs)
	out := make([]dap.Breakpoint, 0, len(results))
	for _, r := range results {
		out = append(out, toDapBreakpoint(r))
	}
	return out
}

// ClearAllBreakpoints implements spec.md §4.4/§4.7's "clearing".
func (f *Facade) ClearAllBreakpoints() {
	f.bps.ClearAllBreakpoints()
}

// BreakpointDetails implements getBreakpointDetail (spec.md §12).
func (f *Facade) BreakpointDetails() []BreakpointDetail {
	return f.bps.BreakpointDetails()
}

// TrackedSourcePaths implements getTrackedCanonicalFileNames (spec.md
// §4.7, §12).
func (f *Facade) TrackedSourcePaths() []ids.CanonicalServerAbsPath {
	return f.classes.TrackedSourcePaths()
}

// Continue implements spec.md §4.7's "continue one". It samples the
// thread's suspend count exactly once before resuming, so a suspend that
// races in after sampling is not accidentally released too.
func (f *Facade) Continue(threadID ids.DwpThreadID) error {
	ref, err := f.threads.MustLookupRefByDwpID(threadID)
	if err != nil {
		return err
	}
	f.suspended.Remove(threadID)
	return resumeSampled(ref)
}

// ContinueAll implements spec.md §4.7's "continue all", applying the
// same "sample suspend count once" rule per thread across a single
// snapshot of the suspended-thread set (spec.md §3), so threads that
// suspend after the snapshot is taken are left alone. Iterating the
// suspended set rather than every thread the target VM knows about is
// what keeps this from ever resuming the worker bootstrap's perpetually
// parked helper thread (spec.md §4.2, §7).
func (f *Facade) ContinueAll() {
	for _, id := range f.suspended.Snapshot() {
		ref, ok := f.threads.LookupRefByDwpID(id)
		if !ok {
			continue
		}
		f.suspended.Remove(id)
		resumeSampled(ref)
	}
}

// resumeSampled resumes ref once per suspension it currently holds,
// sampling SuspendCount a single time before acting (spec.md §4.7).
func resumeSampled(ref dwp.ThreadRef) error {
	count, err := ref.SuspendCount()
	if err != nil {
		if isCollected(err) {
			return nil
		}
		return err
	}
	for i := 0; i < count; i++ {
		if err := ref.Resume(); err != nil {
			if isCollected(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

// StepIn, StepOver, and StepOut implement spec.md §4.5/§4.7's stepping
// entry points, arming phase 1 of the two-phase protocol.
func (f *Facade) StepIn(threadID ids.DwpThreadID) error  { return f.steps.Arm(threadID, StepInto) }
func (f *Facade) StepOver(threadID ids.DwpThreadID) error { return f.steps.Arm(threadID, StepOverKind) }
func (f *Facade) StepOut(threadID ids.DwpThreadID) error { return f.steps.Arm(threadID, StepOutKind) }

// Evaluate implements spec.md §4.7's "evaluate", backed by the façade's
// bounded result cache.
func (f *Facade) Evaluate(frameID int64, expr string) EvalResult {
	key := fmt.Sprintf("%d\x00%s", frameID, expr)
	if cached, ok := f.evalCache.Get(key); ok {
		return cached.(EvalResult)
	}
	result := f.debugMgr.Evaluate(frameID, expr)
	if !result.IsErr {
		f.evalCache.Add(key, result)
	}
	return result
}

// Dump implements spec.md §4.7's "dump".
func (f *Facade) Dump(variablesRef int64) (string, error) {
	key := fmt.Sprintf("dump\x00%d", variablesRef)
	if cached, ok := f.evalCache.Get(key); ok {
		return cached.(string), nil
	}
	out, err := f.debugMgr.DoDump(f.suspendedNatives(), variablesRef)
	if err != nil {
		return "", err
	}
	f.evalCache.Add(key, out)
	return out, nil
}

// DumpAsJSON implements spec.md §4.7's "dump as JSON".
func (f *Facade) DumpAsJSON(variablesRef int64) (string, error) {
	key := fmt.Sprintf("dumpjson\x00%d", variablesRef)
	if cached, ok := f.evalCache.Get(key); ok {
		return cached.(string), nil
	}
	out, err := f.debugMgr.DoDumpAsJSON(f.suspendedNatives(), variablesRef)
	if err != nil {
		return "", err
	}
	f.evalCache.Add(key, out)
	return out, nil
}

// GetSourcePathForVariablesRef implements spec.md §4.7's path lookup for
// a variables reference.
func (f *Facade) GetSourcePathForVariablesRef(variablesRef int64) (string, error) {
	return f.debugMgr.GetSourcePathForVariablesRef(variablesRef)
}

func (f *Facade) suspendedNatives() []NativeThread {
	var out []NativeThread
	for _, id := range f.suspended.Snapshot() {
		native, ok := f.threads.LookupByDwpID(id)
		if !ok {
			continue
		}
		out = append(out, native)
	}
	return out
}
