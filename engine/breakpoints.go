package engine

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// breakpointIDProperty and breakpointExprProperty are the keys the
// engine stashes on a dwp.BreakpointRequest's property bag, mirroring
// the original implementation's LUCEEDEBUG_BREAKPOINT_ID /
// LUCEEDEBUG_BREAKPOINT_EXPR constants.
const (
	breakpointIDProperty   = "vmcore-breakpoint-id"
	breakpointExprProperty = "vmcore-breakpoint-expr"
)

// BreakpointResult is one line's outcome from a bind/rebind operation
// (spec.md §4.4). Bound is true iff a live dwp.BreakpointRequest backs
// this line.
type BreakpointResult struct {
	IdePath    ids.RawIdePath
	ServerPath ids.CanonicalServerAbsPath
	Line       int
	ID         ids.DapBreakpointID
	Bound      bool
}

// BreakpointsChangedEvent carries the subset of a rebind's results whose
// bound-state actually transitioned (spec.md §4.4, "Rebinding").
type BreakpointsChangedEvent struct {
	Changed []BreakpointResult
}

// replayableRecord is spec.md §3's ReplayableCfBreakpointRequest. Equality
// for the purposes of "is this the same breakpoint" is (ServerPath,
// Line) — the engine keeps at most one record per line by construction,
// using a map keyed on line rather than replicating the original's
// Set<T>-with-custom-equals.
type replayableRecord struct {
	idePath    ids.RawIdePath
	serverPath ids.CanonicalServerAbsPath
	line       int
	id         ids.DapBreakpointID
	cond       string // "" means unconditional
	hasCond    bool

	// dwpRequest is nil when the record is unbound.
	dwpRequest dwp.BreakpointRequest
}

func (r *replayableRecord) result() BreakpointResult {
	return BreakpointResult{
		IdePath:    r.idePath,
		ServerPath: r.serverPath,
		Line:       r.line,
		ID:         r.id,
		Bound:      r.dwpRequest != nil,
	}
}

// BreakpointEngine is the component described in spec.md §4.4: it owns
// replayable breakpoint records, binds them against available class
// mirrors, rebinds on class prepare, and evaluates conditional
// expressions.
type BreakpointEngine struct {
	mu sync.Mutex

	vm       dwp.VirtualMachine
	classes  *ClassRegistry
	debugMgr DebugManager
	log      *logrus.Entry

	nextID int32 // atomic counter, spec.md §4.4: "a fresh id is allocated from a monotonic counter"

	// byPath holds, for each canonical server path, the replayable
	// records keyed by line — spec.md §3's per-path Set, generalized to
	// enforce the "at most one record per (path, line)" invariant by
	// construction.
	byPath map[ids.CanonicalServerAbsPath]map[int]*replayableRecord

	// knownIDs remembers the id allocated for each (path, line); unlike
	// byPath it is never cleared, so a cleared line gets its old id back.
	knownIDs map[ids.CanonicalServerAbsPath]map[int]ids.DapBreakpointID

	onChanged func(BreakpointsChangedEvent)
}

// NewBreakpointEngine wires a breakpoint engine to its class registry and
// debug manager collaborators.
func NewBreakpointEngine(vm dwp.VirtualMachine, classes *ClassRegistry, debugMgr DebugManager) *BreakpointEngine {
	e := &BreakpointEngine{
		vm:       vm,
		classes:  classes,
		debugMgr: debugMgr,
		log:      logflags.EngineLogger(),
		byPath:   map[ids.CanonicalServerAbsPath]map[int]*replayableRecord{},
		knownIDs: map[ids.CanonicalServerAbsPath]map[int]ids.DapBreakpointID{},
	}
	classes.SetOnPrepared(e.handleClassPrepared)
	return e
}

// SetOnBreakpointsChanged installs the callback fired after a
// class-prepare-driven rebind (spec.md §4.4, §4.7).
func (e *BreakpointEngine) SetOnBreakpointsChanged(f func(BreakpointsChangedEvent)) {
	e.onChanged = f
}

func (e *BreakpointEngine) nextDapBreakpointID() ids.DapBreakpointID {
	return ids.DapBreakpointID(atomic.AddInt32(&e.nextID, 1))
}

// BindBreakpoints is the façade-facing entry point (spec.md §4.4,
// "Setting breakpoints"). It returns one result per input line, in the
// same order.
func (e *BreakpointEngine) BindBreakpoints(idePath ids.RawIdePath, serverPath ids.CanonicalServerAbsPath, lines []int, exprs []*string) []BreakpointResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]BreakpointResult, len(lines))
	records := make([]*replayableRecord, len(lines))
	for i, line := range lines {
		id := e.idForLine(serverPath, line)
		rec := &replayableRecord{
			idePath:    idePath,
			serverPath: serverPath,
			line:       line,
			id:         id,
		}
		if exprs != nil && exprs[i] != nil {
			rec.cond = *exprs[i]
			rec.hasCond = true
		}
		records[i] = rec
	}

	return e.rebindLocked(serverPath, records, results)
}

// idForLine returns the id already allocated for (serverPath, line),
// otherwise allocates a fresh one and remembers it — spec.md §4.4's
// stability invariant. Remembered ids outlive ClearAllBreakpoints, so a
// set/clear/set round trip hands back the same ids.
func (e *BreakpointEngine) idForLine(serverPath ids.CanonicalServerAbsPath, line int) ids.DapBreakpointID {
	byLine, ok := e.knownIDs[serverPath]
	if !ok {
		byLine = map[int]ids.DapBreakpointID{}
		e.knownIDs[serverPath] = byLine
	}
	if id, ok := byLine[line]; ok {
		return id
	}
	id := e.nextDapBreakpointID()
	byLine[line] = id
	return id
}

// rebindLocked runs the binding procedure of spec.md §4.4 steps 2-4. It
// must be called with e.mu held.
func (e *BreakpointEngine) rebindLocked(serverPath ids.CanonicalServerAbsPath, records []*replayableRecord, results []BreakpointResult) []BreakpointResult {
	mirrors := e.classes.MirrorsForPath(serverPath)

	if len(mirrors) == 0 {
		set := map[int]*replayableRecord{}
		for i, rec := range records {
			set[rec.line] = rec
			results[i] = rec.result()
		}
		e.byPath[serverPath] = set
		return results
	}

	e.clearExistingLocked(serverPath)

	var lastResults []BreakpointResult
	var collected []*KlassMap

	for _, mirror := range mirrors {
		if mirror.IsCollected() {
			collected = append(collected, mirror)
			continue
		}

		perMirror, err := e.bindAgainstMirrorLocked(serverPath, mirror, records)
		if err != nil {
			if isCollected(err) {
				collected = append(collected, mirror)
				continue
			}
			e.log.Warnf("binding breakpoints against %s: %v", mirror.SourcePath, err)
			continue
		}
		lastResults = perMirror
	}

	for _, mirror := range collected {
		e.classes.RemoveMirror(serverPath, mirror)
	}

	if lastResults == nil {
		// Every mirror was collected; fall back to unbound records so the
		// caller still gets a result per input line.
		set := map[int]*replayableRecord{}
		for i, rec := range records {
			set[rec.line] = rec
			results[i] = rec.result()
		}
		e.byPath[serverPath] = set
		return results
	}

	// spec.md §9's Open Question: __internal__bindBreakpoints returns only
	// the last mirror's result list when multiple mirrors share the path.
	// Documented here rather than "fixed": callers with multiple mirrors
	// per path should not rely on the result list reflecting every
	// mirror's bound state, only "some mapping's view".
	return lastResults
}

// bindAgainstMirrorLocked runs spec.md §4.4's per-line binding procedure
// against a single mirror, storing the resulting replayable records under
// serverPath.
func (e *BreakpointEngine) bindAgainstMirrorLocked(serverPath ids.CanonicalServerAbsPath, mirror *KlassMap, records []*replayableRecord) ([]BreakpointResult, error) {
	set, ok := e.byPath[serverPath]
	if !ok {
		set = map[int]*replayableRecord{}
		e.byPath[serverPath] = set
	}

	results := make([]BreakpointResult, len(records))

	for i, rec := range records {
		loc, ok := mirror.LineMap[rec.line]
		if !ok {
			set[rec.line] = rec
			results[i] = rec.result()
			continue
		}

		bpReq := e.vm.EventRequestManager().CreateBreakpointRequest(loc)
		bpReq.SetSuspendPolicy(dwp.SuspendEventThread)
		bpReq.PutProperty(breakpointIDProperty, rec.id)
		if rec.hasCond {
			bpReq.PutProperty(breakpointExprProperty, rec.cond)
		}
		bpReq.SetEnabled(true)

		bound := &replayableRecord{
			idePath:    rec.idePath,
			serverPath: rec.serverPath,
			line:       rec.line,
			id:         rec.id,
			cond:       rec.cond,
			hasCond:    rec.hasCond,
			dwpRequest: bpReq,
		}
		set[rec.line] = bound
		results[i] = bound.result()
	}

	return results, nil
}

// clearExistingLocked implements spec.md §4.4's "clearExistingBreakpoints":
// removes all replayable records for serverPath and issues a batch
// delete against their dwp handles, so binding is idempotent.
func (e *BreakpointEngine) clearExistingLocked(serverPath ids.CanonicalServerAbsPath) {
	set, ok := e.byPath[serverPath]
	delete(e.byPath, serverPath)
	if !ok {
		return
	}

	var reqs []dwp.BreakpointRequest
	for _, rec := range set {
		if rec.dwpRequest != nil {
			reqs = append(reqs, rec.dwpRequest)
		}
	}
	if len(reqs) > 0 {
		e.vm.EventRequestManager().DeleteEventRequests(reqs)
	}
}

// ClearAllBreakpoints implements spec.md §4.4's "clearAllBreakpoints".
func (e *BreakpointEngine) ClearAllBreakpoints() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byPath = map[ids.CanonicalServerAbsPath]map[int]*replayableRecord{}
	e.vm.EventRequestManager().DeleteAllBreakpoints()
}

// handleClassPrepared is the ClassRegistry.onPrepared hook: it clears any
// requests already bound for path and rebinds every pending replayable
// against the full, now-updated mirror set, reporting which transitioned
// (spec.md §4.4, "Rebinding"). Rebinding against the whole mirror set
// rather than just the mirror that was just prepared matters for classes
// reloaded more than once under the same path: without it, requests bound
// to an earlier prepare of the same path are never cleared and leak.
// mirror itself is not read here — ClassRegistry inserts it into the
// registry before invoking this hook, so MirrorsForPath already includes
// it — but the signature has to match ClassRegistry.onPrepared.
func (e *BreakpointEngine) handleClassPrepared(path ids.CanonicalServerAbsPath, mirror *KlassMap) {
	e.mu.Lock()
	existing := e.byPath[path]
	if len(existing) == 0 {
		e.mu.Unlock()
		return
	}

	before := make(map[int]bool, len(existing))
	records := make([]*replayableRecord, 0, len(existing))
	for line, rec := range existing {
		before[line] = rec.dwpRequest != nil
		records = append(records, &replayableRecord{
			idePath:    rec.idePath,
			serverPath: rec.serverPath,
			line:       rec.line,
			id:         rec.id,
			cond:       rec.cond,
			hasCond:    rec.hasCond,
		})
	}

	results := e.rebindLocked(path, records, make([]BreakpointResult, len(records)))
	e.mu.Unlock()

	var changed []BreakpointResult
	for _, res := range results {
		if before[res.Line] != res.Bound {
			changed = append(changed, res)
		}
	}

	if len(changed) > 0 && e.onChanged != nil {
		e.onChanged(BreakpointsChangedEvent{Changed: changed})
	}
}

// BreakpointDetail is one line of spec.md §4.7's "list breakpoint
// details".
type BreakpointDetail struct {
	IdeLine    string
	ServerLine string
}

// BreakpointDetails implements getBreakpointDetail (spec.md §12).
func (e *BreakpointEngine) BreakpointDetails() []BreakpointDetail {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []BreakpointDetail
	for _, set := range e.byPath {
		for _, rec := range set {
			suffix := boundSuffix(rec.dwpRequest != nil)
			out = append(out, BreakpointDetail{
				IdeLine:    string(rec.idePath) + lineSuffix(rec.line) + suffix,
				ServerLine: string(rec.serverPath) + lineSuffix(rec.line) + suffix,
			})
		}
	}
	return out
}

func lineSuffix(line int) string {
	return ":" + strconv.Itoa(line)
}

func boundSuffix(bound bool) string {
	if bound {
		return " (bound)"
	}
	return " (unbound)"
}
