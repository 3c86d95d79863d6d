// Package dwptest is an in-memory fake of the dwp interfaces, used only
// by engine tests. It plays the same role for this module's tests that
// a fake proc.Process backend would play for delve's service/debugger
// tests: a fully scriptable stand-in for a target VM that would
// otherwise require a real, running process to exercise.
package dwptest

import (
	"sync"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp"
)

// Thread is a fake dwp.ThreadRef.
type Thread struct {
	mu           sync.Mutex
	id           ids.DwpThreadID
	name         string
	suspendCount int
	collected    bool
	frames       []dwp.Frame
}

func NewThread(id ids.DwpThreadID, name string) *Thread {
	return &Thread{id: id, name: name}
}

func (t *Thread) ID() ids.DwpThreadID { return t.id }
func (t *Thread) Name() string        { return t.name }

func (t *Thread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.collected {
		return dwp.ErrCollected
	}
	t.suspendCount++
	return nil
}

func (t *Thread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.collected {
		return dwp.ErrCollected
	}
	if t.suspendCount > 0 {
		t.suspendCount--
	}
	return nil
}

func (t *Thread) SuspendCount() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.collected {
		return 0, dwp.ErrCollected
	}
	return t.suspendCount, nil
}

func (t *Thread) IsCollected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collected
}

// Collect marks the thread as collected, simulating garbage collection
// of the underlying native thread object.
func (t *Thread) Collect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collected = true
}

// SetSuspendCount forces the suspend count, used to set up scenarios
// where a thread arrives at a handler already suspended.
func (t *Thread) SetSuspendCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspendCount = n
}

// SetFrames installs the stack the thread will report while suspended.
func (t *Thread) SetFrames(frames []dwp.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = frames
}

func (t *Thread) Frame(index int) (dwp.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.collected {
		return nil, dwp.ErrCollected
	}
	if index < 0 || index >= len(t.frames) {
		return nil, dwp.ErrCollected
	}
	return t.frames[index], nil
}

// Frame is a fake dwp.Frame.
type Frame struct {
	Loc dwp.Location
}

func (f Frame) Location() dwp.Location { return f.Loc }

// Method is a fake dwp.MethodRef.
type Method struct {
	MethodName string
	Owner      *RefType
}

func (m *Method) Name() string                    { return m.MethodName }
func (m *Method) DeclaringType() dwp.ReferenceType { return m.Owner }

func (m *Method) LocationOfCodeIndex(codeIndex int64) (dwp.Location, error) {
	if m.Owner.collected {
		return dwp.Location{}, dwp.ErrCollected
	}
	return dwp.Location{Method: m, CodeIndex: codeIndex}, nil
}

// RefType is a fake dwp.ReferenceType / dwp.ClassType.
type RefType struct {
	mu         sync.Mutex
	TypeName   string
	Path       string
	id         int64
	collected  bool
	lineTable  map[int]dwp.Location
	methods    []dwp.MethodRef
	invokeFunc func(thread dwp.ThreadRef, method dwp.MethodRef, args []interface{}, opts dwp.InvokeOptions) (interface{}, error)
}

func NewRefType(id int64, name, path string, methods []string) *RefType {
	r := &RefType{id: id, TypeName: name, Path: path, lineTable: map[int]dwp.Location{}}
	for _, m := range methods {
		r.AddMethod(m)
	}
	return r
}

func (r *RefType) Name() string { return r.TypeName }

func (r *RefType) SourcePath() (string, error) {
	if r.IsCollected() {
		return "", dwp.ErrCollected
	}
	return r.Path, nil
}

func (r *RefType) IsCollected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collected
}

// Collect marks the class as unloaded/collected.
func (r *RefType) Collect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collected = true
}

func (r *RefType) UniqueID() int64 { return r.id }

// AddMethod registers a method on this fake class, returning it so the
// caller can also register line-table entries against it.
func (r *RefType) AddMethod(name string) *Method {
	m := &Method{MethodName: name, Owner: r}
	r.methods = append(r.methods, m)
	return m
}

func (r *RefType) Methods() ([]dwp.MethodRef, error) {
	if r.IsCollected() {
		return nil, dwp.ErrCollected
	}
	return r.methods, nil
}

// SetLine registers a line -> location mapping, as if the class's
// compiled line-number table had an entry for that line.
func (r *RefType) SetLine(line int, method *Method, codeIndex int64) {
	r.lineTable[line] = dwp.Location{Method: method, CodeIndex: codeIndex, Line: line}
}

func (r *RefType) LineTable() (map[int]dwp.Location, error) {
	if r.IsCollected() {
		return nil, dwp.ErrCollected
	}
	out := make(map[int]dwp.Location, len(r.lineTable))
	for k, v := range r.lineTable {
		out[k] = v
	}
	return out, nil
}

// SetInvokeFunc installs the behavior for InvokeMethod, used by worker
// bootstrap tests to simulate the jdwp_getThread bridge.
func (r *RefType) SetInvokeFunc(f func(thread dwp.ThreadRef, method dwp.MethodRef, args []interface{}, opts dwp.InvokeOptions) (interface{}, error)) {
	r.invokeFunc = f
}

func (r *RefType) InvokeMethod(thread dwp.ThreadRef, method dwp.MethodRef, args []interface{}, opts dwp.InvokeOptions) (interface{}, error) {
	if r.IsCollected() {
		return nil, dwp.ErrCollected
	}
	if r.invokeFunc == nil {
		return nil, nil
	}
	return r.invokeFunc(thread, method, args, opts)
}

// BreakpointRequest is a fake dwp.BreakpointRequest.
type BreakpointRequest struct {
	loc      dwp.Location
	policy   dwp.SuspendPolicy
	threads  []dwp.ThreadRef
	count    int
	props    map[string]interface{}
	enabled  bool
	deleted  bool
}

func (b *BreakpointRequest) Location() dwp.Location { return b.loc }
func (b *BreakpointRequest) SetSuspendPolicy(p dwp.SuspendPolicy) { b.policy = p }
func (b *BreakpointRequest) AddThreadFilter(t dwp.ThreadRef)      { b.threads = append(b.threads, t) }
func (b *BreakpointRequest) AddCountFilter(n int)                 { b.count = n }

func (b *BreakpointRequest) PutProperty(key string, val interface{}) {
	if b.props == nil {
		b.props = map[string]interface{}{}
	}
	b.props[key] = val
}

func (b *BreakpointRequest) GetProperty(key string) interface{} {
	if b.props == nil {
		return nil
	}
	return b.props[key]
}

func (b *BreakpointRequest) SetEnabled(v bool) { b.enabled = v }
func (b *BreakpointRequest) Enabled() bool     { return b.enabled }

// ClassPrepareRequest is a fake dwp.ClassPrepareRequest.
type ClassPrepareRequest struct {
	filterName string
	filterType dwp.ReferenceType
	policy     dwp.SuspendPolicy
	enabled    bool
	deleted    bool
}

func (c *ClassPrepareRequest) AddClassFilterByName(name string)     { c.filterName = name }
func (c *ClassPrepareRequest) AddClassFilterByType(t dwp.ReferenceType) { c.filterType = t }
func (c *ClassPrepareRequest) SetSuspendPolicy(p dwp.SuspendPolicy)  { c.policy = p }
func (c *ClassPrepareRequest) SetEnabled(v bool)                    { c.enabled = v }
func (c *ClassPrepareRequest) Delete()                              { c.deleted = true }

// Matches reports whether refType satisfies this request's class filter.
func (c *ClassPrepareRequest) Matches(refType dwp.ReferenceType) bool {
	if c.deleted || !c.enabled {
		return false
	}
	if c.filterType != nil {
		return false // subtype filtering is not modeled by this fake
	}
	return c.filterName == "" || c.filterName == refType.Name()
}

type threadLifecycleRequest struct {
	policy  dwp.SuspendPolicy
	enabled bool
}

func (r *threadLifecycleRequest) SetSuspendPolicy(p dwp.SuspendPolicy) { r.policy = p }
func (r *threadLifecycleRequest) SetEnabled(v bool)                    { r.enabled = v }

// EventRequestManager is a fake dwp.EventRequestManager that records
// everything it is asked to create, so tests can assert on it.
type EventRequestManager struct {
	mu                sync.Mutex
	Breakpoints       []*BreakpointRequest
	ClassPrepares     []*ClassPrepareRequest
	AllTypesFilterSet bool // not set by this fake; creating a filter-by-type prepare request leaves it false
}

func NewEventRequestManager() *EventRequestManager {
	return &EventRequestManager{}
}

func (m *EventRequestManager) CreateBreakpointRequest(loc dwp.Location) dwp.BreakpointRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp := &BreakpointRequest{loc: loc}
	m.Breakpoints = append(m.Breakpoints, bp)
	return bp
}

func (m *EventRequestManager) CreateClassPrepareRequest() dwp.ClassPrepareRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &ClassPrepareRequest{}
	m.ClassPrepares = append(m.ClassPrepares, cp)
	return cp
}

func (m *EventRequestManager) CreateClassUnloadRequest() func(bool) {
	return func(bool) {}
}

func (m *EventRequestManager) CreateThreadStartRequest() dwp.ThreadLifecycleRequest {
	return &threadLifecycleRequest{}
}

func (m *EventRequestManager) CreateThreadDeathRequest() dwp.ThreadLifecycleRequest {
	return &threadLifecycleRequest{}
}

func (m *EventRequestManager) DeleteEventRequest(req dwp.ClassPrepareRequest) {
	req.Delete()
}

func (m *EventRequestManager) DeleteEventRequests(reqs []dwp.BreakpointRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		if bp, ok := r.(*BreakpointRequest); ok {
			bp.deleted = true
			bp.enabled = false
		}
	}
}

func (m *EventRequestManager) DeleteAllBreakpoints() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bp := range m.Breakpoints {
		bp.deleted = true
		bp.enabled = false
	}
}

// LiveBreakpointCount returns the number of breakpoint requests that
// have not been deleted, used by tests asserting clearAllBreakpoints
// invariants (spec.md §8).
func (m *EventRequestManager) LiveBreakpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bp := range m.Breakpoints {
		if !bp.deleted {
			n++
		}
	}
	return n
}

// EventQueue is a fake dwp.EventQueue backed by a channel the test
// pushes to via Push.
type EventQueue struct {
	ch chan dwp.EventSet
}

func NewEventQueue() *EventQueue {
	return &EventQueue{ch: make(chan dwp.EventSet, 64)}
}

func (q *EventQueue) Push(set dwp.EventSet) { q.ch <- set }

func (q *EventQueue) Remove() (dwp.EventSet, error) {
	return <-q.ch, nil
}

// VM is a fake dwp.VirtualMachine.
type VM struct {
	mu      sync.Mutex
	queue   *EventQueue
	erm     *EventRequestManager
	threads map[ids.DwpThreadID]*Thread
	classes map[string][]dwp.ReferenceType
}

func NewVM() *VM {
	return &VM{
		queue:   NewEventQueue(),
		erm:     NewEventRequestManager(),
		threads: map[ids.DwpThreadID]*Thread{},
		classes: map[string][]dwp.ReferenceType{},
	}
}

func (vm *VM) Queue() *EventQueue                       { return vm.queue }
func (vm *VM) ERM() *EventRequestManager                { return vm.erm }
func (vm *VM) EventQueue() dwp.EventQueue                { return vm.queue }
func (vm *VM) EventRequestManager() dwp.EventRequestManager { return vm.erm }

// AddThread registers a thread as already known to the VM (as if
// returned by allThreads()).
func (vm *VM) AddThread(t *Thread) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.threads[t.ID()] = t
}

func (vm *VM) AllThreads() []dwp.ThreadRef {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]dwp.ThreadRef, 0, len(vm.threads))
	for _, t := range vm.threads {
		out = append(out, t)
	}
	return out
}

// AddClass registers a class under a source path, as if it had just
// been prepared.
func (vm *VM) AddClass(path string, rt *RefType) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.classes[rt.Name()] = append(vm.classes[rt.Name()], rt)
}

func (vm *VM) ClassesByName(name string) []dwp.ReferenceType {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.classes[name]
}
