// Package dwp defines the engine's view of the target VM's wire-level
// debug protocol. It intentionally mirrors the shape of a JDWP-style
// client: threads, reference types, locations, and event requests are
// all handles into VM-side state, any of which may become stale
// (collected) between the time the engine looks one up and the time it
// operates on it.
//
// The interfaces here are implemented twice: once by a real client (not
// included in this module — the transport that speaks the wire protocol
// to the target VM is an external concern), and once by
// internal/dwp/dwptest, an in-memory fake used by the engine's own
// tests. Modeling the target VM as an interface rather than a concrete
// client is the same trick delve's pkg/proc.Process interface plays to
// let service/debugger run against different backends.
package dwp

import (
	"errors"

	"github.com/cfdebug/vmcore/ids"
)

// ErrCollected is returned by any operation performed against a handle
// (thread, reference type, location) whose underlying VM-side object has
// been garbage collected. Callers should treat this as routine (spec.md
// §7, "Stale DWP handle") rather than fatal.
var ErrCollected = errors.New("dwp: object collected")

// SuspendPolicy mirrors the JDWP-style suspend policies attached to an
// event request.
type SuspendPolicy int

const (
	SuspendNone SuspendPolicy = iota
	SuspendEventThread
	SuspendAll
)

// InvokeOptions controls how ClassType.InvokeMethod behaves.
type InvokeOptions int

// InvokeSingleThreaded requests that only the invoking thread run while
// the invoked method executes, per spec.md §4.2 ("single-threaded
// invocation is required on the target side to avoid releasing other
// suspensions").
const InvokeSingleThreaded InvokeOptions = 1 << iota

// Location identifies a single bytecode position: a method plus a code
// index within it. Line is populated when the location was resolved out
// of a line table and is zero otherwise.
type Location struct {
	Method    MethodRef
	CodeIndex int64
	Line      int
}

// MethodRef is a single method of a loaded class.
type MethodRef interface {
	Name() string
	DeclaringType() ReferenceType
	// LocationOfCodeIndex resolves a bytecode offset within this method
	// to a Location. Returns ErrCollected if the declaring class has
	// been unloaded.
	LocationOfCodeIndex(codeIndex int64) (Location, error)
}

// ReferenceType is one loaded class. Class mirrors (spec.md §3, KlassMap)
// are built from these.
type ReferenceType interface {
	Name() string
	// SourcePath returns the canonical server-side absolute source path
	// this class was compiled from.
	SourcePath() (string, error)
	IsCollected() bool
	UniqueID() int64
	Methods() ([]MethodRef, error)
	// LineTable returns the sparse line-number -> bytecode-location
	// mapping for this class: only lines with emitted code appear.
	LineTable() (map[int]Location, error)
}

// ClassType is a ReferenceType that supports synchronous static method
// invocation, used exclusively by the worker bootstrap (spec.md §4.2).
type ClassType interface {
	ReferenceType
	InvokeMethod(thread ThreadRef, method MethodRef, args []interface{}, opts InvokeOptions) (interface{}, error)
}

// Frame is a single activation record on a suspended thread's stack.
type Frame interface {
	Location() Location
}

// ThreadRef is a handle to a thread inside the target VM.
type ThreadRef interface {
	ID() ids.DwpThreadID
	Name() string
	Suspend() error
	Resume() error
	SuspendCount() (int, error)
	IsCollected() bool
	Frame(index int) (Frame, error)
}

// BreakpointRequest is a single installed breakpoint on the target VM.
// Properties are an arbitrary key/value bag, mirroring JDWP's
// EventRequest.putProperty/getProperty, used by the engine to stash the
// DAP breakpoint id and optional condition expression alongside the
// request (spec.md §4.4).
type BreakpointRequest interface {
	Location() Location
	SetSuspendPolicy(SuspendPolicy)
	AddThreadFilter(ThreadRef)
	// AddCountFilter causes the request to auto-disable after it has
	// fired n times; used for finalization breakpoints (spec.md §4.5).
	AddCountFilter(n int)
	PutProperty(key string, val interface{})
	GetProperty(key string) interface{}
	SetEnabled(bool)
}

// ClassPrepareRequest is a request to be notified when a class matching
// a filter is prepared (loaded and initialized).
type ClassPrepareRequest interface {
	AddClassFilterByName(name string)
	AddClassFilterByType(ReferenceType)
	SetSuspendPolicy(SuspendPolicy)
	SetEnabled(bool)
	Delete()
}

// ThreadLifecycleRequest is a thread-start or thread-death request.
type ThreadLifecycleRequest interface {
	SetSuspendPolicy(SuspendPolicy)
	SetEnabled(bool)
}

// EventRequestManager creates and tears down event requests against the
// target VM.
type EventRequestManager interface {
	CreateBreakpointRequest(loc Location) BreakpointRequest
	CreateClassPrepareRequest() ClassPrepareRequest
	CreateClassUnloadRequest() (enable func(bool))
	CreateThreadStartRequest() ThreadLifecycleRequest
	CreateThreadDeathRequest() ThreadLifecycleRequest
	DeleteEventRequest(req ClassPrepareRequest)
	DeleteEventRequests(reqs []BreakpointRequest)
	DeleteAllBreakpoints()
}

// Event is the common interface satisfied by every event type the event
// pump (spec.md §4.6) dispatches on.
type Event interface {
	isDwpEvent()
}

type ThreadStartEvent struct{ Thread ThreadRef }
type ThreadDeathEvent struct{ Thread ThreadRef }

type ClassPrepareEvent struct {
	RefType ReferenceType
	Thread  ThreadRef
	Request ClassPrepareRequest
}

type BreakpointEvent struct {
	Thread  ThreadRef
	Request BreakpointRequest
}

func (ThreadStartEvent) isDwpEvent()   {}
func (ThreadDeathEvent) isDwpEvent()   {}
func (ClassPrepareEvent) isDwpEvent()  {}
func (BreakpointEvent) isDwpEvent()    {}

// EventSet is a batch of events delivered together by the target VM,
// analogous to a JDWP EventSet.
type EventSet []Event

// EventQueue is the target VM's event delivery queue. Remove blocks
// until a set of events is available.
type EventQueue interface {
	Remove() (EventSet, error)
}

// VirtualMachine is the engine's whole view of the target VM.
type VirtualMachine interface {
	EventQueue() EventQueue
	EventRequestManager() EventRequestManager
	AllThreads() []ThreadRef
	ClassesByName(name string) []ReferenceType
}
