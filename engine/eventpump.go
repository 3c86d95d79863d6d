package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// BreakpointHitEvent is delivered to the façade when a user breakpoint
// suspends a thread (spec.md §4.6, §4.7).
type BreakpointHitEvent struct {
	Thread dwp.ThreadRef
	ID     interface{} // ids.DapBreakpointID, as read back untyped from the request's property bag
}

// EventPump is the component described in spec.md §4.6: it drains the
// target VM's event queue and dispatches each event to the collaborator
// that owns it, resuming threads once its own bookkeeping is done unless
// the event is meant to leave the thread suspended for the user.
type EventPump struct {
	vm        dwp.VirtualMachine
	threads   *ThreadRegistry
	classes   *ClassRegistry
	bps       *BreakpointEngine
	steps     *SteppingEngine
	worker    *WorkerBootstrap
	debugMgr  DebugManager
	suspended *SuspendedSet
	log       *logrus.Entry

	onBreakpointHit func(BreakpointHitEvent)

	stop chan struct{}
	done chan struct{}
}

// NewEventPump wires an event pump to every collaborator it dispatches
// to.
func NewEventPump(vm dwp.VirtualMachine, threads *ThreadRegistry, classes *ClassRegistry, bps *BreakpointEngine, steps *SteppingEngine, worker *WorkerBootstrap, debugMgr DebugManager, suspended *SuspendedSet) *EventPump {
	return &EventPump{
		vm:        vm,
		threads:   threads,
		classes:   classes,
		bps:       bps,
		steps:     steps,
		worker:    worker,
		debugMgr:  debugMgr,
		suspended: suspended,
		log:       logflags.EventLogger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetOnBreakpointHit installs the callback fired when a user breakpoint
// suspends a thread.
func (p *EventPump) SetOnBreakpointHit(f func(BreakpointHitEvent)) {
	p.onBreakpointHit = f
}

// Start begins draining the event queue on a new goroutine. Callers must
// call Close when done.
func (p *EventPump) Start() {
	go p.run()
}

// Close stops the pump's goroutine. It does not drain remaining queued
// events.
func (p *EventPump) Close() {
	close(p.stop)
	<-p.done
}

func (p *EventPump) run() {
	defer close(p.done)
	queue := p.vm.EventQueue()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		set, err := queue.Remove()
		if err != nil {
			if logflags.Event() {
				p.log.Debugf("event queue closed: %v", err)
			}
			return
		}
		for _, event := range set {
			p.dispatch(event)
		}
	}
}

// dispatch handles a single event (spec.md §4.6). An event type this pump
// does not recognize is an invariant violation: the engine's model of the
// wire protocol and the target VM's actual behavior have diverged.
func (p *EventPump) dispatch(event dwp.Event) {
	switch e := event.(type) {
	case dwp.ThreadStartEvent:
		p.handleThreadStart(e)
	case dwp.ThreadDeathEvent:
		p.handleThreadDeath(e)
	case dwp.ClassPrepareEvent:
		p.handleClassPrepare(e)
	case dwp.BreakpointEvent:
		p.handleBreakpoint(e)
	default:
		fatal(p.log, &InvariantViolation{Reason: "unrecognized dwp event type"})
	}
}

// handleThreadStart routes a newly started thread to one of two places
// (spec.md §4.2, §4.1): the worker's own helper thread is booted, not
// registered as an application thread; every other thread is resolved to
// its native handle through the now-booted worker and registered.
func (p *EventPump) handleThreadStart(e dwp.ThreadStartEvent) {
	if p.worker.IsHelperThread(e.Thread) {
		if err := p.worker.Boot(e.Thread); err != nil {
			fatal(p.log, err)
			return
		}
		e.Thread.Resume()
		return
	}

	native, err := p.worker.ResolveNativeThread(e.Thread)
	if err != nil {
		if logflags.Event() {
			p.log.Debugf("resolving native thread for %s: %v", e.Thread.Name(), err)
		}
		e.Thread.Resume()
		return
	}
	p.threads.Register(native, e.Thread)
	e.Thread.Resume()
}

func (p *EventPump) handleThreadDeath(e dwp.ThreadDeathEvent) {
	p.threads.Unregister(e.Thread)
	e.Thread.Resume()
}

// handleClassPrepare implements spec.md §4.3's bootstrap continuation and
// steady-state mirror registration. The thread that hit the prepare
// event is always resumed once bookkeeping finishes: class-prepare
// requests never suspend for the user, only breakpoints do.
func (p *EventPump) handleClassPrepare(e dwp.ClassPrepareEvent) {
	if p.classes.IsBasePageClass(e.RefType) {
		p.classes.FinishBootstrapOnBasePagePrepare(p.vm, e)
	} else {
		p.classes.HandleClassPrepare(e.RefType)
	}
	if e.Thread != nil {
		e.Thread.Resume()
	}
}

// handleBreakpoint routes a breakpoint hit to whichever subsystem owns
// it: the worker bootstrap's parking breakpoint, a step's finalization
// breakpoint, or an ordinary user breakpoint (spec.md §4.4, §4.5, §4.6).
func (p *EventPump) handleBreakpoint(e dwp.BreakpointEvent) {
	threadID := e.Thread.ID()

	if p.steps.HasFinalizationBreakpoint(threadID, e.Request) {
		p.steps.HandleFinalizeBreakpoint(threadID)
		// The thread stays suspended: a completed step is a stop, not a
		// pass-through (spec.md §4.5, §3's suspended-thread set), and it is
		// the caller's job — Continue/ContinueAll — to resume it.
		p.suspended.Add(threadID)
		return
	}

	if id := e.Request.GetProperty(breakpointIDProperty); id != nil {
		p.handleUserBreakpoint(e, id)
		return
	}

	// No breakpoint id property: this must be the worker's parking
	// breakpoint, which is armed without one. Anything else reaching here
	// is a request the engine itself never created.
	p.worker.HandleParkBreakpoint(e.Thread)
}

func (p *EventPump) handleUserBreakpoint(e dwp.BreakpointEvent, id interface{}) {
	threadID := e.Thread.ID()

	// A user breakpoint hit on a thread with a step in flight preempts the
	// step (spec.md §4.5): the user asked to stop here, so the pending
	// step's finalization no longer applies.
	if p.steps.IsPending(threadID) {
		p.steps.Cancel(threadID)
	}

	if expr := e.Request.GetProperty(breakpointExprProperty); expr != nil {
		native, err := p.threads.MustLookupByDwpID(threadID)
		if err != nil {
			fatal(p.log, err)
			return
		}
		ok, err := p.debugMgr.EvaluateAsBooleanForConditionalBreakpoint(native, expr.(string))
		if err != nil {
			// spec.md §7: a conditional expression that fails to evaluate is
			// treated as true, so the user is not silently skipped past a
			// breakpoint they set because of an error in their own condition.
			if logflags.Event() {
				p.log.Debugf("conditional breakpoint expression failed: %v", err)
			}
		} else if !ok {
			e.Thread.Resume()
			return
		}
	}

	p.suspended.Add(threadID)
	if p.onBreakpointHit != nil {
		p.onBreakpointHit(BreakpointHitEvent{Thread: e.Thread, ID: id})
	}
}
