// Package engine implements the core debug engine described by this
// module: the VM-side half of a JDWP-style debug session, independent of
// both the wire transport that carries DAP requests to it and the
// concrete target VM client that speaks the debug wire protocol.
//
// An Engine is assembled once per debug session (spec.md §1, §4). It
// owns thread tracking, class mirror bookkeeping, breakpoint binding,
// the two-phase stepping protocol, and the event pump that ties them
// together, and exposes all of it through Facade.
package engine

import (
	"time"

	"github.com/cfdebug/vmcore/internal/config"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// threadSweepInterval is how often the thread registry's background
// sweeper looks for collected native thread handles (spec.md §9).
const threadSweepInterval = 30 * time.Second

// Engine is the top-level object a caller constructs once it has
// attached to a target VM and is ready to begin tracking it.
type Engine struct {
	cfg *config.Config

	Threads *ThreadRegistry
	Classes *ClassRegistry
	Worker  *WorkerBootstrap
	Breakpoints *BreakpointEngine
	Steps   *SteppingEngine
	Pump    *EventPump
	Facade  *Facade
}

// New assembles an Engine around vm and debugMgr, wiring every
// collaborator together the way spec.md §4 describes, but does not yet
// start the event pump or run bootstrap — call Start for that once the
// caller is ready to begin processing events.
func New(cfg *config.Config, vm dwp.VirtualMachine, debugMgr DebugManager) *Engine {
	logflags.Setup(cfg.LogFlags)

	threads := NewThreadRegistry(threadSweepInterval)
	classes := NewClassRegistry(cfg)
	worker := NewWorkerBootstrap(vm, cfg)
	suspended := NewSuspendedSet()
	bps := NewBreakpointEngine(vm, classes, debugMgr)
	steps := NewSteppingEngine(vm, debugMgr, threads, suspended)
	pump := NewEventPump(vm, threads, classes, bps, steps, worker, debugMgr, suspended)
	facade := NewFacade(threads, classes, bps, steps, debugMgr, suspended)
	facade.AttachToPump(pump)

	return &Engine{
		cfg:         cfg,
		Threads:     threads,
		Classes:     classes,
		Worker:      worker,
		Breakpoints: bps,
		Steps:       steps,
		Pump:        pump,
		Facade:      facade,
	}
}

// Start installs the class-tracking and thread-lifecycle bootstrap
// requests and begins draining the target VM's event queue (spec.md
// §4.2, §4.3, §4.6). It should be called once, after the target VM has
// been resumed to the point where its class loader is ready to accept
// prepare-event registration and the injected agent is ready to spawn
// the worker bootstrap's helper thread.
//
// The worker itself is not booted here directly: Boot needs an actual
// dwp.ThreadRef for the helper thread, which only exists once its
// ThreadStartEvent arrives. Enabling thread-start/thread-death requests
// is this method's contribution to that; the event pump recognizes the
// helper thread's own start event and finishes the job.
func (e *Engine) Start(vm dwp.VirtualMachine) {
	erm := vm.EventRequestManager()

	startReq := erm.CreateThreadStartRequest()
	startReq.SetSuspendPolicy(dwp.SuspendEventThread)
	startReq.SetEnabled(true)

	deathReq := erm.CreateThreadDeathRequest()
	deathReq.SetSuspendPolicy(dwp.SuspendEventThread)
	deathReq.SetEnabled(true)

	e.Classes.Bootstrap(vm)
	e.Pump.Start()
	if logflags.Engine() {
		logflags.EngineLogger().Info("debug engine started")
	}
}

// Close stops the engine's background goroutines: the thread registry's
// sweeper, the stepping engine's finalizer, and the event pump.
func (e *Engine) Close() {
	e.Pump.Close()
	e.Steps.Close()
	e.Threads.Close()
}
