package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cfdebug/vmcore/internal/config"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// defaultWorkerInvokeTimeout is used when a caller constructs a
// WorkerBootstrap without a config carrying its own value.
const defaultWorkerInvokeTimeout = 5 * time.Second

// WorkerBootstrap owns the helper thread the engine parks inside the
// target VM to perform synchronous method invocations without suspending
// every other thread (spec.md §4.2). The technique: spawn a thread that
// calls into a no-op helper method, plant a breakpoint at that method's
// entry, and once the breakpoint fires treat the thread as "parked" and
// available for InvokeMethod calls that need a live thread context.
//
// It is also the engine's only sanctioned way to invert a dwp.ThreadRef
// back into a native thread handle (spec.md §4.2: DWP itself has no such
// inverse) — once booted, ResolveNativeThread issues a synchronous
// invokeMethod against the parked thread for every other thread the
// event pump observes starting.
type WorkerBootstrap struct {
	mu sync.Mutex

	vm            dwp.VirtualMachine
	log           *logrus.Entry
	invokeTimeout time.Duration

	thread        dwp.ThreadRef
	classType     dwp.ClassType
	resolveMethod dwp.MethodRef

	// parked is closed once the worker thread has hit its parking
	// breakpoint and is ready to accept invocations.
	parked     chan struct{}
	parkedOnce sync.Once
}

// helperClassName, helperMethodName, and resolveMethodName name the
// no-op landing pad the worker thread blocks in and the bridge method
// used to resolve native threads, mirroring the original implementation's
// dedicated helper class compiled into the injected agent. helperThreadName
// is the name the injected agent gives the thread it spawns to run inside
// that class, letting the event pump recognize the helper's own
// ThreadStartEvent instead of treating it as an application thread.
const (
	helperClassName   = "cfdebug.vmcore.WorkerHelper"
	helperMethodName  = "park"
	resolveMethodName = "resolveNativeThread"
	helperThreadName  = "cfdebug-vmcore-worker"
)

// NewWorkerBootstrap constructs a bootstrap bound to vm. Boot must be
// called once the target VM is known to have the helper class loaded.
func NewWorkerBootstrap(vm dwp.VirtualMachine, cfg *config.Config) *WorkerBootstrap {
	timeout := defaultWorkerInvokeTimeout
	if cfg != nil && cfg.WorkerInvokeTimeout > 0 {
		timeout = cfg.WorkerInvokeTimeout
	}
	return &WorkerBootstrap{
		vm:            vm,
		log:           logflags.WorkerLogger(),
		invokeTimeout: timeout,
		parked:        make(chan struct{}),
	}
}

// IsHelperThread reports whether ref is the engine's own worker thread,
// so the event pump can route its ThreadStartEvent to Boot instead of
// treating it as an application thread to register and resolve (spec.md
// §4.2).
func (w *WorkerBootstrap) IsHelperThread(ref dwp.ThreadRef) bool {
	return ref.Name() == helperThreadName
}

// Boot installs the parking breakpoint and returns without waiting for the
// worker thread to hit it; Invoke does that wait. Callers are expected to have already caused a thread to start
// running inside the target VM's helper class (spec.md §4.2 leaves thread
// creation itself outside the engine's scope — it is the injected agent's
// job to spawn the thread once attached).
func (w *WorkerBootstrap) Boot(worker dwp.ThreadRef) error {
	classes := w.vm.ClassesByName(helperClassName)
	if len(classes) == 0 {
		return &InvariantViolation{Reason: fmt.Sprintf("worker helper class %s is not loaded", helperClassName)}
	}
	classType, ok := classes[0].(dwp.ClassType)
	if !ok {
		return &InvariantViolation{Reason: fmt.Sprintf("worker helper class %s does not support invocation", helperClassName)}
	}

	methods, err := classType.Methods()
	if err != nil {
		return err
	}

	var parkMethod, resolveMethod dwp.MethodRef
	for _, m := range methods {
		switch m.Name() {
		case helperMethodName:
			parkMethod = m
		case resolveMethodName:
			resolveMethod = m
		}
	}
	if parkMethod == nil {
		return &InvariantViolation{Reason: fmt.Sprintf("worker helper class %s has no %s method", helperClassName, helperMethodName)}
	}
	if resolveMethod == nil {
		return &InvariantViolation{Reason: fmt.Sprintf("worker helper class %s has no %s method", helperClassName, resolveMethodName)}
	}

	loc, err := parkMethod.LocationOfCodeIndex(0)
	if err != nil {
		return err
	}

	req := w.vm.EventRequestManager().CreateBreakpointRequest(loc)
	req.AddThreadFilter(worker)
	req.SetSuspendPolicy(dwp.SuspendEventThread)
	req.AddCountFilter(1)
	req.SetEnabled(true)

	w.mu.Lock()
	w.thread = worker
	w.classType = classType
	w.resolveMethod = resolveMethod
	w.mu.Unlock()

	if logflags.Worker() {
		w.log.Debugf("worker bootstrap armed, waiting for %s to park", worker.Name())
	}

	return nil
}

// HandleParkBreakpoint is called by the event pump when the parking
// breakpoint fires. It marks the worker ready and does not resume the
// thread — the worker stays parked, suspended, until an Invoke call needs
// it (spec.md §4.2).
func (w *WorkerBootstrap) HandleParkBreakpoint(thread dwp.ThreadRef) {
	w.mu.Lock()
	isWorker := w.thread != nil && w.thread.ID() == thread.ID()
	w.mu.Unlock()
	if !isWorker {
		return
	}
	w.parkedOnce.Do(func() { close(w.parked) })
	if logflags.Worker() {
		w.log.Debug("worker thread parked and ready")
	}
}

// Invoke runs method on the worker thread with args, per spec.md §4.2's
// requirement that invocations run single-threaded to avoid releasing
// other suspensions. It blocks until the worker has parked, or returns an
// error if that takes longer than the configured invoke timeout.
func (w *WorkerBootstrap) Invoke(classType dwp.ClassType, method dwp.MethodRef, args []interface{}) (interface{}, error) {
	select {
	case <-w.parked:
	case <-time.After(w.invokeTimeout):
		return nil, &InvariantViolation{Reason: "worker thread did not park within the bootstrap timeout"}
	}

	w.mu.Lock()
	thread := w.thread
	w.mu.Unlock()

	if thread == nil || thread.IsCollected() {
		fatal(w.log, &InvariantViolation{Reason: "worker thread was collected"})
		return nil, nil // unreachable: fatal exits the process
	}

	result, err := classType.InvokeMethod(thread, method, args, dwp.InvokeSingleThreaded)
	if err != nil {
		if isCollected(err) {
			fatal(w.log, &InvariantViolation{Reason: "worker thread collected mid-invocation"})
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// ResolveNativeThread issues the synchronous invokeMethod described in
// spec.md §4.2 that recovers the native thread object behind a freshly
// started dwp.ThreadRef — DWP itself offers no such inverse. It is the
// only path by which any part of the engine escapes that limitation; the
// event pump calls it once per observed ThreadStartEvent that is not the
// worker's own.
func (w *WorkerBootstrap) ResolveNativeThread(target dwp.ThreadRef) (NativeThread, error) {
	w.mu.Lock()
	classType := w.classType
	method := w.resolveMethod
	w.mu.Unlock()
	if classType == nil || method == nil {
		return nil, &InvariantViolation{Reason: "worker helper class not yet bootstrapped"}
	}
	return w.Invoke(classType, method, []interface{}{target})
}
