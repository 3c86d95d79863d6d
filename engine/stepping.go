package engine

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// finalizeInvokeOffset is the number of code-index units (the size of one
// invoke-interface instruction) past the language frame's current
// location at which the finalization
// breakpoint is planted, chosen so it lands just after the call
// instruction that entered the debug manager's step-notification
// function — spec.md §4.5, phase 2. The value is carried over from the
// original implementation's SIZEOF_INSTR_INVOKE_INTERFACE constant.
const finalizeInvokeOffset = 5

// StepEvent is delivered to the façade once a step has fully finalized
// (spec.md §4.5, phase 2's terminal state).
type StepEvent struct {
	ThreadID ids.DwpThreadID
}

// pendingStep tracks one thread's in-flight step between phase 1 (armed)
// and phase 2 (finalized), or its cancellation by a racing user
// breakpoint.
type pendingStep struct {
	threadID ids.DwpThreadID
	native   NativeThread
	bpReq    dwp.BreakpointRequest // set once phase 2 has planted the finalization breakpoint
}

// finalizeJob is one unit of work run on the stepping engine's serial
// finalizer goroutine. done is closed once finalize has suspended the
// thread, planted (or failed to plant) the finalization breakpoint, and
// resumed it — the signal onCfStepCallback blocks on before returning.
type finalizeJob struct {
	native         NativeThread
	minFrameOffset int
	done           chan struct{}
}

// SteppingEngine implements the two-phase stepping protocol of spec.md
// §4.5: phase 1 arms a step through the debug manager's own bytecode
// dispatch, and phase 2 — run once the debug manager calls back —
// suspends the thread from a dedicated goroutine, walks its frames to
// find the debug manager's step-notification entry point, and plants a
// one-shot breakpoint in the language frame just below it, right after
// the call instruction that entered the notification function.
//
// Phase 2 runs on a single goroutine because it must suspend a thread
// that is concurrently running target code; serializing finalization
// avoids two step completions racing to suspend/resume the same VM
// state.
type SteppingEngine struct {
	mu sync.Mutex

	vm        dwp.VirtualMachine
	debugMgr  DebugManager
	threads   *ThreadRegistry
	suspended *SuspendedSet
	log       *logrus.Entry

	pending map[ids.DwpThreadID]*pendingStep

	jobs chan finalizeJob
	stop chan struct{}
	done chan struct{}

	onStepComplete func(StepEvent)
}

// NewSteppingEngine wires a stepping engine to its collaborators and
// starts its finalizer goroutine. Callers must call Close when done.
func NewSteppingEngine(vm dwp.VirtualMachine, debugMgr DebugManager, threads *ThreadRegistry, suspended *SuspendedSet) *SteppingEngine {
	s := &SteppingEngine{
		vm:        vm,
		debugMgr:  debugMgr,
		threads:   threads,
		suspended: suspended,
		log:       logflags.StepLogger(),
		pending:   map[ids.DwpThreadID]*pendingStep{},
		jobs:      make(chan finalizeJob, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	debugMgr.RegisterCfStepHandler(s.onCfStepCallback)
	go s.finalizeLoop()
	return s
}

// Close stops the finalizer goroutine.
func (s *SteppingEngine) Close() {
	close(s.stop)
	<-s.done
}

// SetOnStepComplete installs the callback fired when a step finishes
// (spec.md §4.5, §4.7).
func (s *SteppingEngine) SetOnStepComplete(f func(StepEvent)) {
	s.onStepComplete = f
}

// Arm runs phase 1 of a step for threadID in full (spec.md §4.5): record
// stepping state, invoke registerStepRequest, then resume the thread —
// the same sequence stepIn/stepOver/stepOut end with continue_(threadRef)
// in the original implementation. Without the resume the dispatch edge
// registerStepRequest is waiting for is never reached, so the debug
// manager's callback never fires and the step never finalizes.
//
// It is an invariant violation to arm a step for a thread that already
// has one pending — the façade is expected to enforce one in-flight step
// per thread — or for a thread that is not currently suspended (spec.md
// §4.5, §7): arming a step only makes sense against a thread the core
// itself stopped.
func (s *SteppingEngine) Arm(threadID ids.DwpThreadID, kind CfStepKind) error {
	native, err := s.threads.MustLookupByDwpID(threadID)
	if err != nil {
		return err
	}
	ref, err := s.threads.MustLookupRefByDwpID(threadID)
	if err != nil {
		return err
	}

	count, err := ref.SuspendCount()
	if err != nil {
		return err
	}
	if count == 0 {
		fatal(s.log, &InvariantViolation{Reason: "step armed on a thread with suspend count 0"})
		return nil // unreachable: fatal exits the process
	}

	s.mu.Lock()
	if _, exists := s.pending[threadID]; exists {
		s.mu.Unlock()
		return &InvariantViolation{Reason: "a step is already pending for this thread"}
	}
	s.pending[threadID] = &pendingStep{threadID: threadID, native: native}
	s.mu.Unlock()

	if err := s.debugMgr.RegisterStepRequest(native, kind); err != nil {
		s.mu.Lock()
		delete(s.pending, threadID)
		s.mu.Unlock()
		return err
	}

	s.suspended.Remove(threadID)
	if err := resumeSampled(ref); err != nil && !isCollected(err) {
		s.mu.Lock()
		delete(s.pending, threadID)
		s.mu.Unlock()
		return err
	}

	if logflags.Step() {
		s.log.Debugf("armed step for thread %s", threadID)
	}
	return nil
}

// onCfStepCallback is the debug manager's phase-1 callback, invoked
// synchronously on the very thread that armed the step (spec.md §4.5,
// steps 5-6). Phase 2 itself runs on the serial finalizer goroutine,
// since the callback fires on the debug manager's own dispatch loop and
// must not run the suspend/frame-walk/plant sequence inline — but the
// calling thread must not be allowed to run past the step-notification
// point before that sequence has actually suspended it. So the callback
// blocks until finalize signals completion, the Go equivalent of the
// caller busy-waiting on a completion flag finalize sets once it has
// resumed the thread.
func (s *SteppingEngine) onCfStepCallback(native NativeThread, minFrameOffset int) {
	done := make(chan struct{})
	select {
	case s.jobs <- finalizeJob{native: native, minFrameOffset: minFrameOffset, done: done}:
	case <-s.stop:
		return
	}
	select {
	case <-done:
	case <-s.stop:
	}
}

func (s *SteppingEngine) finalizeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case job := <-s.jobs:
			s.finalize(job)
		}
	}
}

// finalize is spec.md §4.5's phase 2: suspend the thread, walk its frames
// from minFrameOffset looking for the debug manager's step-notification
// entry function, and plant the finalization breakpoint in the language
// frame below it, just past the call into that function.
func (s *SteppingEngine) finalize(job finalizeJob) {
	defer close(job.done)

	ref, err := s.threads.MustLookupRefByNative(job.native)
	if err != nil {
		fatal(s.log, err)
		return
	}

	if err := ref.Suspend(); err != nil {
		if isCollected(err) {
			return // thread died mid-step, nothing left to finalize
		}
		fatal(s.log, err)
		return
	}

	loc, err := s.locateStepNotificationFrame(ref, job.minFrameOffset)
	if err != nil {
		ref.Resume()
		if isCollected(err) {
			return
		}
		fatal(s.log, err)
		return
	}

	finalizeLoc := dwp.Location{
		Method:    loc.Method,
		CodeIndex: loc.CodeIndex + finalizeInvokeOffset,
	}

	bpReq := s.vm.EventRequestManager().CreateBreakpointRequest(finalizeLoc)
	bpReq.AddThreadFilter(ref)
	bpReq.SetSuspendPolicy(dwp.SuspendEventThread)
	bpReq.AddCountFilter(1)
	bpReq.SetEnabled(true)

	s.mu.Lock()
	if p, ok := s.pending[ref.ID()]; ok {
		p.bpReq = bpReq
	}
	s.mu.Unlock()

	if err := ref.Resume(); err != nil && !isCollected(err) {
		fatal(s.log, err)
	}
}

// locateStepNotificationFrame walks frames starting at startIndex until
// it finds one whose method the debug manager identifies as its
// step-notification entry point, and returns the location of the frame
// immediately below it: the topmost language-level frame, stopped at the
// call into the notification function (spec.md §4.5, phase 2).
func (s *SteppingEngine) locateStepNotificationFrame(ref dwp.ThreadRef, startIndex int) (dwp.Location, error) {
	for i := startIndex; ; i++ {
		frame, err := ref.Frame(i)
		if err != nil {
			return dwp.Location{}, err
		}
		if s.debugMgr.IsStepNotificationEntryFunc(frame.Location().Method.Name()) {
			caller, err := ref.Frame(i + 1)
			if err != nil {
				return dwp.Location{}, err
			}
			return caller.Location(), nil
		}
	}
}

// HandleFinalizeBreakpoint is called by the event pump when a
// finalization breakpoint fires. It clears the pending step and notifies
// the façade (spec.md §4.5, terminal state).
func (s *SteppingEngine) HandleFinalizeBreakpoint(threadID ids.DwpThreadID) {
	s.mu.Lock()
	delete(s.pending, threadID)
	s.mu.Unlock()

	if s.onStepComplete != nil {
		s.onStepComplete(StepEvent{ThreadID: threadID})
	}
}

// HasFinalizationBreakpoint reports whether req is the pending
// finalization breakpoint for threadID, used by the event pump to
// distinguish step finalization from a user breakpoint hit on the same
// location.
func (s *SteppingEngine) HasFinalizationBreakpoint(threadID ids.DwpThreadID, req dwp.BreakpointRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[threadID]
	return ok && p.bpReq == req
}

// Cancel aborts a pending step for threadID, called when a user
// breakpoint preempts it before finalization completes (spec.md §4.5,
// "a user breakpoint hit on the stepped thread before finalization
// cancels the step").
func (s *SteppingEngine) Cancel(threadID ids.DwpThreadID) {
	s.mu.Lock()
	p, ok := s.pending[threadID]
	if ok {
		delete(s.pending, threadID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if p.bpReq != nil {
		s.vm.EventRequestManager().DeleteEventRequests([]dwp.BreakpointRequest{p.bpReq})
	}
	if err := s.debugMgr.ClearStepRequest(p.native); err != nil && logflags.Step() {
		s.log.Debugf("clearing step request for thread %s: %v", threadID, err)
	}
}

// IsPending reports whether threadID has a step in flight, in either
// phase.
func (s *SteppingEngine) IsPending(threadID ids.DwpThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[threadID]
	return ok
}
