package engine

import (
	"testing"
	"time"

	"github.com/cfdebug/vmcore/internal/config"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/internal/dwp/dwptest"
)

type fakeDebugManager struct {
	condResult bool
	condErr    error
}

func (f *fakeDebugManager) GetCfStack(NativeThread) ([]DebugFrame, error) { return nil, nil }
func (f *fakeDebugManager) GetScopesForFrame(int64) ([]DebugEntity, error) { return nil, nil }
func (f *fakeDebugManager) GetVariables(int64, VariableKind) ([]DebugEntity, error) { return nil, nil }
func (f *fakeDebugManager) RegisterCfStepHandler(CfStepCallback) {}
func (f *fakeDebugManager) RegisterStepRequest(NativeThread, CfStepKind) error { return nil }
func (f *fakeDebugManager) ClearStepRequest(NativeThread) error { return nil }
func (f *fakeDebugManager) EvaluateAsBooleanForConditionalBreakpoint(NativeThread, string) (bool, error) {
	return f.condResult, f.condErr
}
func (f *fakeDebugManager) DoDump([]NativeThread, int64) (string, error)       { return "", nil }
func (f *fakeDebugManager) DoDumpAsJSON([]NativeThread, int64) (string, error) { return "", nil }
func (f *fakeDebugManager) GetSourcePathForVariablesRef(int64) (string, error) { return "", nil }
func (f *fakeDebugManager) Evaluate(int64, string) EvalResult                  { return EvalResult{} }
func (f *fakeDebugManager) IsStepNotificationEntryFunc(string) bool            { return false }

// Scenario 1 (spec.md §8): pre-load bind, then class-prepare rebinds one
// of two lines and leaves the other unbound with a stable id.
func TestBindBreakpointsPreLoadThenRebind(t *testing.T) {
	cfg := config.Default()
	vm := dwptest.NewVM()
	classes := NewClassRegistry(cfg)
	bps := NewBreakpointEngine(vm, classes, &fakeDebugManager{})

	results := bps.BindBreakpoints("/a.cf", "/srv/a.cf", []int{10, 20}, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Bound || results[1].Bound {
		t.Fatal("expected both lines unbound before any class is loaded")
	}
	i1, i2 := results[0].ID, results[1].ID
	if i1 == i2 {
		t.Fatal("expected distinct ids for distinct lines")
	}

	var changed []BreakpointResult
	bps.SetOnBreakpointsChanged(func(evt BreakpointsChangedEvent) {
		changed = append(changed, evt.Changed...)
	})

	rt := newTestRefType(1, "app.A", "/srv/a.cf", map[int]int64{10: 0})
	classes.HandleClassPrepare(rt)

	if len(changed) != 1 || changed[0].Line != 10 || !changed[0].Bound || changed[0].ID != i1 {
		t.Fatalf("expected exactly line 10 to transition to bound with id %v, got %+v", i1, changed)
	}
}

// Scenario 2 (spec.md §8): a conditional breakpoint whose expression
// evaluates false must not surface to the caller.
func TestConditionalBreakpointSkipsWhenFalse(t *testing.T) {
	cfg := config.Default()
	vm := dwptest.NewVM()
	classes := NewClassRegistry(cfg)
	debugMgr := &fakeDebugManager{condResult: false}
	bps := NewBreakpointEngine(vm, classes, debugMgr)

	rt := newTestRefType(1, "app.X", "/srv/x.cf", map[int]int64{5: 0})
	classes.HandleClassPrepare(rt)

	expr := "false"
	results := bps.BindBreakpoints("/x.cf", "/srv/x.cf", []int{5}, []*string{&expr})
	if !results[0].Bound {
		t.Fatal("expected the line-5 breakpoint to bind against the already-loaded mirror")
	}

	thread := dwptest.NewThread(1, "t0")
	thread.SetSuspendCount(1)

	threads := NewThreadRegistry(time.Hour)
	defer threads.Close()
	threads.Register(thread, thread)
	suspended := NewSuspendedSet()
	steps := NewSteppingEngine(vm, debugMgr, threads, suspended)
	defer steps.Close()

	pump := NewEventPump(vm, threads, classes, bps, steps, NewWorkerBootstrap(vm, cfg), debugMgr, suspended)
	var hit bool
	pump.SetOnBreakpointHit(func(BreakpointHitEvent) { hit = true })

	bp := vm.ERM().Breakpoints[len(vm.ERM().Breakpoints)-1]
	pump.dispatch(dwp.BreakpointEvent{Thread: thread, Request: bp})

	if hit {
		t.Fatal("expected no breakpoint-hit callback for a false condition")
	}
	if count, _ := thread.SuspendCount(); count != 0 {
		t.Fatalf("expected suspend count back to 0, got %d", count)
	}
}

// Scenario 6 (spec.md §8): a collected mirror is pruned and the other
// mirror sharing the path still binds successfully.
func TestClassCollectionMidBindPrunesMirror(t *testing.T) {
	cfg := config.Default()
	vm := dwptest.NewVM()
	classes := NewClassRegistry(cfg)
	bps := NewBreakpointEngine(vm, classes, &fakeDebugManager{})

	first := newTestRefType(1, "app.A", "/srv/a.cf", map[int]int64{10: 0})
	classes.HandleClassPrepare(first)
	second := newTestRefType(2, "app.A", "/srv/a.cf", map[int]int64{10: 1})
	classes.HandleClassPrepare(second)

	first.Collect()

	results := bps.BindBreakpoints("/a.cf", "/srv/a.cf", []int{10}, nil)
	if len(results) != 1 || !results[0].Bound {
		t.Fatalf("expected line 10 to bind against the surviving mirror, got %+v", results)
	}
	if classes.HasMirrors("/srv/a.cf") == false {
		t.Fatal("expected the surviving mirror to remain registered")
	}
	for _, m := range classes.MirrorsForPath("/srv/a.cf") {
		if m.IsCollected() {
			t.Fatal("collected mirror should have been pruned from the registry")
		}
	}
}

// Round trip (spec.md §8): set -> clear -> set with the same inputs
// yields identical ids.
func TestBindClearBindStableIDs(t *testing.T) {
	cfg := config.Default()
	vm := dwptest.NewVM()
	classes := NewClassRegistry(cfg)
	bps := NewBreakpointEngine(vm, classes, &fakeDebugManager{})

	first := bps.BindBreakpoints("/a.cf", "/srv/a.cf", []int{1, 2, 3}, nil)
	bps.ClearAllBreakpoints()
	second := bps.BindBreakpoints("/a.cf", "/srv/a.cf", []int{1, 2, 3}, nil)

	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("line %d: id changed across clear/rebind: %v != %v", first[i].Line, first[i].ID, second[i].ID)
		}
	}
}

func TestBindBreakpointsReturnsInInputOrder(t *testing.T) {
	cfg := config.Default()
	vm := dwptest.NewVM()
	classes := NewClassRegistry(cfg)
	bps := NewBreakpointEngine(vm, classes, &fakeDebugManager{})

	lines := []int{30, 10, 20}
	results := bps.BindBreakpoints("/a.cf", "/srv/a.cf", lines, nil)
	if len(results) != len(lines) {
		t.Fatalf("got %d results, want %d", len(results), len(lines))
	}
	for i, line := range lines {
		if results[i].Line != line {
			t.Fatalf("result[%d].Line = %d, want %d", i, results[i].Line, line)
		}
	}
}
