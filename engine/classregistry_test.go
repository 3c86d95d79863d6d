package engine

import (
	"testing"

	"github.com/cfdebug/vmcore/internal/config"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/internal/dwp/dwptest"
)

func newTestRefType(id int64, name, path string, lines map[int]int64) *dwptest.RefType {
	rt := dwptest.NewRefType(id, name, path, nil)
	m := rt.AddMethod("run")
	for line, codeIndex := range lines {
		rt.SetLine(line, m, codeIndex)
	}
	return rt
}

func TestClassRegistryHandleClassPrepare(t *testing.T) {
	cfg := config.Default()
	reg := NewClassRegistry(cfg)

	rt := newTestRefType(1, "app.Index", "/srv/a.cf", map[int]int64{10: 0})
	reg.HandleClassPrepare(rt)

	mirrors := reg.MirrorsForPath("/srv/a.cf")
	if len(mirrors) != 1 {
		t.Fatalf("MirrorsForPath returned %d mirrors, want 1", len(mirrors))
	}
	if _, ok := mirrors[0].LineMap[10]; !ok {
		t.Fatal("expected line 10 in the mirror's line map")
	}
}

func TestClassRegistrySuppressesEphemeralFailureLogging(t *testing.T) {
	cfg := config.Default()
	reg := NewClassRegistry(cfg)

	// No source path set: tryBuildKlassMap will fail. The default markers
	// include "MemoryClassLoader", so this should be suppressed rather
	// than logged, and it must not register a mirror.
	rt := dwptest.NewRefType(1, "some.MemoryClassLoader$1", "", nil)
	reg.HandleClassPrepare(rt)

	if reg.HasMirrors("") {
		t.Fatal("a class with no source path must not register a mirror")
	}
}

func TestClassRegistryBootstrapTwoBranch(t *testing.T) {
	cfg := config.Default()
	reg := NewClassRegistry(cfg)
	vm := dwptest.NewVM()

	// Branch 1: base class not yet loaded -> one-shot prepare request.
	reg.Bootstrap(vm)
	if len(vm.ERM().ClassPrepares) != 1 {
		t.Fatalf("expected one one-shot prepare request, got %d", len(vm.ERM().ClassPrepares))
	}

	// Simulate the base class preparing: finish bootstrap and confirm the
	// subclass-tracking prepare request is installed afterward.
	base := dwptest.NewRefType(1, cfg.BasePageClassName, "", nil)
	oneShot := vm.ERM().ClassPrepares[0]
	reg.FinishBootstrapOnBasePagePrepare(vm, dwp.ClassPrepareEvent{RefType: base, Request: oneShot})
	if len(vm.ERM().ClassPrepares) != 2 {
		t.Fatalf("expected subclass tracking request installed, got %d prepare requests", len(vm.ERM().ClassPrepares))
	}
}

func TestClassRegistryBootstrapAlreadyLoaded(t *testing.T) {
	cfg := config.Default()
	reg := NewClassRegistry(cfg)
	vm := dwptest.NewVM()

	base := dwptest.NewRefType(1, cfg.BasePageClassName, "", nil)
	vm.AddClass("", base)

	reg.Bootstrap(vm)
	if len(vm.ERM().ClassPrepares) != 1 {
		t.Fatalf("expected subclass tracking request installed directly, got %d", len(vm.ERM().ClassPrepares))
	}
}
