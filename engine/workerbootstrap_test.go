package engine

import (
	"testing"

	"github.com/cfdebug/vmcore/internal/config"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/internal/dwp/dwptest"
)

func TestWorkerBootstrapBootAndInvoke(t *testing.T) {
	vm := dwptest.NewVM()
	helper := dwptest.NewRefType(1, helperClassName, "", nil)
	parkMethod := helper.AddMethod(helperMethodName)
	helper.AddMethod(resolveMethodName)
	helper.SetInvokeFunc(func(thread dwp.ThreadRef, method dwp.MethodRef, args []interface{}, opts dwp.InvokeOptions) (interface{}, error) {
		if opts&dwp.InvokeSingleThreaded == 0 {
			t.Fatal("expected InvokeSingleThreaded to be set")
		}
		return "result", nil
	})
	vm.AddClass("", helper)

	worker := dwptest.NewThread(1, "worker-0")

	wb := NewWorkerBootstrap(vm, config.Default())
	if err := wb.Boot(worker); err != nil {
		t.Fatal(err)
	}
	if len(vm.ERM().Breakpoints) != 1 {
		t.Fatalf("expected one parking breakpoint, got %d", len(vm.ERM().Breakpoints))
	}

	wb.HandleParkBreakpoint(worker)

	result, err := wb.Invoke(helper, parkMethod, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "result" {
		t.Fatalf("Invoke() = %v, want %q", result, "result")
	}
}

func TestWorkerBootstrapMissingHelperClass(t *testing.T) {
	vm := dwptest.NewVM()
	wb := NewWorkerBootstrap(vm, nil)
	worker := dwptest.NewThread(1, "worker-0")
	if err := wb.Boot(worker); err == nil {
		t.Fatal("expected an error when the helper class is not loaded")
	}
}
