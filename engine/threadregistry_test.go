package engine

import (
	"testing"
	"time"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp/dwptest"
)

func TestThreadRegistryRegisterAndLookup(t *testing.T) {
	r := NewThreadRegistry(time.Hour)
	defer r.Close()

	ref := dwptest.NewThread(1, "worker-0")
	native := "native-handle-1"
	r.Register(native, ref)

	got, ok := r.LookupByDwpID(ids.DwpThreadID(1))
	if !ok || got != native {
		t.Fatalf("LookupByDwpID = (%v, %v), want (%v, true)", got, ok, native)
	}

	gotRef, ok := r.LookupRefByNative(native)
	if !ok || gotRef != ref {
		t.Fatalf("LookupRefByNative did not return the registered ref")
	}
}

func TestThreadRegistryUnregister(t *testing.T) {
	r := NewThreadRegistry(time.Hour)
	defer r.Close()

	ref := dwptest.NewThread(2, "worker-1")
	r.Register("native-2", ref)
	r.Unregister(ref)

	if _, ok := r.LookupByDwpID(ids.DwpThreadID(2)); ok {
		t.Fatal("expected thread to be gone after Unregister")
	}
}

func TestThreadRegistrySweepsCollected(t *testing.T) {
	r := NewThreadRegistry(10 * time.Millisecond)
	defer r.Close()

	ref := dwptest.NewThread(3, "worker-2")
	r.Register("native-3", ref)
	ref.Collect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.LookupByDwpID(ids.DwpThreadID(3)); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not prune a collected thread within the deadline")
}

func TestThreadRegistryMustLookupUnknown(t *testing.T) {
	r := NewThreadRegistry(time.Hour)
	defer r.Close()

	if _, err := r.MustLookupByDwpID(ids.DwpThreadID(99)); err == nil {
		t.Fatal("expected UnknownThreadError for an unregistered id")
	} else if _, ok := err.(*UnknownThreadError); !ok {
		t.Fatalf("expected *UnknownThreadError, got %T", err)
	}
}
