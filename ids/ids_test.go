package ids

import "testing"

func TestDwpThreadIDString(t *testing.T) {
	id := DwpThreadID(7)
	if got, want := id.String(), "dwp-thread:7"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestDapBreakpointIDString(t *testing.T) {
	id := DapBreakpointID(3)
	if got, want := id.String(), "dap-bp:3"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCanonicalServerAbsPathString(t *testing.T) {
	p := CanonicalServerAbsPath("/srv/app/index.cfm")
	if got, want := p.String(), "/srv/app/index.cfm"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
