// Package ids defines the strongly typed scalar identifiers passed across
// the engine's boundaries. Keeping these as distinct types rather than
// bare int/string prevents accidental aliasing between, for example, a
// DWP thread id and a DAP breakpoint id — both of which are just numbers
// on the wire.
package ids

import "fmt"

// DwpThreadID identifies a thread inside the target VM, as known to the
// wire-level debug protocol. It is stable for the lifetime of the
// underlying thread.
type DwpThreadID int64

func (id DwpThreadID) String() string {
	return fmt.Sprintf("dwp-thread:%d", int64(id))
}

// DapBreakpointID identifies a breakpoint on the DAP side. It is
// allocated once per (canonical server path, line) pair and is stable
// across rebinds (spec.md §3, Replayable breakpoint invariant).
type DapBreakpointID int

func (id DapBreakpointID) String() string {
	return fmt.Sprintf("dap-bp:%d", int(id))
}

// CanonicalServerAbsPath is the absolute source path as the target VM's
// class loader knows it. This is the key under which class mirrors and
// replayable breakpoints are indexed. Mapping from a RawIdePath to a
// CanonicalServerAbsPath is owned by an external collaborator (spec.md
// §1); the engine only ever consumes already-canonicalized paths.
type CanonicalServerAbsPath string

func (p CanonicalServerAbsPath) String() string { return string(p) }

// RawIdePath is the path exactly as the IDE / DAP front-end sent it,
// before any canonicalization. The engine carries it through so it can
// be echoed back in breakpoint results and detail listings, but never
// uses it as a lookup key.
type RawIdePath string

func (p RawIdePath) String() string { return string(p) }
