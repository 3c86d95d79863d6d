package engine

// CfStepKind is the kind of step the stepping engine can arm (spec.md
// §4.5, phase 1).
type CfStepKind int

const (
	StepInto CfStepKind = iota
	StepOverKind
	StepOutKind
)

// DebugFrame is one language-level stack frame, as rendered by the debug
// manager (spec.md §1, §6). The core never builds one itself; it only
// reads the fields needed to translate a frame into the wire protocol's
// boundary type.
type DebugFrame interface {
	ID() int64
	Name() string
	SourcePath() string
	Line() int
}

// DebugEntity is a scope or variable, as rendered by the debug manager
// (spec.md §6). VariablesReference is 0 for a leaf value with no
// children.
type DebugEntity interface {
	Name() string
	Value() string
	VariablesReference() int64
}

// VariableKind filters DebugManager.GetVariables (spec.md §6).
type VariableKind int

const (
	VariableKindAny VariableKind = iota
	VariableKindNamed
	VariableKindIndexed
)

// EvalResult is the outcome of DebugManager.Evaluate: exactly one of Value
// (a debug-manager-native value handle) or Textual (a rendered string) is
// set on success; Err is set on failure and the other two are ignored.
type EvalResult struct {
	Value   interface{}
	Textual string
	IsErr   bool
	Err     string
}

// CfStepCallback is invoked by the debug manager after the next bytecode
// dispatch edge matching a previously armed step kind (spec.md §4.5,
// phase 1). minFrameOffset is the debug manager's best guess at how many
// frames on nativeThread's stack were definitely pushed getting to this
// callback, used as the starting index for the frame walk in phase 2.
type CfStepCallback func(nativeThread NativeThread, minFrameOffset int)

// DebugManager is the narrow interface the core consumes from the
// external variable-inspection / scope-rendering subsystem (spec.md §1,
// §6). The core never implements this — it is supplied by the caller
// that wires the engine together — but the core is the sole caller of
// every method here.
type DebugManager interface {
	// GetCfStack returns the language-level stack trace for a suspended
	// native thread.
	GetCfStack(native NativeThread) ([]DebugFrame, error)

	// GetScopesForFrame returns the scopes visible at a given frame,
	// addressed by an opaque frame id the debug manager itself allocated
	// when it built the stack (via GetCfStack).
	GetScopesForFrame(frameID int64) ([]DebugEntity, error)

	// GetVariables returns the child variables of a compound entity,
	// addressed by an opaque variables-reference id, optionally filtered
	// to named or indexed children only.
	GetVariables(variablesRef int64, kind VariableKind) ([]DebugEntity, error)

	// RegisterCfStepHandler registers the single step-notification
	// callback used for the lifetime of the process (spec.md §4.5).
	RegisterCfStepHandler(cb CfStepCallback)

	// RegisterStepRequest arms a step of the given kind for a thread
	// (spec.md §4.5, phase 1).
	RegisterStepRequest(native NativeThread, kind CfStepKind) error

	// ClearStepRequest cancels an armed step, called when a user
	// breakpoint preempts finalization (spec.md §4.5).
	ClearStepRequest(native NativeThread) error

	// EvaluateAsBooleanForConditionalBreakpoint evaluates expr in the
	// context of the topmost language frame on native and returns its
	// cf-truthiness (spec.md §4.4).
	EvaluateAsBooleanForConditionalBreakpoint(native NativeThread, expr string) (bool, error)

	// DoDump renders a variable as a human-readable string, using
	// suspendedThreads to locate a page context if needed (spec.md §4.7).
	DoDump(suspendedThreads []NativeThread, variablesRef int64) (string, error)

	// DoDumpAsJSON is DoDump's JSON-rendering counterpart.
	DoDumpAsJSON(suspendedThreads []NativeThread, variablesRef int64) (string, error)

	// GetSourcePathForVariablesRef resolves the canonical server source
	// path associated with a variables-reference id.
	GetSourcePathForVariablesRef(variablesRef int64) (string, error)

	// Evaluate evaluates an arbitrary expression in the context of a
	// frame (addressed by the same opaque id GetScopesForFrame uses).
	Evaluate(frameID int64, expr string) EvalResult

	// IsStepNotificationEntryFunc reports whether methodName is the debug
	// manager's own step-notification entry point — the frame the phase-2
	// frame walk (spec.md §4.5) scans for.
	IsStepNotificationEntryFunc(methodName string) bool
}
