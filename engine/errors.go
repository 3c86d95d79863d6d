package engine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cfdebug/vmcore/ids"
	"github.com/cfdebug/vmcore/internal/dwp"
	"github.com/cfdebug/vmcore/pkg/logflags"
)

// InvariantViolation is returned (and then fatally logged) whenever the
// engine observes a state spec.md §7 classifies as an invariant
// violation: an unrecognized DWP event, a collected worker thread
// reference, or a step precondition failure. There is no recovery from
// any of these — the target VM and the engine's model of it have
// diverged, and continuing would corrupt the user's mental model of the
// debug session (spec.md §7).
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Reason)
}

// fatal logs err at Fatal level and terminates the process. logrus's
// Fatal calls os.Exit(1) after logging, the Go analogue of the original
// implementation's System.exit(1) calls guarding the same invariants.
// It logs through logflags.FatalLogger rather than the subsystem logger
// it was handed: an invariant violation must be visible even when that
// subsystem's own debug logging was never enabled, and callers pass one
// of the subsystem loggers only to carry its "layer" field along.
func fatal(log *logrus.Entry, err error) {
	layer, _ := log.Data["layer"].(string)
	logflags.FatalLogger(layer).Fatal(err)
}

// UnknownThreadError is returned when the DAP side references a
// dwpThreadId the engine has no record of. Per spec.md §4.1 this is a
// non-recoverable protocol error, not routine staleness: the caller
// asked about a thread that was never registered, which cannot happen
// under a correctly synchronized protocol.
type UnknownThreadError struct {
	ID ids.DwpThreadID
}

func (e *UnknownThreadError) Error() string {
	return fmt.Sprintf("no known thread for %s", e.ID)
}

// isCollected reports whether err represents a stale-handle condition
// (spec.md §7, "Stale DWP handle"), which callers should treat as
// routine rather than propagate.
func isCollected(err error) bool {
	return errors.Is(err, dwp.ErrCollected)
}
