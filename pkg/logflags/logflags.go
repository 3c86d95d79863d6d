// Package logflags controls the engine's structured loggers, one per
// subsystem, the same way delve's pkg/logflags gates its own loggers:
// disabled subsystems log at PanicLevel (i.e. never), enabled ones at
// DebugLevel. Each call to one of the XxxLogger functions builds a new
// logger whose level is fixed at that moment; components build theirs
// once, at construction, and hold it.
package logflags

import (
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	engine = false
	worker = false
	event  = false
	step   = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Engine returns true if the engine package (thread registry, class
// registry, breakpoint engine) should log.
func Engine() bool { return engine }

// EngineLogger returns a logger for the core engine bookkeeping.
func EngineLogger() *logrus.Entry {
	return makeLogger(engine, logrus.Fields{"layer": "engine"})
}

// Worker returns true if the worker bootstrap should log.
func Worker() bool { return worker }

// WorkerLogger returns a logger for the worker-thread bootstrap and its
// invokeMethod round trips.
func WorkerLogger() *logrus.Entry {
	return makeLogger(worker, logrus.Fields{"layer": "worker"})
}

// Event returns true if the DWP event pump should log.
func Event() bool { return event }

// EventLogger returns a logger for the event pump.
func EventLogger() *logrus.Entry {
	return makeLogger(event, logrus.Fields{"layer": "event"})
}

// Step returns true if the stepping engine should log.
func Step() bool { return step }

// StepLogger returns a logger for the two-phase stepping protocol.
func StepLogger() *logrus.Entry {
	return makeLogger(step, logrus.Fields{"layer": "step"})
}

// Setup parses a comma-separated log-flags string (as loaded from
// config.Config.LogFlags) and enables the named subsystems.
func Setup(logstr string) {
	if logstr == "" {
		return
	}
	for _, name := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(name) {
		case "engine":
			engine = true
		case "worker":
			worker = true
		case "event":
			event = true
		case "step":
			step = true
		}
	}
}

// FatalLogger returns a logger that is always enabled, used for the
// handful of invariant-violation call sites that must terminate the
// process regardless of configured log flags (spec.md §7).
func FatalLogger(layer string) *logrus.Entry {
	logger := logrus.New().WithField("layer", layer)
	logger.Logger.Level = logrus.DebugLevel
	return logger
}
