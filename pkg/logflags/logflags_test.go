package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetupEnablesNamedSubsystems(t *testing.T) {
	defer func() { engine, worker, event, step = false, false, false, false }()

	Setup("engine, step")

	if !Engine() {
		t.Fatal("expected engine logging enabled")
	}
	if Worker() {
		t.Fatal("expected worker logging to remain disabled")
	}
	if Event() {
		t.Fatal("expected event logging to remain disabled")
	}
	if !Step() {
		t.Fatal("expected step logging enabled")
	}
}

func TestSetupEmptyStringIsNoop(t *testing.T) {
	defer func() { engine, worker, event, step = false, false, false, false }()
	Setup("")
	if Engine() || Worker() || Event() || Step() {
		t.Fatal("expected an empty log-flags string to enable nothing")
	}
}

func TestMakeLoggerRespectsFlag(t *testing.T) {
	enabled := makeLogger(true, logrus.Fields{"layer": "x"})
	if enabled.Logger.Level != logrus.DebugLevel {
		t.Fatalf("enabled logger level = %v, want DebugLevel", enabled.Logger.Level)
	}
	disabled := makeLogger(false, logrus.Fields{"layer": "x"})
	if disabled.Logger.Level != logrus.PanicLevel {
		t.Fatalf("disabled logger level = %v, want PanicLevel", disabled.Logger.Level)
	}
}
