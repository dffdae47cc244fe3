package logger

import "testing"

func TestInitLoggerAcceptsKnownLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warning", "error", "critical"} {
		InitLogger(lvl)
	}
}

func TestInitLoggerIgnoresUnknownLevel(t *testing.T) {
	InitLogger("info")
	InitLogger("not-a-real-level")
}

func TestLogHelpersDoNotPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("logging helpers must not panic, got: %v", r)
		}
	}()
	InitLogger("debug")
	Debug("debug", "event")
	Debugf("debug %s", "event")
	Info("info event")
	Infof("info %s", "event")
	Warning("warning event")
	Warningf("warning %s", "event")
	Error("error event")
	Errorf("error %s", "event")
}
