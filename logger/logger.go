// Package logger configures the process-wide structured logger used by every
// pipeline stage and the batch test engine. Every call site logs one event
// per line to standard output, matching the op/go-logging backend chain.
package logger

import (
	"os"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("xraymgr")

var format = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} %{level:.4s} [%{module}] %{message}`,
)

func init() {
	backend := logging.NewLogBackend(os.Stdout, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, "")
	logging.SetBackend(leveled)
}

// InitLogger sets the minimum level for the process. Passing an unknown
// level name leaves the previous level in place.
func InitLogger(level string) {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return
	}
	logging.SetLevel(lvl, "")
}

// Debug logs a debug-level event built from its arguments via fmt.Sprint semantics.
func Debug(args ...any) { log.Debug(args...) }

// Debugf logs a debug-level event using a format string.
func Debugf(format string, args ...any) { log.Debugf(format, args...) }

// Info logs an info-level event.
func Info(args ...any) { log.Info(args...) }

// Infof logs an info-level event using a format string.
func Infof(format string, args ...any) { log.Infof(format, args...) }

// Warning logs a warning-level event.
func Warning(args ...any) { log.Warning(args...) }

// Warningf logs a warning-level event using a format string.
func Warningf(format string, args ...any) { log.Warningf(format, args...) }

// Error logs an error-level event.
func Error(args ...any) { log.Error(args...) }

// Errorf logs an error-level event using a format string.
func Errorf(format string, args ...any) { log.Errorf(format, args...) }
