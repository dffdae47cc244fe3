// Package stopsignal provides the process-wide stop flag shared by every
// long-running component: the collector's fetch loop, the pipeline
// scheduler, and the batch test engine's outer loop. A single atomic bool
// is cheaper and simpler than a context.Context tree here because every
// consumer just needs to poll "should I stop", not propagate cancellation
// reasons or deadlines.
package stopsignal

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/atomic"

	"github.com/xrayfleet/xraymgr/logger"
)

// Signal is a process-wide stop flag. The zero value is ready to use.
type Signal struct {
	stopped atomic.Bool
}

// New returns a Signal not yet stopped.
func New() *Signal {
	return &Signal{}
}

// Stop marks the signal as tripped. Idempotent.
func (s *Signal) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether Stop has been called. It does not look for a stop
// file; ShouldStop checks both.
func (s *Signal) Stopped() bool {
	return s.stopped.Load()
}

// WatchSignals traps SIGINT/SIGTERM and trips the Signal, mirroring the
// Python engine's signal.signal(SIGTERM, handler) / signal.signal(SIGINT, ...)
// registration in test_batch_10.py.
func (s *Signal) WatchSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		logger.Infof("received signal %s, stopping", sig)
		s.Stop()
	}()
}

// StopFileExists reports whether path is non-empty and names a file that
// currently exists. Callers poll this alongside Stopped() so an operator can
// request a graceful stop without sending a signal, matching spec §6's
// stop-file lifecycle flag.
func StopFileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// ShouldStop is the combined check every loop body should call: either the
// in-process flag tripped, or the configured stop file appeared.
func (s *Signal) ShouldStop(stopFilePath string) bool {
	return s.Stopped() || StopFileExists(stopFilePath)
}
