/*
Package app signal handling: SIGINT and SIGTERM trigger graceful shutdown,
a second interrupt forces exit, and SIGHUP reloads the configuration into
the running scheduler.
*/
package app

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Varulv1997/varnish-cache/pkg/logger"
)

// signalState tracks the state of signal handling
type signalState struct {
	shutdownInitiated atomic.Bool
}

// setupSignalHandling installs the daemon signal handlers.
func (a *App) setupSignalHandling() {
	state := &signalState{}

	signal.Notify(a.signals,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
	)

	go a.handleSignals(state)
}

// handleSignals processes incoming system signals.
func (a *App) handleSignals(state *signalState) {
	for sig := range a.signals {
		a.log.WithFields(logger.Fields{
			"signal": sig.String(),
		}).Debug("Received system signal")

		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			if !state.shutdownInitiated.CompareAndSwap(false, true) {
				a.log.Warn("Received second interrupt, forcing exit")
				os.Exit(1)
			}
			// Run observes the cancellation and performs the shutdown
			a.cancel()

		case syscall.SIGHUP:
			if err := a.Reload(); err != nil {
				a.log.WithFields(logger.Fields{
					"error": err.Error(),
				}).Error("Failed to reload configuration")
			}
		}
	}
}
