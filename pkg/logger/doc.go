/*
Package logger provides a structured logging solution for the pool scheduler
daemon. It wraps uber-go/zap to provide a simpler interface with support for
different verbosity levels, structured logging, and an interceptable fatal path.

Basic Usage:

	logger := logger.NewLogger(logger.Config{
	    Verbosity: 0,  // Default level (INFO)
	})

	// Simple logging
	logger.Info("Scheduler started")
	logger.Debug("Minting worker")       // Only shown with verbosity >= 1
	logger.Trace("Queue drain detail")   // Only shown with verbosity >= 2

Verbosity Levels:

	0: Info, Warn, Error (default)
	1: Debug + Level 0
	2: Trace + Level 1

Structured Logging:

	logger.WithFields(logger.Fields{
	    "component": "minter",
	    "pool":      3,
	    "threads":   42,
	}).Info("Worker created")

Output Example (JSON):

	{
	    "level": "info",
	    "ts": "2026-08-20T15:04:05.000Z",
	    "message": "Worker created",
	    "component": "minter",
	    "pool": 3,
	    "threads": 42
	}

Fatal Path:

Fatal logs at the highest severity and terminates the process. The watchdog
uses it when a queue is wedged. Tests (and callers that route fatal conditions
to a supervisor) install an OnFatal hook instead of exiting:

	logger := logger.NewLogger(logger.Config{
	    OnFatal: func() { tripped = true },
	})
	logger.Fatal("Pool queue stuck")

Thread Safety:

The logger is safe for concurrent use by multiple goroutines.
All logging methods can be called concurrently.

Performance Considerations:

The logger uses uber-go/zap internally, which provides high-performance
structured logging. Field allocation is only done when the log level
is enabled.
*/
package logger
