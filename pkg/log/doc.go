/*
Package log provides structured logging for unitd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Usage

Initializing the Logger:

	import "github.com/cuemby/unitd/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("manager started")
	log.Debug("checking unit dependencies")
	log.Warn("mount escalating to SIGKILL")
	log.Error("job failed")
	log.Fatal("cannot start without data directory")

Structured Logging:

	log.Logger.Info().
		Str("unit", "nginx.service").
		Uint64("job_id", 42).
		Msg("job queued")

Context Loggers:

	// Component-specific logger
	evLog := log.WithComponent("eventloop")
	evLog.Debug().Msg("dispatching fd events")

	// Unit-scoped logger
	unitLog := log.WithUnit("nginx.service")
	unitLog.Info().Msg("active")

	// Job-scoped logger
	jobLog := log.WithJob(42)
	jobLog.Info().Msg("job finished")
*/
package log
