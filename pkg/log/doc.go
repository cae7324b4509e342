/*
Package log provides structured logging for repowarden using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. Components obtain a child logger once
at construction and attach entity identifiers (job_id, repo, task_id) per
operation.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("coordinator")
	logger.Info().Str("job_id", job.ID).Msg("job created")
*/
package log
