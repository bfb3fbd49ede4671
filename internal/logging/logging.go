// Package logging builds the coordinator's zerolog loggers. Where the
// teacher reached for the bare "log" package (log.Printf, log.Fatal), every
// equivalent call site here goes through a *zerolog.Logger instead, carrying
// request_id/job_id/worker_id fields so a single log line is traceable back
// to the row it came from.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func New(component string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// WithRequest returns a child logger scoped to one execution request.
func WithRequest(l zerolog.Logger, requestID int64) zerolog.Logger {
	return l.With().Int64("request_id", requestID).Logger()
}

// WithJob returns a child logger scoped to one job.
func WithJob(l zerolog.Logger, jobID int64) zerolog.Logger {
	return l.With().Int64("job_id", jobID).Logger()
}

// WithWorker returns a child logger scoped to one worker.
func WithWorker(l zerolog.Logger, workerID string) zerolog.Logger {
	return l.With().Str("worker_id", workerID).Logger()
}
