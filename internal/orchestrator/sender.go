package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainyield/coordinator/internal/chainclient"
)

// resilientSender implements spec §9's "the contract must always be
// resumed" design note: resolve_execution/submit_execution_output are
// retried with exponential backoff within a single poll tick. A tick that
// still fails after the backoff budget leaves the request in Resuming, so
// the next poll sweep retries it — satisfying the no-in-memory-task
// requirement without a separate durable retry queue.
type resilientSender struct {
	chain    chainclient.Client
	log      zerolog.Logger
	attempts int
	baseWait time.Duration
}

func newResilientSender(chain chainclient.Client, log zerolog.Logger) *resilientSender {
	return &resilientSender{chain: chain, log: log, attempts: 4, baseWait: 250 * time.Millisecond}
}

func (s *resilientSender) submitOutput(ctx context.Context, requestID int64, output []byte) error {
	return s.retry(ctx, "submit_execution_output", func() error {
		return s.chain.SubmitExecutionOutput(ctx, requestID, output)
	})
}

func (s *resilientSender) resolve(ctx context.Context, requestID int64, outputAlreadySubmitted bool, resp chainclient.ResumeResponse) error {
	return s.retry(ctx, "resolve_execution", func() error {
		return s.chain.ResolveExecution(ctx, requestID, outputAlreadySubmitted, resp)
	})
}

func (s *resilientSender) retry(ctx context.Context, op string, fn func() error) error {
	wait := s.baseWait
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			s.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("chain submission failed, retrying")
			if attempt == s.attempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			continue
		}
		return nil
	}
	return lastErr
}
