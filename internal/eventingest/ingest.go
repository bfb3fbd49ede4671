// Package eventingest polls the chain for execution_requested events (spec
// §6's "Event ingest (from chain)") and turns each into an
// orchestrator.IngestRequest call. There is no push delivery in this
// system — cmd/coordinator runs this loop the same way it runs the
// orchestrator's poll loop, both driven by a time.Ticker rather than a
// per-event goroutine.
package eventingest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/orchestrator"
)

type Loop struct {
	db    *sql.DB
	chain chainclient.Client
	orch  *orchestrator.Orchestrator
	log   zerolog.Logger

	batchSize int
}

func New(db *sql.DB, chain chainclient.Client, orch *orchestrator.Orchestrator, log zerolog.Logger, batchSize int) *Loop {
	return &Loop{db: db, chain: chain, orch: orch, log: log, batchSize: batchSize}
}

// Tick polls for any execution_requested events after the highest
// request_id already persisted, and ingests each in request_id order.
func (l *Loop) Tick(ctx context.Context) error {
	cursor, err := l.cursor(ctx)
	if err != nil {
		return err
	}

	events, err := l.chain.PollExecutionRequested(ctx, cursor, l.batchSize)
	if err != nil {
		return fmt.Errorf("eventingest: poll: %w", err)
	}
	for _, evt := range events {
		if err := l.ingestOne(ctx, evt); err != nil {
			l.log.Error().Err(err).Int64("request_id", evt.RequestID).Msg("ingest execution_requested failed")
			continue
		}
	}
	return nil
}

func (l *Loop) cursor(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(request_id) FROM execution_requests WHERE origin = 'chain'
	`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("eventingest: cursor: %w", err)
	}
	return max.Int64, nil
}

func (l *Loop) ingestOne(ctx context.Context, evt chainclient.ExecutionRequestedEvent) error {
	codeRef, err := chainclient.ParseCodeSource(evt.CodeSource)
	if err != nil {
		return err
	}

	req := models.ExecutionRequest{
		RequestID: evt.RequestID,
		DataID:    evt.DataID,
		Sender:    evt.Sender,
		Origin:    models.OriginChain,
		CodeRef:   codeRef,
		ResourceLimits: models.ResourceLimits{
			MaxInstructions: evt.ResourceLimits.MaxInstructions,
			MaxMemoryMiB:    evt.ResourceLimits.MaxMemoryMiB,
			MaxWallSeconds:  evt.ResourceLimits.MaxWallSeconds,
		},
		Input:              evt.InputData,
		AttachedDepositUSD: evt.AttachedDepositUSD,
	}
	if evt.SecretsProfile != "" {
		req.SecretsRef = &models.SecretsRef{Profile: evt.SecretsProfile, Owner: evt.SecretsOwner}
	}
	return l.orch.IngestRequest(ctx, req)
}
