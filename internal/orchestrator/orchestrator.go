// Package orchestrator implements the execution lifecycle state machine of
// spec §4.5: Received → Resolving → NeedsCompile|NeedsExecute → Compiling
// → NeedsExecute → Executing → Resuming → Resolved, with terminal
// Cancelled/Failed. Rather than a per-request goroutine, every non-terminal
// request is a row a poll-loop worker pool advances one transition at a
// time (cmd/coordinator runs the pool) — a crash between two poll ticks
// leaves the row exactly where it was, so nothing needs in-memory recovery
// logic.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainyield/coordinator/internal/artifactcache"
	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/jobqueue"
	"github.com/chainyield/coordinator/internal/ledger"
	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/secrets"
)

type Orchestrator struct {
	db      *sql.DB
	queue   *jobqueue.Queue
	cache   *artifactcache.Cache
	ledger  *ledger.Ledger
	chain   chainclient.Client
	secrets *secrets.Store
	sender  *resilientSender
	log     zerolog.Logger

	holder               string
	buildLockTTL         time.Duration
	staleTimeout         time.Duration
	resumeInlineMaxBytes int
}

func New(db *sql.DB, queue *jobqueue.Queue, cache *artifactcache.Cache, ldg *ledger.Ledger, chain chainclient.Client,
	secretsStore *secrets.Store, log zerolog.Logger, holder string, buildLockTTL, staleTimeout time.Duration,
	resumeInlineMaxBytes int) *Orchestrator {
	return &Orchestrator{
		db: db, queue: queue, cache: cache, ledger: ldg, chain: chain, secrets: secretsStore,
		sender: newResilientSender(chain, log), log: log,
		holder: holder, buildLockTTL: buildLockTTL, staleTimeout: staleTimeout,
		resumeInlineMaxBytes: resumeInlineMaxBytes,
	}
}

// IngestRequest persists a freshly observed execution_requested event as a
// Received row. Reservation of any attached payment key must already have
// happened upstream (the HTTP/event-ingest layer), since a grant key's
// attached-deposit rejection must produce no job at all (spec §8 scenario 4).
func (o *Orchestrator) IngestRequest(ctx context.Context, req models.ExecutionRequest) error {
	origin := req.Origin
	if origin == "" {
		origin = models.OriginChain
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO execution_requests (
			request_id, data_id, sender, origin,
			code_ref_kind, code_ref_repo, code_ref_commit, code_ref_build_target, code_ref_project_id, code_ref_version_key,
			max_instructions, max_memory_mib, max_wall_seconds,
			input, secrets_profile, secrets_owner,
			attached_deposit_usd, payment_key_hash, reserved_usd, state, created_at
		) VALUES ($1,$2,$3,$4, $5,$6,$7,$8,$9,$10, $11,$12,$13, $14,$15,$16, $17,$18,$19,'received', now())
	`, req.RequestID, req.DataID[:], req.Sender, string(origin),
		string(req.CodeRef.Kind), nullableString(req.CodeRef.Repo), nullableString(req.CodeRef.Commit), nullableString(req.CodeRef.BuildTarget),
		nullableString(req.CodeRef.ProjectID), nullableString(req.CodeRef.VersionKey),
		req.ResourceLimits.MaxInstructions, req.ResourceLimits.MaxMemoryMiB, req.ResourceLimits.MaxWallSeconds,
		req.Input, secretsProfile(req.SecretsRef), secretsOwner(req.SecretsRef),
		req.AttachedDepositUSD, nullableString(req.PaymentKeyHash), req.ReservedUSD)
	if err != nil {
		return fmt.Errorf("orchestrator: ingest: %w", err)
	}
	return nil
}

func secretsProfile(s *models.SecretsRef) any {
	if s == nil {
		return nil
	}
	return s.Profile
}

func secretsOwner(s *models.SecretsRef) any {
	if s == nil {
		return nil
	}
	return s.Owner
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AdvanceReceived resolves one Received row's code reference to a
// fingerprint and routes it to NeedsCompile or NeedsExecute depending on a
// cache lookup, in a single per-request transaction (spec §5 ordering
// guarantee (b)).
func (o *Orchestrator) AdvanceReceived(ctx context.Context, requestID int64) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State != models.StateReceived {
		return nil
	}

	repo, commit, buildTarget, fingerprint, err := o.resolveToFingerprint(ctx, req.CodeRef)
	if err != nil {
		return o.failRequest(ctx, requestID, req.PaymentKeyHash, req.ReservedUSD, err)
	}

	_, found, err := o.cache.Lookup(ctx, models.ArtifactFingerprint(fingerprint))
	if err != nil {
		return fmt.Errorf("orchestrator: cache lookup: %w", err)
	}

	next := models.StateNeedsCompile
	if found {
		next = models.StateNeedsExecute
	}

	_, err = o.db.ExecContext(ctx, `
		UPDATE execution_requests SET
			resolved_repo = $1, resolved_commit = $2, resolved_build_target = $3,
			fingerprint = $4, state = $5, resolved_at = now()
		WHERE request_id = $6 AND state = 'received'
	`, repo, commit, buildTarget, fingerprint, string(next), requestID)
	if err != nil {
		return fmt.Errorf("orchestrator: advance received: %w", err)
	}
	return nil
}

// AdvanceNeedsCompile re-checks the cache (another builder may have
// finished since this row last looked), then either skips straight to
// NeedsExecute or attempts to acquire the build lock and enqueue a compile
// job. Losing the race leaves the row in NeedsCompile for the next poll
// tick to retry (spec §8 scenario 5).
func (o *Orchestrator) AdvanceNeedsCompile(ctx context.Context, requestID int64) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State != models.StateNeedsCompile {
		return nil
	}
	fp := models.ArtifactFingerprint(req.Fingerprint)

	_, found, err := o.cache.Lookup(ctx, fp)
	if err != nil {
		return fmt.Errorf("orchestrator: cache lookup: %w", err)
	}
	if found {
		return o.setState(ctx, requestID, models.StateNeedsCompile, models.StateNeedsExecute)
	}

	res, err := o.cache.BeginBuild(ctx, fp, o.holder, o.buildLockTTL)
	if err != nil {
		return fmt.Errorf("orchestrator: begin build: %w", err)
	}
	if !res.Acquired {
		return nil // another builder holds the lock; retry next tick
	}

	if _, err := o.queue.Enqueue(ctx, models.JobCompile, models.CompilePayload{
		RequestID: requestID, Repo: req.ResolvedRepo, Commit: req.ResolvedCommit,
		BuildTarget: req.ResolvedBuildTarget, Fingerprint: fp,
	}, 0); err != nil {
		_ = o.cache.ReleaseBuild(ctx, fp, o.holder)
		return fmt.Errorf("orchestrator: enqueue compile job: %w", err)
	}

	return o.setState(ctx, requestID, models.StateNeedsCompile, models.StateCompiling)
}

// AdvanceNeedsExecute enqueues an execute job bound to the resolved
// fingerprint, input and limits. When the request carries a SecretsRef, the
// access condition bound to it is evaluated here, upstream of the keystore
// call (spec §4.7) — a deny fails the request with a structured error and
// never enqueues a job, so the worker never sees a secrets_ref it can't use.
func (o *Orchestrator) AdvanceNeedsExecute(ctx context.Context, requestID int64) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State != models.StateNeedsExecute {
		return nil
	}

	var secretsHandle string
	if req.SecretsRef != nil {
		plaintext, err := o.secrets.Resolve(ctx, *req.SecretsRef, req.Sender)
		if err != nil {
			return o.failRequest(ctx, requestID, req.PaymentKeyHash, req.ReservedUSD, err)
		}
		secretsHandle = base64.StdEncoding.EncodeToString(plaintext)
	}

	if _, err := o.queue.Enqueue(ctx, models.JobExecute, models.ExecutePayload{
		RequestID:      requestID,
		Fingerprint:    models.ArtifactFingerprint(req.Fingerprint),
		Input:          req.Input,
		ResourceLimits: req.ResourceLimits,
		SecretsHandle:  secretsHandle,
	}, 0); err != nil {
		return fmt.Errorf("orchestrator: enqueue execute job: %w", err)
	}

	return o.setState(ctx, requestID, models.StateNeedsExecute, models.StateExecuting)
}

// CompileJobCompleted is called once a worker's compile job completes with
// the uploaded WASM bytes: insert them into the cache as received (no hash
// of the bytes is checked against an expected value), pin the entry for the
// pending execute, release the build lock, and move to NeedsExecute.
func (o *Orchestrator) CompileJobCompleted(ctx context.Context, requestID int64, holder string, wasmBytes []byte) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	fp := models.ArtifactFingerprint(req.Fingerprint)

	if err := o.cache.FinishBuild(ctx, fp, wasmBytes); err != nil {
		return err
	}
	if err := o.cache.Pin(ctx, fp); err != nil {
		return err
	}
	if err := o.cache.ReleaseBuild(ctx, fp, o.holder); err != nil {
		o.log.Warn().Err(err).Int64("request_id", requestID).Msg("release build lock failed")
	}
	return o.setState(ctx, requestID, models.StateCompiling, models.StateNeedsExecute)
}

// CompileJobFailed handles a terminal compile failure: release the build
// lock, release any payment reservation, and route to the resuming path
// with a structured failure so the contract's yield still resolves (spec
// §4.5: "any non-terminal → Failed ... still submits a structured failure
// response").
func (o *Orchestrator) CompileJobFailed(ctx context.Context, requestID int64, holder string, cause error) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Fingerprint != "" {
		_ = o.cache.ReleaseBuild(ctx, models.ArtifactFingerprint(req.Fingerprint), o.holder)
	}
	return o.failRequest(ctx, requestID, req.PaymentKeyHash, req.ReservedUSD, cause)
}

// ExecuteJobCompleted records measured usage, settles accounting and moves
// the request to Resuming with a success payload queued for on-chain
// submission — all inside one transaction (spec §5 ordering guarantee (c)).
func (o *Orchestrator) ExecuteJobCompleted(ctx context.Context, requestID int64, resp models.ExecutionResponse) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: execute completed begin: %w", err)
	}
	defer tx.Rollback()

	if req.PaymentKeyHash != "" {
		cost, err := o.ledger.Settle(ctx, tx, req.PaymentKeyHash, req.ReservedUSD, resp.ResourcesUsed)
		if err != nil {
			return fmt.Errorf("orchestrator: settle: %w", err)
		}
		_ = cost
	} else if req.AttachedDepositUSD > 0 {
		cost := o.ledger.DepositCost(resp.ResourcesUsed)
		credit := req.AttachedDepositUSD - cost
		if credit > 0 {
			if err := o.ledger.CreditEarnings(ctx, tx, req.Sender, models.EarningsOnChain, credit, requestID); err != nil {
				return fmt.Errorf("orchestrator: credit earnings: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE execution_requests SET
			state = 'resuming', pending_success = true, pending_output = $1,
			pending_instructions = $2, pending_memory_bytes = $3, pending_time_millis = $4
		WHERE request_id = $5 AND state = 'executing'
	`, resp.Output, resp.ResourcesUsed.Instructions, resp.ResourcesUsed.MemoryBytes, resp.ResourcesUsed.TimeMillis, requestID)
	if err != nil {
		return fmt.Errorf("orchestrator: execute completed update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.unpinFingerprint(ctx, requestID, req.Fingerprint)
	return nil
}

// unpinFingerprint releases the pin CompileJobCompleted took out on behalf
// of the execute job that just finished (success or failure), so the
// artifact becomes eligible for eviction again once nothing else holds it.
// Best-effort: a failure here only delays eviction, it never corrupts state.
func (o *Orchestrator) unpinFingerprint(ctx context.Context, requestID int64, fingerprint string) {
	if fingerprint == "" {
		return
	}
	if err := o.cache.Unpin(ctx, models.ArtifactFingerprint(fingerprint)); err != nil {
		o.log.Warn().Err(err).Int64("request_id", requestID).Msg("unpin artifact failed")
	}
}

// ExecuteJobFailed handles a terminal execute failure (worker-infra
// exhausted retries, or a deterministic user-code trap, which is final on
// first occurrence): release the reservation and route to Resuming with a
// failure payload.
func (o *Orchestrator) ExecuteJobFailed(ctx context.Context, requestID int64, errKind, errMessage string) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: execute failed begin: %w", err)
	}
	defer tx.Rollback()

	if req.PaymentKeyHash != "" {
		if err := o.ledger.Release(ctx, tx, req.PaymentKeyHash, req.ReservedUSD); err != nil {
			return fmt.Errorf("orchestrator: release: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE execution_requests SET
			state = 'resuming', pending_success = false,
			pending_error_kind = $1, pending_error_message = $2
		WHERE request_id = $3 AND state = 'executing'
	`, errKind, errMessage, requestID)
	if err != nil {
		return fmt.Errorf("orchestrator: execute failed update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.unpinFingerprint(ctx, requestID, req.Fingerprint)
	return nil
}

// failRequest is the shared terminal-failure path used before any job was
// enqueued against the contract (resolve validation, compile failure): it
// releases whatever reservation exists and queues a failure resume.
func (o *Orchestrator) failRequest(ctx context.Context, requestID int64, paymentKeyHash string, reservedUSD int64, cause error) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: fail begin: %w", err)
	}
	defer tx.Rollback()

	if paymentKeyHash != "" {
		if err := o.ledger.Release(ctx, tx, paymentKeyHash, reservedUSD); err != nil {
			return fmt.Errorf("orchestrator: fail release: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE execution_requests SET
			state = 'resuming', pending_success = false, pending_error_kind = 'deterministic_user_error',
			pending_error_message = $1, last_error = $1
		WHERE request_id = $2 AND state NOT IN ('resolved','cancelled','failed')
	`, cause.Error(), requestID)
	if err != nil {
		return fmt.Errorf("orchestrator: fail update: %w", err)
	}
	return tx.Commit()
}

// AdvanceResuming sends the queued resume payload to the chain, using the
// two-step submission path when the output exceeds the inline payload
// limit (spec §4.5, §8 boundary behavior). Resume is idempotent on the
// contract side, so a resume that fails mid-send is simply retried by the
// next poll tick against the same pending_* row.
func (o *Orchestrator) AdvanceResuming(ctx context.Context, requestID int64) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State != models.StateResuming {
		return nil
	}

	finalState := models.StateResolved
	if !req.PendingSuccess {
		finalState = models.StateFailed
	}

	// HTTP-originated calls never yielded a contract promise: the caller
	// polls GET /calls/:call_id (or blocks inline) for the pending_* fields
	// instead of a chain resume.
	if req.Origin == models.OriginHTTP {
		return o.setState(ctx, requestID, models.StateResuming, finalState)
	}

	resp := chainclient.ResumeResponse{
		Success:      req.PendingSuccess,
		Output:       req.PendingOutput,
		ErrorKind:    req.PendingErrorKind,
		ErrorMessage: req.PendingErrorMessage,
		Instructions: uint64(req.PendingInstructions),
		MemoryBytes:  uint64(req.PendingMemoryBytes),
		TimeMillis:   uint64(req.PendingTimeMillis),
	}

	outputAlreadySubmitted := len(resp.Output) > o.resumeInlineMaxBytes
	if outputAlreadySubmitted {
		if err := o.sender.submitOutput(ctx, requestID, resp.Output); err != nil {
			return fmt.Errorf("orchestrator: submit output: %w", err)
		}
		resp.Output = nil
	}

	if err := o.sender.resolve(ctx, requestID, outputAlreadySubmitted, resp); err != nil {
		return fmt.Errorf("orchestrator: resolve execution: %w", err)
	}

	return o.setState(ctx, requestID, models.StateResuming, finalState)
}

// Cancel implements cancel_stale_execution: rejected before staleTimeout
// has elapsed since creation, otherwise terminal Cancelled with the
// reservation released and no resume sent (the contract's own cancel path
// closes the yield; spec §8 scenario 3).
func (o *Orchestrator) Cancel(ctx context.Context, requestID int64) error {
	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.Terminal() {
		return models.NewError(models.KindValidation, "request already terminal", nil)
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: cancel begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE execution_requests SET state = 'cancelled'
		WHERE request_id = $1 AND state NOT IN ('resolved','cancelled','failed')
		  AND created_at <= now() - ($2 || ' seconds')::interval
	`, requestID, int64(o.staleTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("orchestrator: cancel update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NewError(models.KindValidation, "request not yet past the stale-cancellation window", nil)
	}

	if req.PaymentKeyHash != "" {
		if err := o.ledger.Release(ctx, tx, req.PaymentKeyHash, req.ReservedUSD); err != nil {
			return fmt.Errorf("orchestrator: cancel release: %w", err)
		}
	}
	return tx.Commit()
}

// PurgeTerminal deletes terminal requests whose created_at is more than
// retentionDays in the past; the window is measured from creation, not from
// the moment the request reached its terminal state. Run daily from
// cmd/coordinator, not on every poll tick.
func (o *Orchestrator) PurgeTerminal(ctx context.Context, retentionDays int) (int64, error) {
	res, err := o.db.ExecContext(ctx, `
		DELETE FROM execution_requests
		WHERE state IN ('resolved','cancelled','failed')
		  AND created_at <= now() - ($1 || ' days')::interval
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: purge terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("orchestrator: purge terminal rows affected: %w", err)
	}
	return n, nil
}

func (o *Orchestrator) setState(ctx context.Context, requestID int64, from, to models.RequestState) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE execution_requests SET state = $1 WHERE request_id = $2 AND state = $3`,
		string(to), requestID, string(from))
	if err != nil {
		return fmt.Errorf("orchestrator: set state %s->%s: %w", from, to, err)
	}
	return nil
}
