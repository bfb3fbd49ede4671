package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chainyield/coordinator/internal/models"
)

// GetRequest returns the current row for requestID, for callers polling
// GET /calls/:call_id and for cmd/coordinator's live-feed publishing.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID int64) (models.ExecutionRequest, error) {
	return o.loadRequest(ctx, requestID)
}

// PollableRequestIDs returns every non-terminal request currently in state,
// oldest first, for cmd/coordinator's poll loop to advance one transition
// at a time. Capped at limit per call so one sweep can't starve newer rows
// behind an enormous backlog in a single state.
func (o *Orchestrator) PollableRequestIDs(ctx context.Context, state models.RequestState, limit int) ([]int64, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT request_id FROM execution_requests WHERE state = $1 ORDER BY created_at ASC LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: pollable request ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("orchestrator: pollable request ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (o *Orchestrator) loadRequest(ctx context.Context, requestID int64) (models.ExecutionRequest, error) {
	row := o.db.QueryRowContext(ctx, `
		SELECT
			request_id, data_id, sender, origin,
			code_ref_kind, code_ref_repo, code_ref_commit, code_ref_build_target, code_ref_project_id, code_ref_version_key,
			max_instructions, max_memory_mib, max_wall_seconds,
			input, secrets_profile, secrets_owner,
			attached_deposit_usd, payment_key_hash, reserved_usd,
			state, fingerprint, resolved_repo, resolved_commit, resolved_build_target,
			last_error, pending_success, pending_output, pending_output_submitted,
			pending_error_kind, pending_error_message, pending_instructions, pending_memory_bytes, pending_time_millis,
			created_at
		FROM execution_requests WHERE request_id = $1
	`, requestID)
	return scanRequest(row)
}

func scanRequest(row *sql.Row) (models.ExecutionRequest, error) {
	var req models.ExecutionRequest
	var dataID []byte
	var origin, codeRefKind, state string
	var repo, commit, buildTarget, projectID, versionKey sql.NullString
	var fingerprint, resolvedRepo, resolvedCommit, resolvedBuildTarget sql.NullString
	var secretsProfile, secretsOwner, paymentKeyHash, lastError sql.NullString
	var pendingSuccess sql.NullBool
	var pendingOutput []byte
	var pendingOutputSubmitted bool
	var pendingErrorKind, pendingErrorMessage sql.NullString
	var pendingInstructions, pendingMemoryBytes, pendingTimeMillis sql.NullInt64

	err := row.Scan(
		&req.RequestID, &dataID, &req.Sender, &origin,
		&codeRefKind, &repo, &commit, &buildTarget, &projectID, &versionKey,
		&req.ResourceLimits.MaxInstructions, &req.ResourceLimits.MaxMemoryMiB, &req.ResourceLimits.MaxWallSeconds,
		&req.Input, &secretsProfile, &secretsOwner,
		&req.AttachedDepositUSD, &paymentKeyHash, &req.ReservedUSD,
		&state, &fingerprint, &resolvedRepo, &resolvedCommit, &resolvedBuildTarget,
		&lastError, &pendingSuccess, &pendingOutput, &pendingOutputSubmitted,
		&pendingErrorKind, &pendingErrorMessage, &pendingInstructions, &pendingMemoryBytes, &pendingTimeMillis,
		&req.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return models.ExecutionRequest{}, models.ErrNotFound
	}
	if err != nil {
		return models.ExecutionRequest{}, fmt.Errorf("orchestrator: scan request: %w", err)
	}

	if len(dataID) == 32 {
		copy(req.DataID[:], dataID)
	}
	req.Origin = models.RequestOrigin(origin)
	req.CodeRef = models.CodeRef{
		Kind: models.CodeRefKind(codeRefKind),
		Repo: repo.String, Commit: commit.String, BuildTarget: buildTarget.String,
		ProjectID: projectID.String, VersionKey: versionKey.String,
	}
	if secretsProfile.Valid {
		req.SecretsRef = &models.SecretsRef{Profile: secretsProfile.String, Owner: secretsOwner.String}
	}
	req.PaymentKeyHash = paymentKeyHash.String
	req.State = models.RequestState(state)
	req.Fingerprint = fingerprint.String
	req.ResolvedRepo = resolvedRepo.String
	req.ResolvedCommit = resolvedCommit.String
	req.ResolvedBuildTarget = resolvedBuildTarget.String
	req.LastError = lastError.String
	req.PendingSuccess = pendingSuccess.Bool
	req.PendingOutput = pendingOutput
	req.PendingOutputSubmitted = pendingOutputSubmitted
	req.PendingErrorKind = pendingErrorKind.String
	req.PendingErrorMessage = pendingErrorMessage.String
	req.PendingInstructions = pendingInstructions.Int64
	req.PendingMemoryBytes = pendingMemoryBytes.Int64
	req.PendingTimeMillis = pendingTimeMillis.Int64
	return req, nil
}
