package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chainyield/coordinator/internal/artifactcache"
	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/jobqueue"
	"github.com/chainyield/coordinator/internal/keystoreclient"
	"github.com/chainyield/coordinator/internal/ledger"
	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/secrets"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock, *chainclient.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	blobs, err := artifactcache.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	cache := artifactcache.New(db, rdb, blobs)
	queue := jobqueue.New(db)
	pricing := models.PricingTable{BaseFeeUSD: 10, PerInstructionUSD: 0, PerMBUSD: 1, PerSecondUSD: 1}
	ldg := ledger.New(db, pricing)
	fake := chainclient.NewFake()
	secretsStore := secrets.New(db, keystoreclient.NewFake(), fake)

	o := New(db, queue, cache, ldg, fake, secretsStore, zerolog.Nop(), "coordinator-1", time.Minute, 10*time.Minute, 1024)
	return o, mock, fake
}

func TestResolveToFingerprintDeterministicForRepoCommit(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	ref := models.CodeRef{Kind: models.CodeRefRepoCommit, Repo: "github.com/x/y", Commit: "abc123", BuildTarget: "wasm32-wasip2"}
	_, _, _, fp1, err := o.resolveToFingerprint(ctx, ref)
	require.NoError(t, err)
	_, _, _, fp2, err := o.resolveToFingerprint(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "identical inputs must always produce identical fingerprints")

	other := ref
	other.Commit = "def456"
	_, _, _, fp3, err := o.resolveToFingerprint(ctx, other)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestResolveToFingerprintIgnoresRepoInHash(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a := models.CodeRef{Kind: models.CodeRefRepoCommit, Repo: "repo-a", Commit: "same-commit", BuildTarget: "wasm32-wasip2"}
	b := models.CodeRef{Kind: models.CodeRefRepoCommit, Repo: "repo-b", Commit: "same-commit", BuildTarget: "wasm32-wasip2"}
	_, _, _, fpA, err := o.resolveToFingerprint(ctx, a)
	require.NoError(t, err)
	_, _, _, fpB, err := o.resolveToFingerprint(ctx, b)
	require.NoError(t, err)
	require.Equal(t, fpA, fpB, "fingerprint is a hash over (resolved_commit, build_target, builder_image_version) only")
}

func TestCancelRejectedBeforeStaleWindow(t *testing.T) {
	o, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(requestColumns()).AddRow(requestRow(42, "executing", "")...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE execution_requests SET state = 'cancelled'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := o.Cancel(ctx, 42)
	require.Error(t, err)
}

func TestCancelAcceptedAfterStaleWindowReleasesReservation(t *testing.T) {
	o, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(requestColumns()).AddRow(requestRow(42, "executing", "hash-1")...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE execution_requests SET state = 'cancelled'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_keys SET reserved = GREATEST").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := o.Cancel(ctx, 42)
	require.NoError(t, err)
}

func TestCancelRejectsAlreadyTerminal(t *testing.T) {
	o, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(requestColumns()).AddRow(requestRow(42, "resolved", "")...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)

	err := o.Cancel(ctx, 42)
	require.Error(t, err)
}

func TestExecuteJobCompletedSettlesAgainstPaymentKey(t *testing.T) {
	o, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(requestColumns()).AddRow(requestRow(42, "executing", "hash-1")...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_keys SET spent = spent").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE execution_requests SET(.|\n)*state = 'resuming', pending_success = true").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE cached_artifacts SET pin_count = GREATEST").
		WithArgs("fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.ExecuteJobCompleted(ctx, 42, models.ExecutionResponse{
		Success: true, Output: []byte("result"),
		ResourcesUsed: models.ResourceUsage{Instructions: 100, MemoryBytes: 1024, TimeMillis: 50},
	})
	require.NoError(t, err, "settling against the payment key and queuing the resume must succeed")
}

func TestExecuteJobFailedReleasesReservation(t *testing.T) {
	o, mock, _ := newTestOrchestrator(t)
	ctx := context.Background()

	rows := sqlmock.NewRows(requestColumns()).AddRow(requestRow(42, "executing", "hash-1")...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_keys SET reserved = GREATEST").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE execution_requests SET(.|\n)*pending_success = false").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE cached_artifacts SET pin_count = GREATEST").
		WithArgs("fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.ExecuteJobFailed(ctx, 42, "deterministic_user_error", "wasm trap")
	require.NoError(t, err, "a failed execute job must still release its pin")
}

func TestAdvanceResumingUsesTwoStepSubmissionOverThreshold(t *testing.T) {
	o, mock, fake := newTestOrchestrator(t)
	ctx := context.Background()

	bigOutput := make([]byte, 1025)
	row := requestRowWithPending(42, "resuming", true, bigOutput)
	rows := sqlmock.NewRows(requestColumns()).AddRow(row...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE execution_requests SET state = \\$1 WHERE request_id = \\$2 AND state = \\$3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.AdvanceResuming(ctx, 42)
	require.NoError(t, err)
	require.Contains(t, fake.SubmittedOutputs, int64(42), "output over threshold must go through submit_execution_output first")
	require.Len(t, fake.Resolutions, 1)
	require.Nil(t, fake.Resolutions[0].Output, "resolve_execution must omit output once already submitted")
}

func TestAdvanceResumingInlineUnderThreshold(t *testing.T) {
	o, mock, fake := newTestOrchestrator(t)
	ctx := context.Background()

	smallOutput := []byte("ok")
	row := requestRowWithPending(42, "resuming", true, smallOutput)
	rows := sqlmock.NewRows(requestColumns()).AddRow(row...)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE execution_requests SET state = \\$1 WHERE request_id = \\$2 AND state = \\$3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := o.AdvanceResuming(ctx, 42)
	require.NoError(t, err)
	require.NotContains(t, fake.SubmittedOutputs, int64(42))
	require.Equal(t, smallOutput, fake.Resolutions[0].Output)
}

// requestColumns/requestRow build a minimal execution_requests row matching
// scanRequest's SELECT column order for the test scenarios above.
func requestColumns() []string {
	return []string{
		"request_id", "data_id", "sender", "origin",
		"code_ref_kind", "code_ref_repo", "code_ref_commit", "code_ref_build_target", "code_ref_project_id", "code_ref_version_key",
		"max_instructions", "max_memory_mib", "max_wall_seconds",
		"input", "secrets_profile", "secrets_owner",
		"attached_deposit_usd", "payment_key_hash", "reserved_usd",
		"state", "fingerprint", "resolved_repo", "resolved_commit", "resolved_build_target",
		"last_error", "pending_success", "pending_output", "pending_output_submitted",
		"pending_error_kind", "pending_error_message", "pending_instructions", "pending_memory_bytes", "pending_time_millis",
		"created_at",
	}
}

func requestRow(requestID int64, state, paymentKeyHash string) []driverValue {
	var pkh any
	if paymentKeyHash != "" {
		pkh = paymentKeyHash
	}
	return []driverValue{
		requestID, make([]byte, 32), "alice.near", "chain",
		"repo_commit", "github.com/x/y", "abc123", "wasm32-wasip2", nil, nil,
		uint64(1_000_000_000), uint32(128), uint32(60),
		[]byte("{}"), nil, nil,
		int64(0), pkh, int64(500),
		state, "fp-1", "github.com/x/y", "abc123", "wasm32-wasip2",
		nil, nil, []byte(nil), false,
		nil, nil, nil, nil, nil,
		time.Now(),
	}
}

func requestRowWithPending(requestID int64, state string, pendingSuccess bool, pendingOutput []byte) []driverValue {
	row := requestRow(requestID, state, "")
	row[25] = pendingSuccess // pending_success
	row[26] = pendingOutput  // pending_output
	return row
}

// driverValue keeps the row-building helpers above readable (sqlmock wants
// []driver.Value, which is just []any).
type driverValue = any

var _ = sql.ErrNoRows
