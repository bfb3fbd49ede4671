package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/chainyield/coordinator/internal/orchestrator"
	"github.com/chainyield/coordinator/internal/ratelimit"
	"github.com/chainyield/coordinator/internal/secrets"
	"github.com/chainyield/coordinator/internal/storagekv"
	"github.com/chainyield/coordinator/internal/workerregistry"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
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
	fakeChain := chainclient.NewFake()
	secretsStore := secrets.New(db, keystoreclient.NewFake(), fakeChain)
	orch := orchestrator.New(db, queue, cache, ldg, fakeChain, secretsStore, zerolog.Nop(), "coordinator-1", time.Minute, 10*time.Minute, 1024)
	registry := workerregistry.New(db, fakeChain, []byte("test-secret"), "operator.near",
		3, 10*time.Millisecond, 60*time.Second, 12*time.Hour, 90*time.Second)
	storage := storagekv.New(db, keystoreclient.NewFake())
	limiter := ratelimit.NewDefaultSet(1000)

	s := NewServer(db, registry, queue, cache, ldg, orch, fakeChain, keystoreclient.NewFake(), storage, secretsStore, limiter,
		pricing, zerolog.Nop(), "admin-secret", 200*time.Millisecond, "test-version",
		DefaultResourceLimits{MaxInstructions: 1_000_000, MaxMemoryMiB: 128, MaxWallSeconds: 30})
	return s, mock
}

func TestHealthReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminEndpointRejectsMissingBearer(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/payment-keys", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCreatePaymentKeySucceedsWithBearer(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectExec("INSERT INTO payment_keys").WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"owner_account":"alice.near","nonce":1,"secret":"s3cret","initial_balance":1000}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/payment-keys", body)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, ledger.HashSecret("s3cret"), resp["key_hash"])
}

func TestWorkerEndpointRejectsMissingSessionToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/jobs/claim", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTEEChallengeIssuesNonce(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/workers/tee-challenge", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp["challenge_id"])
}

func TestCallProjectRejectsGrantKeyWithAttachedDeposit(t *testing.T) {
	s, mock := newTestServer(t)

	keyRows := sqlmock.NewRows([]string{
		"owner_account", "nonce", "key_hash", "initial_balance", "spent", "reserved",
		"allowed_projects", "max_per_call", "created_at", "is_grant",
	}).AddRow("bob.near", int64(0), "key-hash", int64(1000), int64(0), int64(0), "", nil, time.Now(), true)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT owner_account, nonce, key_hash").WillReturnRows(keyRows)
	mock.ExpectRollback()

	body := strings.NewReader(`{"input":"","resource_limits":{"max_instructions":1000,"max_memory_mib":64,"max_wall_seconds":5}}`)
	req := httptest.NewRequest(http.MethodPost, "/call/alice/app", body)
	req.Header.Set("X-Payment-Key", "bob.near:0:supersecret")
	req.Header.Set("X-Attached-Deposit", "1000")
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetCallReturnsNotFoundForUnknownID(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT(.|\n)*FROM execution_requests WHERE request_id").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/calls/999", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAdminSetSecretsPolicySucceeds(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectExec("INSERT INTO secrets_policies").WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{
		"owner_account": "alice.near",
		"profile": "api-key",
		"condition": {"type": "whitelist", "accounts": ["bob.near"]},
		"secret": "c2VjcmV0"
	}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/secrets-policies", body)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestCheckSecretsEligibilityDeniesCallerNotInWhitelist(t *testing.T) {
	s, mock := newTestServer(t)
	rows := sqlmock.NewRows([]string{"condition_json"}).
		AddRow([]byte(`{"type":"whitelist","accounts":["bob.near"]}`))
	mock.ExpectQuery("SELECT condition_json FROM secrets_policies").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/secrets/alice.near/api-key/check?account_id=carol.near", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]bool
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.False(t, resp["allowed"])
}
