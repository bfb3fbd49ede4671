package secrets

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/keystoreclient"
	"github.com/chainyield/coordinator/internal/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *chainclient.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	fake := chainclient.NewFake()
	return New(db, keystoreclient.NewFake(), fake), mock, fake
}

func TestSetPolicyEncryptsAndUpserts(t *testing.T) {
	s, mock, _ := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO secrets_policies").
		WithArgs("alice.near", "api-key", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SetPolicy(ctx, "alice.near", "api-key", Whitelist{Accounts: []string{"bob.near"}}, []byte("shh"))
	require.NoError(t, err)
}

func TestDeletePolicy(t *testing.T) {
	s, mock, _ := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM secrets_policies").
		WithArgs("alice.near", "api-key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeletePolicy(ctx, "alice.near", "api-key"))
}

func TestCheckEligibilityAllowsWithoutDecrypting(t *testing.T) {
	s, mock, _ := newTestStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"condition_json"}).
		AddRow([]byte(`{"type":"whitelist","accounts":["bob.near"]}`))
	mock.ExpectQuery("SELECT condition_json FROM secrets_policies").
		WithArgs("alice.near", "api-key").
		WillReturnRows(rows)

	ok, err := s.CheckEligibility(ctx, models.SecretsRef{Owner: "alice.near", Profile: "api-key"}, "bob.near")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckEligibilityMissingPolicyReturnsAuthError(t *testing.T) {
	s, mock, _ := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT condition_json FROM secrets_policies").
		WillReturnError(sql.ErrNoRows)

	_, err := s.CheckEligibility(ctx, models.SecretsRef{Owner: "alice.near", Profile: "missing"}, "bob.near")
	require.Error(t, err)
	var kerr *models.KindError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, models.KindAuth, kerr.Kind)
}

func TestResolveDeniedCallerGetsNoPlaintext(t *testing.T) {
	s, mock, _ := newTestStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"condition_json", "ciphertext"}).
		AddRow([]byte(`{"type":"whitelist","accounts":["bob.near"]}`), []byte("doesn't matter"))
	mock.ExpectQuery("SELECT condition_json, ciphertext FROM secrets_policies").
		WithArgs("alice.near", "api-key").
		WillReturnRows(rows)

	out, err := s.Resolve(ctx, models.SecretsRef{Owner: "alice.near", Profile: "api-key"}, "carol.near")
	require.Error(t, err)
	require.Nil(t, out)
	var kerr *models.KindError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, models.KindAuth, kerr.Kind)
}

func TestResolveAllowedCallerGetsDecryptedSecret(t *testing.T) {
	s, mock, _ := newTestStore(t)
	ctx := context.Background()

	plaintext := []byte("sk-live-xyz")
	ciphertext, err := keystoreclient.NewFake().Encrypt(ctx, "alice.near", "api-key", plaintext)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"condition_json", "ciphertext"}).
		AddRow([]byte(`{"type":"allow_all"}`), ciphertext)
	mock.ExpectQuery("SELECT condition_json, ciphertext FROM secrets_policies").
		WithArgs("alice.near", "api-key").
		WillReturnRows(rows)

	got, err := s.Resolve(ctx, models.SecretsRef{Owner: "alice.near", Profile: "api-key"}, "anyone.near")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestResolveEvaluatesChainBackedCondition(t *testing.T) {
	s, mock, fake := newTestStore(t)
	fake.Balances["bob.near"] = 10_000
	ctx := context.Background()

	plaintext := []byte("gated secret")
	ciphertext, err := keystoreclient.NewFake().Encrypt(ctx, "alice.near", "near-gated", plaintext)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"condition_json", "ciphertext"}).
		AddRow([]byte(`{"type":"near_balance","op":">=","amount":5000}`), ciphertext)
	mock.ExpectQuery("SELECT condition_json, ciphertext FROM secrets_policies").
		WithArgs("alice.near", "near-gated").
		WillReturnRows(rows)

	got, err := s.Resolve(ctx, models.SecretsRef{Owner: "alice.near", Profile: "near-gated"}, "bob.near")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}
