package workerregistry

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/models"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock, *chainclient.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fake := chainclient.NewFake()
	r := New(db, fake, []byte("test-secret"), "operator.near", 3, time.Millisecond, time.Minute, time.Hour, 90*time.Second)
	return r, mock, fake
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	r, _, fake := newTestRegistry(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fake.AccessKeys["operator.near"] = []string{hex.EncodeToString(pub)}

	c, err := r.IssueChallenge()
	require.NoError(t, err)

	// sign the wrong message
	badSig := ed25519.Sign(priv, []byte("not-the-nonce"))
	_, err = r.Register(ctx, c.ChallengeID, badSig, pub, models.RoleBoth, "measurement-a", "")
	require.Error(t, err)
}

func TestRegisterSucceedsWithValidSignatureAndAccessKey(t *testing.T) {
	r, mock, fake := newTestRegistry(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fake.AccessKeys["operator.near"] = []string{hex.EncodeToString(pub)}

	c, err := r.IssueChallenge()
	require.NoError(t, err)

	sig := ed25519.Sign(priv, c.Nonce[:])

	mock.ExpectExec("INSERT INTO worker_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	session, err := r.Register(ctx, c.ChallengeID, sig, pub, models.RoleExecute, "measurement-a", "")
	require.NoError(t, err)
	require.Equal(t, models.RoleExecute, session.Role)
	require.NotEmpty(t, session.SessionToken)
	require.Equal(t, models.WorkerActive, session.Status)
}

func TestRegisterRejectsUnlistedPublicKey(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	// fake.AccessKeys left empty: public key never confirmed.

	c, err := r.IssueChallenge()
	require.NoError(t, err)
	sig := ed25519.Sign(priv, c.Nonce[:])

	_, err = r.Register(ctx, c.ChallengeID, sig, pub, models.RoleBoth, "measurement-a", "")
	require.Error(t, err)
}

func TestRegisterRejectsUnknownChallenge(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, []byte("whatever"))

	_, err = r.Register(ctx, "no-such-challenge", sig, pub, models.RoleBoth, "measurement-a", "")
	require.Error(t, err)
}

func TestHeartbeatRejectsUnknownWorker(t *testing.T) {
	r, mock, _ := newTestRegistry(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE worker_sessions SET last_heartbeat_at").WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.Heartbeat(ctx, "ghost-worker")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestValidateSessionTokenRejectsRevoked(t *testing.T) {
	r, mock, fake := newTestRegistry(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fake.AccessKeys["operator.near"] = []string{hex.EncodeToString(pub)}

	c, err := r.IssueChallenge()
	require.NoError(t, err)
	sig := ed25519.Sign(priv, c.Nonce[:])

	mock.ExpectExec("INSERT INTO worker_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	session, err := r.Register(ctx, c.ChallengeID, sig, pub, models.RoleBoth, "measurement-a", "")
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"worker_id", "public_key", "role", "tee_measurement", "session_token",
		"session_expires_at", "last_heartbeat_at", "status",
	}).AddRow(session.WorkerID, session.PublicKey, string(session.Role), session.TEEMeasurement,
		session.SessionToken, session.SessionExpiresAt, session.LastHeartbeatAt, "revoked")
	mock.ExpectQuery("SELECT worker_id, public_key, role, tee_measurement, session_token").WillReturnRows(rows)

	_, err = r.ValidateSessionToken(ctx, session.SessionToken)
	require.Error(t, err)
}
