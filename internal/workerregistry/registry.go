// Package workerregistry implements the TEE challenge-response handshake,
// session issuance, heartbeats and revocation of spec §4.3. The registry's
// sole trust root is the on-chain access-key list returned by
// chainclient.Client — it never verifies TDX quotes itself; that is
// delegated to the governance contract (spec §4.3).
package workerregistry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/models"
)

type Registry struct {
	db    *sql.DB
	chain chainclient.Client

	jwtSecret []byte

	operatorAccount string

	accessKeyPollAttempts int
	accessKeyPollInterval time.Duration

	challengeTTL time.Duration
	sessionTTL   time.Duration
	staleAfter   time.Duration

	mu         sync.Mutex
	challenges map[string]models.Challenge
}

func New(db *sql.DB, chain chainclient.Client, jwtSecret []byte, operatorAccount string,
	accessKeyPollAttempts int, accessKeyPollInterval, challengeTTL, sessionTTL, staleAfter time.Duration) *Registry {
	return &Registry{
		db:                    db,
		chain:                 chain,
		jwtSecret:             jwtSecret,
		operatorAccount:       operatorAccount,
		accessKeyPollAttempts: accessKeyPollAttempts,
		accessKeyPollInterval: accessKeyPollInterval,
		challengeTTL:          challengeTTL,
		sessionTTL:            sessionTTL,
		staleAfter:            staleAfter,
		challenges:            map[string]models.Challenge{},
	}
}

// IssueChallenge is handshake step 1 (spec §4.3): a fresh 32-byte nonce with
// a 60s (configurable) TTL.
func (r *Registry) IssueChallenge() (models.Challenge, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return models.Challenge{}, fmt.Errorf("workerregistry: nonce: %w", err)
	}
	id := hex.EncodeToString(nonce[:8])
	c := models.Challenge{ChallengeID: id, Nonce: nonce, ExpiresAt: time.Now().Add(r.challengeTTL)}

	r.mu.Lock()
	r.challenges[id] = c
	r.mu.Unlock()
	return c, nil
}

// Register is handshake steps 2-4: verify the signature over the
// challenge's nonce, confirm the public key is an access key on the
// operator account (with retry to absorb finality lag), then issue a
// session token.
func (r *Registry) Register(ctx context.Context, challengeID string, signature, publicKey []byte, role models.WorkerRole, teeMeasurement, tdxQuoteHex string) (models.WorkerSession, error) {
	r.mu.Lock()
	c, ok := r.challenges[challengeID]
	if ok {
		delete(r.challenges, challengeID)
	}
	r.mu.Unlock()

	if !ok {
		return models.WorkerSession{}, models.NewError(models.KindAuth, "unknown or expired challenge", nil)
	}
	if time.Now().After(c.ExpiresAt) {
		return models.WorkerSession{}, models.NewError(models.KindAuth, "challenge expired", nil)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return models.WorkerSession{}, models.NewError(models.KindValidation, "malformed public key", nil)
	}
	if !ed25519.Verify(publicKey, c.Nonce[:], signature) {
		return models.WorkerSession{}, models.NewError(models.KindAuth, "signature verification failed", nil)
	}

	pubKeyHex := hex.EncodeToString(publicKey)
	if err := r.confirmAccessKey(ctx, pubKeyHex); err != nil {
		return models.WorkerSession{}, err
	}

	workerID := pubKeyHex[:16]
	now := time.Now()
	session := models.WorkerSession{
		WorkerID:         workerID,
		PublicKey:        pubKeyHex,
		Role:             role,
		TEEMeasurement:   teeMeasurement,
		SessionExpiresAt: now.Add(r.sessionTTL),
		LastHeartbeatAt:  now,
		Status:           models.WorkerActive,
	}
	token, err := r.signSessionToken(session)
	if err != nil {
		return models.WorkerSession{}, err
	}
	session.SessionToken = token

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO worker_sessions (worker_id, public_key, role, tee_measurement, session_token, session_expires_at, last_heartbeat_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (worker_id) DO UPDATE SET
			role = $3, tee_measurement = $4, session_token = $5, session_expires_at = $6, last_heartbeat_at = $7, status = $8
	`, session.WorkerID, session.PublicKey, string(session.Role), session.TEEMeasurement,
		session.SessionToken, session.SessionExpiresAt, session.LastHeartbeatAt, string(session.Status))
	if err != nil {
		return models.WorkerSession{}, fmt.Errorf("workerregistry: persist session: %w", err)
	}

	if tdxQuoteHex != "" {
		_, _ = r.db.ExecContext(ctx, `
			INSERT INTO attestation_records (job_id, worker_id, tdx_quote_hex, measurement_hash, verified_at)
			VALUES (0, $1, $2, $3, now())
		`, workerID, tdxQuoteHex, teeMeasurement)
	}

	return session, nil
}

// confirmAccessKey implements the 3-attempt/3s-apart retry loop of spec
// §4.3 step 3.
func (r *Registry) confirmAccessKey(ctx context.Context, pubKeyHex string) error {
	var lastErr error
	for attempt := 0; attempt < r.accessKeyPollAttempts; attempt++ {
		keys, err := r.chain.ListAccessKeys(ctx, r.operatorAccount)
		if err != nil {
			lastErr = err
		} else {
			for _, k := range keys {
				if k == pubKeyHex {
					return nil
				}
			}
			lastErr = models.NewError(models.KindAuth, "public key is not a registered access key", nil)
		}
		if attempt < r.accessKeyPollAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.accessKeyPollInterval):
			}
		}
	}
	return fmt.Errorf("workerregistry: access key not confirmed after %d attempts: %w", r.accessKeyPollAttempts, lastErr)
}

type sessionClaims struct {
	WorkerID string `json:"worker_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (r *Registry) signSessionToken(s models.WorkerSession) (string, error) {
	claims := sessionClaims{
		WorkerID: s.WorkerID,
		Role:     string(s.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(s.SessionExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.jwtSecret)
}

// ValidateSessionToken verifies a bearer token and returns the worker it
// authenticates, rejecting Revoked or expired sessions.
func (r *Registry) ValidateSessionToken(ctx context.Context, tokenStr string) (models.WorkerSession, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return r.jwtSecret, nil
	})
	if err != nil {
		return models.WorkerSession{}, models.NewError(models.KindAuth, "invalid session token", err)
	}

	return r.loadSession(ctx, claims.WorkerID)
}

func (r *Registry) loadSession(ctx context.Context, workerID string) (models.WorkerSession, error) {
	var s models.WorkerSession
	var role, status string
	err := r.db.QueryRowContext(ctx, `
		SELECT worker_id, public_key, role, tee_measurement, session_token, session_expires_at, last_heartbeat_at, status
		FROM worker_sessions WHERE worker_id = $1
	`, workerID).Scan(&s.WorkerID, &s.PublicKey, &role, &s.TEEMeasurement, &s.SessionToken, &s.SessionExpiresAt, &s.LastHeartbeatAt, &status)
	if err == sql.ErrNoRows {
		return models.WorkerSession{}, models.ErrNotFound
	}
	if err != nil {
		return models.WorkerSession{}, fmt.Errorf("workerregistry: load session: %w", err)
	}
	s.Role = models.WorkerRole(role)
	s.Status = models.WorkerStatus(status)

	if s.Status == models.WorkerRevoked {
		return models.WorkerSession{}, models.NewError(models.KindAuth, "session revoked", nil)
	}
	if time.Now().After(s.SessionExpiresAt) {
		return models.WorkerSession{}, models.NewError(models.KindAuth, "session expired", nil)
	}
	return s, nil
}

// Heartbeat renews last_heartbeat_at, flipping a Stale session back to
// Active (a worker can recover from staleness; spec §4.3 only distinguishes
// Active/Stale/Revoked, not a one-way Stale→dead transition).
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE worker_sessions SET last_heartbeat_at = now(), status = 'active'
		WHERE worker_id = $1 AND status != 'revoked'
	`, workerID)
	if err != nil {
		return fmt.Errorf("workerregistry: heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkStaleSessions flips any Active session whose heartbeat is older than
// staleAfter to Stale; their leases become eligible for reassignment once
// the job queue's lease TTL also expires.
func (r *Registry) MarkStaleSessions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE worker_sessions SET status = 'stale'
		WHERE status = 'active' AND last_heartbeat_at < now() - $1::interval
	`, r.staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("workerregistry: mark stale: %w", err)
	}
	return res.RowsAffected()
}

// Revoke immediately disables all future claims by workerID.
func (r *Registry) Revoke(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE worker_sessions SET status = 'revoked' WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("workerregistry: revoke: %w", err)
	}
	return nil
}
