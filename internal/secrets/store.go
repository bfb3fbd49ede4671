// Package secrets implements the AccessCondition interpreter of spec §4.7
// and the policy store backing it. The coordinator evaluates the condition
// itself before ever asking the keystore to decrypt: the keystore (spec §1,
// out of scope here) is modeled purely as the keystoreclient.Client RPC
// boundary and performs no access-condition logic of its own, so gating
// happens upstream, on the chain state the ChainClient already exposes.
package secrets

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/keystoreclient"
	"github.com/chainyield/coordinator/internal/models"
)

// Store persists one AccessCondition-gated secret per (ownerAccount, profile)
// and resolves it against a caller identity on demand.
type Store struct {
	db       *sql.DB
	keystore keystoreclient.Client
	chain    chainclient.Client
}

func New(db *sql.DB, keystore keystoreclient.Client, chain chainclient.Client) *Store {
	return &Store{db: db, keystore: keystore, chain: chain}
}

// SetPolicy encrypts plaintext under (ownerAccount, profile) and stores cond
// alongside it, replacing whatever policy previously existed there.
func (s *Store) SetPolicy(ctx context.Context, ownerAccount, profile string, cond AccessCondition, plaintext []byte) error {
	conditionJSON, err := MarshalCondition(cond)
	if err != nil {
		return fmt.Errorf("secrets: marshal condition: %w", err)
	}
	ciphertext, err := s.keystore.Encrypt(ctx, ownerAccount, profile, plaintext)
	if err != nil {
		return fmt.Errorf("secrets: encrypt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets_policies (owner_account, profile, condition_json, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (owner_account, profile) DO UPDATE SET
			condition_json = $3, ciphertext = $4, created_at = now()
	`, ownerAccount, profile, conditionJSON, ciphertext)
	if err != nil {
		return fmt.Errorf("secrets: set policy: %w", err)
	}
	return nil
}

// DeletePolicy removes whatever policy is stored at (ownerAccount, profile).
func (s *Store) DeletePolicy(ctx context.Context, ownerAccount, profile string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM secrets_policies WHERE owner_account = $1 AND profile = $2
	`, ownerAccount, profile)
	if err != nil {
		return fmt.Errorf("secrets: delete policy: %w", err)
	}
	return nil
}

// CheckEligibility evaluates the stored condition without decrypting
// anything, for a caller who wants to know whether they'd pass before
// actually spending a call that needs the secret.
func (s *Store) CheckEligibility(ctx context.Context, ref models.SecretsRef, callerAccount string) (bool, error) {
	var conditionJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT condition_json FROM secrets_policies WHERE owner_account = $1 AND profile = $2
	`, ref.Owner, ref.Profile).Scan(&conditionJSON)
	if err == sql.ErrNoRows {
		return false, models.NewError(models.KindAuth, "no secrets policy for this profile", nil)
	}
	if err != nil {
		return false, fmt.Errorf("secrets: load policy: %w", err)
	}
	cond, err := UnmarshalCondition(conditionJSON)
	if err != nil {
		return false, fmt.Errorf("secrets: decode policy: %w", err)
	}
	return cond.Evaluate(ctx, s.chain, callerAccount)
}

// Resolve evaluates the stored condition for (ref.Owner, ref.Profile) against
// callerAccount and, on allow, returns the decrypted secret. A deny, a
// missing policy, or a condition evaluation error all produce no plaintext:
// spec §4.7 requires no partial secrets leak regardless of which one fired.
func (s *Store) Resolve(ctx context.Context, ref models.SecretsRef, callerAccount string) ([]byte, error) {
	var conditionJSON, ciphertext []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT condition_json, ciphertext FROM secrets_policies WHERE owner_account = $1 AND profile = $2
	`, ref.Owner, ref.Profile).Scan(&conditionJSON, &ciphertext)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.KindAuth, "no secrets policy for this profile", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: load policy: %w", err)
	}

	cond, err := UnmarshalCondition(conditionJSON)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode policy: %w", err)
	}
	allowed, err := cond.Evaluate(ctx, s.chain, callerAccount)
	if err != nil {
		return nil, fmt.Errorf("secrets: evaluate condition: %w", err)
	}
	if !allowed {
		return nil, models.NewError(models.KindAuth, "secrets access condition denied", nil)
	}

	plaintext, err := s.keystore.Decrypt(ctx, ref.Owner, ref.Profile, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}
