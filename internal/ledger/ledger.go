// Package ledger implements the accounting rules of spec §4.4: payment-key
// reserve/settle/release under the spent+reserved<=initial_balance
// invariant, on-chain deposit cost computation, and append-only earnings.
// Settle, Release and CreditEarnings run inside the caller's transaction,
// so they commit together with the request lifecycle transition they are
// paired with. Reserve runs in its own row-locked transaction before the
// request row exists, and CreatePaymentKey is a single standalone INSERT.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/chainyield/coordinator/internal/models"
)

type Ledger struct {
	db      *sql.DB
	pricing models.PricingTable
}

func New(db *sql.DB, pricing models.PricingTable) *Ledger {
	return &Ledger{db: db, pricing: pricing}
}

// HashSecret is the sha256 of a payment key's raw secret; the raw secret
// itself is never persisted (spec §4.4 expansion).
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ParsePaymentKeyHeader splits the X-Payment-Key header's "owner:nonce:secret"
// form and returns the owner, nonce and hashed secret.
func ParsePaymentKeyHeader(header string) (owner string, nonce int64, keyHash string, err error) {
	parts := strings.SplitN(header, ":", 3)
	if len(parts) != 3 {
		return "", 0, "", models.NewError(models.KindValidation, "malformed payment key header", nil)
	}
	nonce, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", models.NewError(models.KindValidation, "malformed payment key nonce", err)
	}
	return parts[0], nonce, HashSecret(parts[2]), nil
}

func (l *Ledger) loadKey(ctx context.Context, tx *sql.Tx, keyHash string) (models.PaymentKey, error) {
	var k models.PaymentKey
	var allowed sql.NullString
	var maxPerCall sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT owner_account, nonce, key_hash, initial_balance, spent, reserved,
		       allowed_projects, max_per_call, created_at, is_grant
		FROM payment_keys WHERE key_hash = $1 FOR UPDATE
	`, keyHash).Scan(&k.OwnerAccount, &k.Nonce, &k.KeyHash, &k.InitialBalance, &k.Spent, &k.Reserved,
		&allowed, &maxPerCall, &k.CreatedAt, &k.IsGrant)
	if err == sql.ErrNoRows {
		return models.PaymentKey{}, models.ErrNotFound
	}
	if err != nil {
		return models.PaymentKey{}, fmt.Errorf("ledger: load key: %w", err)
	}
	if allowed.Valid && allowed.String != "" {
		k.AllowedProjects = strings.Split(allowed.String, ",")
	}
	if maxPerCall.Valid {
		v := maxPerCall.Int64
		k.MaxPerCall = &v
	}
	return k, nil
}

// Reserve implements the pre-flight check of spec §4.4: scope, max_per_call,
// grant-forbids-deposit, and the spent+reserved+thisCallMax<=initial_balance
// invariant, all evaluated against a row-locked read so two concurrent calls
// against the same key can never both pass.
func (l *Ledger) Reserve(ctx context.Context, keyHash, projectID string, thisCallMax int64, attachedDepositUSD int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: reserve begin: %w", err)
	}
	defer tx.Rollback()

	k, err := l.loadKey(ctx, tx, keyHash)
	if err != nil {
		return err
	}
	if !k.InScope(projectID) {
		return models.NewError(models.KindBudget, "payment key not scoped to this project", nil)
	}
	if k.IsGrant && attachedDepositUSD > 0 {
		return models.NewError(models.KindBudget, "grant keys forbid attached deposits", nil)
	}
	if k.MaxPerCall != nil && thisCallMax > *k.MaxPerCall {
		return models.NewError(models.KindBudget, "call exceeds max_per_call", nil)
	}
	if k.Spent+k.Reserved+thisCallMax > k.InitialBalance {
		return models.ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_keys SET reserved = reserved + $1 WHERE key_hash = $2
	`, thisCallMax, keyHash)
	if err != nil {
		return fmt.Errorf("ledger: reserve update: %w", err)
	}
	return tx.Commit()
}

// Settle converts a reservation into spend at the metered cost, releasing
// any unused portion of the reservation back to the key's available
// balance. It is paired with the request's terminal-state UPDATE in the
// same transaction by the orchestrator (spec §4.4 expansion), hence
// Settle accepts an existing transaction.
func (l *Ledger) Settle(ctx context.Context, tx *sql.Tx, keyHash string, reservedMax int64, usage models.ResourceUsage) (int64, error) {
	cost := l.pricing.Cost(usage)
	if cost > reservedMax {
		cost = reservedMax // never charge past what was reserved for this call
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE payment_keys SET spent = spent + $1, reserved = GREATEST(reserved - $2, 0)
		WHERE key_hash = $3
	`, cost, reservedMax, keyHash)
	if err != nil {
		return 0, fmt.Errorf("ledger: settle: %w", err)
	}
	return cost, nil
}

// Release returns a full reservation to the available balance on failure
// paths where nothing should be charged.
func (l *Ledger) Release(ctx context.Context, tx *sql.Tx, keyHash string, reservedMax int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE payment_keys SET reserved = GREATEST(reserved - $1, 0) WHERE key_hash = $2
	`, reservedMax, keyHash)
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	return nil
}

// DepositCost is the on-chain-deposit path's cost computation (spec §4.4):
// the difference between the attached deposit and the metered cost is
// credited to the project owner's earnings.
func (l *Ledger) DepositCost(usage models.ResourceUsage) int64 {
	return l.pricing.Cost(usage)
}

// CreditEarnings appends an append-only earnings row crediting
// projectOwner. Accepts an existing transaction so it composes with the
// caller's lifecycle-transition write.
func (l *Ledger) CreditEarnings(ctx context.Context, tx *sql.Tx, projectOwner string, source models.EarningsSource, amountUSD, relatedRequest int64) error {
	if amountUSD <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO earnings (project_owner, source, amount_usd, related_request, timestamp)
		VALUES ($1, $2, $3, $4, now())
	`, projectOwner, string(source), amountUSD, relatedRequest)
	if err != nil {
		return fmt.Errorf("ledger: credit earnings: %w", err)
	}
	return nil
}

// BeginTx exposes a transaction to callers (the orchestrator) that need to
// pair Settle/Release/CreditEarnings with their own lifecycle UPDATE.
func (l *Ledger) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return l.db.BeginTx(ctx, nil)
}

// CreatePaymentKey inserts a new key row; used by the admin payment-key
// creation endpoint.
func (l *Ledger) CreatePaymentKey(ctx context.Context, k models.PaymentKey) error {
	allowed := ""
	if len(k.AllowedProjects) > 0 {
		allowed = strings.Join(k.AllowedProjects, ",")
	}
	var maxPerCall any
	if k.MaxPerCall != nil {
		maxPerCall = *k.MaxPerCall
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO payment_keys (owner_account, nonce, key_hash, initial_balance, spent, reserved,
			allowed_projects, max_per_call, created_at, is_grant)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, now(), $7)
	`, k.OwnerAccount, k.Nonce, k.KeyHash, k.InitialBalance, allowed, maxPerCall, k.IsGrant)
	if err != nil {
		return fmt.Errorf("ledger: create payment key: %w", err)
	}
	return nil
}
