// Package storagekv implements the per-project persistent KV host
// interface of spec §4.6: set/get/has/delete/list_keys plus the
// worker-private set_worker/get_worker pair addressed through the
// "@worker" sentinel, and get_by_version for reading a prior value by its
// advisory version tag. Isolation between projects and between a project's
// users and its worker-private namespace is enforced by key construction
// alone — no caller ever supplies the sentinel directly.
package storagekv

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chainyield/coordinator/internal/keystoreclient"
	"github.com/chainyield/coordinator/internal/models"
)

type Store struct {
	db       *sql.DB
	keystore keystoreclient.Client
}

func New(db *sql.DB, keystore keystoreclient.Client) *Store {
	return &Store{db: db, keystore: keystore}
}

// Set writes a ciphertext-sealed value at (projectID, accountID, key).
func (s *Store) Set(ctx context.Context, projectID, accountID, key string, plaintext []byte, versionTag string) error {
	ciphertext, err := s.keystore.Encrypt(ctx, projectID, accountID, plaintext)
	if err != nil {
		return fmt.Errorf("storagekv: encrypt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storage_records (project_id, account_id, key, ciphertext, version_tag, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (project_id, account_id, key) DO UPDATE SET
			ciphertext = $4, version_tag = $5, updated_at = now()
	`, projectID, accountID, key, ciphertext, versionTag)
	if err != nil {
		return fmt.Errorf("storagekv: set: %w", err)
	}
	return nil
}

// SetWorker is Set scoped to the fixed worker-private sentinel account;
// no user-supplied accountID ever reaches this path.
func (s *Store) SetWorker(ctx context.Context, projectID, key string, plaintext []byte, versionTag string) error {
	return s.Set(ctx, projectID, models.WorkerAccountSentinel, key, plaintext, versionTag)
}

// Get decrypts and returns the current value at (projectID, accountID, key).
func (s *Store) Get(ctx context.Context, projectID, accountID, key string) ([]byte, bool, error) {
	rec, found, err := s.load(ctx, projectID, accountID, key)
	if err != nil || !found {
		return nil, found, err
	}
	plaintext, err := s.keystore.Decrypt(ctx, projectID, accountID, rec.Ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("storagekv: decrypt: %w", err)
	}
	return plaintext, true, nil
}

// GetWorker is Get scoped to the worker-private sentinel account.
func (s *Store) GetWorker(ctx context.Context, projectID, key string) ([]byte, bool, error) {
	return s.Get(ctx, projectID, models.WorkerAccountSentinel, key)
}

// GetByVersion returns the current value only if its stored version_tag
// matches oldFingerprint; it never reconstructs historical values, since
// storage_records keeps no history (spec §4.6 expansion: VersionTag is
// advisory only).
func (s *Store) GetByVersion(ctx context.Context, projectID, accountID, key, oldFingerprint string) ([]byte, bool, error) {
	rec, found, err := s.load(ctx, projectID, accountID, key)
	if err != nil || !found {
		return nil, false, err
	}
	if rec.VersionTag != oldFingerprint {
		return nil, false, nil
	}
	plaintext, err := s.keystore.Decrypt(ctx, projectID, accountID, rec.Ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("storagekv: decrypt: %w", err)
	}
	return plaintext, true, nil
}

// Has reports whether a value exists at (projectID, accountID, key)
// without decrypting it.
func (s *Store) Has(ctx context.Context, projectID, accountID, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM storage_records WHERE project_id = $1 AND account_id = $2 AND key = $3)
	`, projectID, accountID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storagekv: has: %w", err)
	}
	return exists, nil
}

// Delete removes a value; a missing key is not an error.
func (s *Store) Delete(ctx context.Context, projectID, accountID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM storage_records WHERE project_id = $1 AND account_id = $2 AND key = $3
	`, projectID, accountID, key)
	if err != nil {
		return fmt.Errorf("storagekv: delete: %w", err)
	}
	return nil
}

// ListKeys returns every key stored under (projectID, accountID).
func (s *Store) ListKeys(ctx context.Context, projectID, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM storage_records WHERE project_id = $1 AND account_id = $2 ORDER BY key
	`, projectID, accountID)
	if err != nil {
		return nil, fmt.Errorf("storagekv: list_keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storagekv: list_keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) load(ctx context.Context, projectID, accountID, key string) (models.StorageRecord, bool, error) {
	var rec models.StorageRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, account_id, key, ciphertext, version_tag, updated_at
		FROM storage_records WHERE project_id = $1 AND account_id = $2 AND key = $3
	`, projectID, accountID, key).Scan(&rec.ProjectID, &rec.AccountID, &rec.Key, &rec.Ciphertext, &rec.VersionTag, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.StorageRecord{}, false, nil
	}
	if err != nil {
		return models.StorageRecord{}, false, fmt.Errorf("storagekv: load: %w", err)
	}
	return rec, true, nil
}
