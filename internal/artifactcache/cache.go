// Package artifactcache implements the content-addressed WASM artifact
// store described in spec §4.1: lookup/begin_build/finish_build/
// release_build/touch, an hourly LRU eviction sweep over non-pinned
// entries, and the fleet-wide at-most-one-build-per-fingerprint guarantee
// (internal/artifactcache/lock.go).
package artifactcache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainyield/coordinator/internal/models"
)

type Cache struct {
	db    *sql.DB
	blobs BlobStore
	lock  *BuildLock
}

func New(db *sql.DB, rdb *redis.Client, blobs BlobStore) *Cache {
	return &Cache{db: db, blobs: blobs, lock: NewBuildLock(rdb, db)}
}

// Lookup returns the cached WASM bytes for fp, or found=false on a miss.
// A hit also updates last_accessed_at (spec §4.1's "touch" on access).
func (c *Cache) Lookup(ctx context.Context, fp models.ArtifactFingerprint) (data []byte, found bool, err error) {
	var hash string
	err = c.db.QueryRowContext(ctx,
		`SELECT wasm_bytes_hash FROM cached_artifacts WHERE fingerprint = $1`, string(fp),
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("artifactcache: lookup metadata: %w", err)
	}

	data, ok, err := c.blobs.Get(hash)
	if err != nil {
		return nil, false, fmt.Errorf("artifactcache: lookup blob: %w", err)
	}
	if !ok {
		// Metadata survived without its blob (e.g. a partial prior failure);
		// treat as a miss so the orchestrator re-compiles.
		return nil, false, nil
	}
	_ = c.Touch(ctx, fp)
	return data, true, nil
}

// BeginBuild attempts to acquire the distributed build lock for fp.
func (c *Cache) BeginBuild(ctx context.Context, fp models.ArtifactFingerprint, holder string, ttl time.Duration) (AcquireResult, error) {
	return c.lock.Acquire(ctx, fp, holder, ttl)
}

// ReleaseBuild releases the build lock iff holder still owns it.
func (c *Cache) ReleaseBuild(ctx context.Context, fp models.ArtifactFingerprint, holder string) error {
	return c.lock.Release(ctx, fp, holder)
}

// FinishBuild stores the compiled bytes and upserts cache metadata. Callers
// are expected to release_build immediately after (the orchestrator does
// so once it has pinned the new entry, per spec §4.5).
func (c *Cache) FinishBuild(ctx context.Context, fp models.ArtifactFingerprint, data []byte) error {
	hash := HashBytes(data)
	if err := c.blobs.Put(hash, data); err != nil {
		return fmt.Errorf("artifactcache: store blob: %w", err)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cached_artifacts (fingerprint, wasm_bytes_hash, size_bytes, last_accessed_at, created_at, pin_count)
		VALUES ($1, $2, $3, now(), now(), 0)
		ON CONFLICT (fingerprint) DO UPDATE SET
			wasm_bytes_hash = $2, size_bytes = $3, last_accessed_at = now()
	`, string(fp), hash, len(data))
	if err != nil {
		return fmt.Errorf("artifactcache: upsert metadata: %w", err)
	}
	return nil
}

// Touch refreshes last_accessed_at without altering any other field.
func (c *Cache) Touch(ctx context.Context, fp models.ArtifactFingerprint) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cached_artifacts SET last_accessed_at = now() WHERE fingerprint = $1`, string(fp))
	return err
}

// Pin increments pin_count, protecting the entry from eviction for the
// duration of an active execute job (spec §4.1).
func (c *Cache) Pin(ctx context.Context, fp models.ArtifactFingerprint) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE cached_artifacts SET pin_count = pin_count + 1 WHERE fingerprint = $1`, string(fp))
	return err
}

// Unpin decrements pin_count, floored at zero.
func (c *Cache) Unpin(ctx context.Context, fp models.ArtifactFingerprint) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE cached_artifacts SET pin_count = GREATEST(pin_count - 1, 0) WHERE fingerprint = $1
	`, string(fp))
	return err
}

// EvictionSweep drops non-pinned entries in ascending last_accessed_at order
// until the sum of size_bytes over non-pinned entries is under ceiling
// (spec §4.1). It is invoked hourly by the cron scheduler in cmd/coordinator.
func (c *Cache) EvictionSweep(ctx context.Context, ceiling int64) error {
	var total int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM cached_artifacts WHERE pin_count = 0`,
	).Scan(&total)
	if err != nil {
		return fmt.Errorf("artifactcache: sweep totals: %w", err)
	}
	if total <= ceiling {
		return nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT fingerprint, wasm_bytes_hash, size_bytes
		FROM cached_artifacts
		WHERE pin_count = 0
		ORDER BY last_accessed_at ASC
	`)
	if err != nil {
		return fmt.Errorf("artifactcache: sweep candidates: %w", err)
	}
	defer rows.Close()

	type victim struct {
		fp, hash string
		size     int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.fp, &v.hash, &v.size); err != nil {
			return fmt.Errorf("artifactcache: sweep scan: %w", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		if total <= ceiling {
			break
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cached_artifacts WHERE fingerprint = $1 AND pin_count = 0`, v.fp); err != nil {
			return fmt.Errorf("artifactcache: sweep delete metadata: %w", err)
		}
		if err := c.blobs.Delete(v.hash); err != nil {
			return fmt.Errorf("artifactcache: sweep delete blob: %w", err)
		}
		total -= v.size
	}
	return nil
}
