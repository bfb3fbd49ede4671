package artifactcache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chainyield/coordinator/internal/models"
)

func newTestCache(t *testing.T) (*Cache, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	return New(db, rdb, blobs), mock, mr
}

func TestBuildLockAtMostOneHolder(t *testing.T) {
	c, mock, _ := newTestCache(t)
	ctx := context.Background()
	fp := models.ArtifactFingerprint("fp-1")

	mock.ExpectExec("INSERT INTO build_locks").WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := c.BeginBuild(ctx, fp, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res2, err := c.BeginBuild(ctx, fp, "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, res2.Acquired)
	require.Equal(t, "worker-a", res2.HeldBy)
}

func TestBuildLockReleaseOnlyByHolder(t *testing.T) {
	c, mock, _ := newTestCache(t)
	ctx := context.Background()
	fp := models.ArtifactFingerprint("fp-2")

	mock.ExpectExec("INSERT INTO build_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	_, err := c.BeginBuild(ctx, fp, "worker-a", time.Minute)
	require.NoError(t, err)

	// worker-b never held the lock; releasing must be a no-op.
	require.NoError(t, c.ReleaseBuild(ctx, fp, "worker-b"))

	res, err := c.BeginBuild(ctx, fp, "worker-c", time.Minute)
	require.NoError(t, err)
	require.False(t, res.Acquired, "lock must still be held by worker-a")

	mock.ExpectExec("DELETE FROM build_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.ReleaseBuild(ctx, fp, "worker-a"))

	mock.ExpectExec("INSERT INTO build_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	res2, err := c.BeginBuild(ctx, fp, "worker-c", time.Minute)
	require.NoError(t, err)
	require.True(t, res2.Acquired, "lock must be acquirable once released")
}

func TestBuildLockStealAfterTTLExpiry(t *testing.T) {
	c, mock, mr := newTestCache(t)
	ctx := context.Background()
	fp := models.ArtifactFingerprint("fp-3")

	mock.ExpectExec("INSERT INTO build_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	_, err := c.BeginBuild(ctx, fp, "worker-a", 10*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(20 * time.Millisecond)

	mock.ExpectExec("INSERT INTO build_locks").WillReturnResult(sqlmock.NewResult(0, 1))
	res, err := c.BeginBuild(ctx, fp, "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Acquired, "an expired lock must be stealable by a waiter")
}

func TestLookupMissWhenNoMetadata(t *testing.T) {
	c, mock, _ := newTestCache(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT wasm_bytes_hash FROM cached_artifacts").
		WillReturnError(sql.ErrNoRows)

	_, found, err := c.Lookup(ctx, "missing-fp")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFinishBuildThenLookupRoundTrips(t *testing.T) {
	c, mock, _ := newTestCache(t)
	ctx := context.Background()
	fp := models.ArtifactFingerprint("fp-roundtrip")
	data := []byte("wasm-bytes-here")
	hash := HashBytes(data)

	mock.ExpectExec("INSERT INTO cached_artifacts").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.FinishBuild(ctx, fp, data))

	rows := sqlmock.NewRows([]string{"wasm_bytes_hash"}).AddRow(hash)
	mock.ExpectQuery("SELECT wasm_bytes_hash FROM cached_artifacts").WillReturnRows(rows)
	mock.ExpectExec("UPDATE cached_artifacts SET last_accessed_at").WillReturnResult(sqlmock.NewResult(0, 1))

	got, found, err := c.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, data, got)
}

func TestPinUnpinRoundTrip(t *testing.T) {
	c, mock, _ := newTestCache(t)
	ctx := context.Background()
	fp := models.ArtifactFingerprint("fp-pin")

	mock.ExpectExec("UPDATE cached_artifacts SET pin_count = pin_count \\+ 1").
		WithArgs(string(fp)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Pin(ctx, fp))

	mock.ExpectExec("UPDATE cached_artifacts SET pin_count = GREATEST").
		WithArgs(string(fp)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Unpin(ctx, fp))
}

// TestEvictionSweepSkipsPinnedEntries guards the invariant that drove the
// review comment: EvictionSweep must only ever consider pin_count = 0 rows,
// so an artifact that was pinned and then unpinned back to zero becomes
// eligible again instead of staying permanently exempt.
func TestEvictionSweepSkipsPinnedEntries(t *testing.T) {
	c, mock, _ := newTestCache(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(size_bytes\\), 0\\) FROM cached_artifacts WHERE pin_count = 0").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(200)))

	rows := sqlmock.NewRows([]string{"fingerprint", "wasm_bytes_hash", "size_bytes"}).
		AddRow("fp-old", "hash-old", int64(200))
	mock.ExpectQuery("SELECT fingerprint, wasm_bytes_hash, size_bytes(.|\n)*WHERE pin_count = 0").
		WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM cached_artifacts WHERE fingerprint = \\$1 AND pin_count = 0").
		WithArgs("fp-old").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.EvictionSweep(ctx, 100))
}
