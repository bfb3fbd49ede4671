package models

import "time"

// ArtifactFingerprint keys the artifact cache. It is a hex-encoded
// deterministic hash over (resolved_commit, build_target, builder_image_version).
type ArtifactFingerprint string

// CachedArtifact is the cache's metadata row for one fingerprint. Bytes
// themselves live in the content-addressed blob store, not here.
type CachedArtifact struct {
	Fingerprint    ArtifactFingerprint
	WasmBytesHash  string
	SizeBytes      int64
	LastAccessedAt time.Time
	CreatedAt      time.Time
	PinCount       int
}
