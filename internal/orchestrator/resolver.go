package orchestrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/chainyield/coordinator/internal/models"
)

// BuilderImageVersion is folded into the fingerprint so a builder image
// upgrade invalidates previously cached artifacts without touching any
// code reference (spec §3 glossary: fingerprint is a hash over
// (resolved_commit, build_target, builder_image_version)).
const BuilderImageVersion = "wasm-builder:2024.1"

// resolveToFingerprint is the single operation spec §9 calls for across
// the CodeRef tagged sum: it never type-switches on the struct shape,
// only on Kind.
func (o *Orchestrator) resolveToFingerprint(ctx context.Context, ref models.CodeRef) (repo, commit, buildTarget, fingerprint string, err error) {
	switch ref.Kind {
	case models.CodeRefRepoCommit:
		repo, commit, buildTarget = ref.Repo, ref.Commit, ref.BuildTarget
	case models.CodeRefProject:
		v, lookupErr := o.lookupProjectVersion(ctx, ref.ProjectID, ref.VersionKey)
		if lookupErr != nil {
			return "", "", "", "", lookupErr
		}
		repo, commit, buildTarget = v.Repo, v.Commit, v.BuildTarget
	default:
		return "", "", "", "", models.NewError(models.KindValidation, fmt.Sprintf("unknown code_ref kind %q", ref.Kind), nil)
	}

	fingerprint = computeFingerprint(commit, buildTarget)
	return repo, commit, buildTarget, fingerprint, nil
}

func computeFingerprint(resolvedCommit, buildTarget string) string {
	h := sha256.New()
	h.Write([]byte(resolvedCommit))
	h.Write([]byte{0})
	h.Write([]byte(buildTarget))
	h.Write([]byte{0})
	h.Write([]byte(BuilderImageVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// lookupProjectVersion resolves a Project CodeRef's version_key (or, when
// empty, the active version) to a concrete snapshot. The caller must take
// this snapshot at Resolving and never re-derive it on retry (spec §9 open
// question (b)): a Project's active version may change mid-flight without
// affecting requests already past this step.
func (o *Orchestrator) lookupProjectVersion(ctx context.Context, projectID, versionKey string) (models.ProjectVersion, error) {
	var v models.ProjectVersion
	var row *sql.Row
	if versionKey == "" {
		row = o.db.QueryRowContext(ctx, `
			SELECT project_id, version_key, repo, commit_hash, build_target, is_active, created_at
			FROM project_versions WHERE project_id = $1 AND is_active
		`, projectID)
	} else {
		row = o.db.QueryRowContext(ctx, `
			SELECT project_id, version_key, repo, commit_hash, build_target, is_active, created_at
			FROM project_versions WHERE project_id = $1 AND version_key = $2
		`, projectID, versionKey)
	}
	err := row.Scan(&v.ProjectID, &v.VersionKey, &v.Repo, &v.Commit, &v.BuildTarget, &v.IsActive, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return models.ProjectVersion{}, models.NewError(models.KindValidation, "no such project version", nil)
	}
	if err != nil {
		return models.ProjectVersion{}, fmt.Errorf("orchestrator: lookup project version: %w", err)
	}
	return v, nil
}
