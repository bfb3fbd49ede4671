package models

import "time"

// ProjectVersion is a concrete (repo, commit, build_target) snapshot a
// Project CodeRef resolves to. Exactly one version per project may be
// IsActive at a time; VersionKey selects a specific non-active version.
type ProjectVersion struct {
	ProjectID   string
	VersionKey  string
	Repo        string
	Commit      string
	BuildTarget string
	IsActive    bool
	CreatedAt   time.Time
}
