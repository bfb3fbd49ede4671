package models

import "time"

type JobKind string

const (
	JobCompile JobKind = "compile"
	JobExecute JobKind = "execute"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobLeased  JobStatus = "leased"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// CompilePayload is the job.Payload shape for JobCompile jobs.
type CompilePayload struct {
	RequestID   int64
	Repo        string
	Commit      string
	BuildTarget string
	Fingerprint ArtifactFingerprint
}

// ExecutePayload is the job.Payload shape for JobExecute jobs.
type ExecutePayload struct {
	RequestID      int64
	Fingerprint    ArtifactFingerprint
	Input          []byte
	ResourceLimits ResourceLimits
	SecretsHandle  string // opaque handle if secrets were decrypted, else empty
}

// Job is a unit of dispatchable work. At most one lease holder exists at any
// time (spec §3 invariant); a Leased job always carries a non-nil, future
// LeaseExpiresAt, or is eligible for lease recovery.
type Job struct {
	JobID          int64
	Kind           JobKind
	Payload        []byte // json-encoded CompilePayload or ExecutePayload
	Status         JobStatus
	Priority       int
	LeaseHolder    string
	LeaseExpiresAt *time.Time
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}

// RetryPolicy controls how fail() decides between re-queuing and failing
// terminally (spec §4.2, §4.5).
type RetryPolicy struct {
	MaxAttempts int
	Transient   bool // false => deterministic, never retried
}

const DefaultMaxAttempts = 3
