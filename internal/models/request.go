// Package models holds the plain data shapes shared across the coordinator:
// execution requests, jobs, worker sessions, payment keys and the other
// rows that move between the HTTP layer, the orchestrator and Postgres.
package models

import "time"

// CodeRefKind tags which variant of CodeRef is populated.
type CodeRefKind string

const (
	CodeRefRepoCommit CodeRefKind = "repo_commit"
	CodeRefProject    CodeRefKind = "project"
)

// CodeRef is the tagged sum named in spec §3 and §9: exactly one of the two
// variants is meaningful, selected by Kind. Callers must not type-switch on
// the struct shape; use Kind and the matching fields.
type CodeRef struct {
	Kind CodeRefKind

	// RepoCommit variant.
	Repo        string
	Commit      string
	BuildTarget string

	// Project variant.
	ProjectID     string
	VersionKey    string // optional; empty means "active version"
}

// ResourceLimits caps a single execution.
type ResourceLimits struct {
	MaxInstructions uint64
	MaxMemoryMiB    uint32
	MaxWallSeconds  uint32
}

// SecretsRef names the secrets profile a request wants decrypted for it.
type SecretsRef struct {
	Profile string
	Owner   string
}

// RequestOrigin distinguishes a chain-emitted execution_requested event from
// a direct caller HTTP invocation (spec §6's two distinct entry points share
// one orchestrator, diverging only at the terminal resume step).
type RequestOrigin string

const (
	OriginChain RequestOrigin = "chain"
	OriginHTTP  RequestOrigin = "http"
)

// RequestState is the orchestrator lifecycle position of an ExecutionRequest.
type RequestState string

const (
	StateReceived     RequestState = "received"
	StateResolving    RequestState = "resolving"
	StateNeedsCompile RequestState = "needs_compile"
	StateCompiling    RequestState = "compiling"
	StateNeedsExecute RequestState = "needs_execute"
	StateExecuting    RequestState = "executing"
	StateResuming     RequestState = "resuming"
	StateResolved     RequestState = "resolved"
	StateCancelled    RequestState = "cancelled"
	StateFailed       RequestState = "failed"
)

// Terminal reports whether s is one of the lifecycle's terminal states.
func (s RequestState) Terminal() bool {
	switch s {
	case StateResolved, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// ExecutionRequest is created once from an on-chain execution_requested
// event and is immutable except for its lifecycle State and the resolved
// code-reference snapshot taken during Resolving (spec §9, open question b).
type ExecutionRequest struct {
	RequestID         int64
	DataID            [32]byte
	Sender            string
	Origin            RequestOrigin
	CodeRef           CodeRef
	ResourceLimits    ResourceLimits
	Input             []byte
	SecretsRef        *SecretsRef
	AttachedDepositUSD int64 // minor units

	State       RequestState
	Fingerprint string // set once Resolving completes

	// Resolved snapshot of CodeRef, fixed at Resolving and never re-derived.
	ResolvedRepo        string
	ResolvedCommit      string
	ResolvedBuildTarget string
	ResolvedAt          *time.Time

	PaymentKeyHash string // empty when funded purely by AttachedDepositUSD
	ReservedUSD    int64  // amount reserved against PaymentKeyHash for this call
	LastError      string

	// Pending resume payload, persisted once Executing/Compiling concludes so
	// AdvanceResuming survives a crash between settle and send (spec §9).
	PendingSuccess       bool
	PendingOutput        []byte
	PendingOutputSubmitted bool
	PendingErrorKind     string
	PendingErrorMessage  string
	PendingInstructions  int64
	PendingMemoryBytes   int64
	PendingTimeMillis    int64

	CreatedAt time.Time
}

// ExecutionResponse is the payload handed to resolve_execution (spec §6).
type ExecutionResponse struct {
	Success       bool
	Output        []byte
	ErrorKind     string
	ErrorMessage  string
	ResourcesUsed ResourceUsage
}

// ResourceUsage is what a worker actually consumed performing a job.
type ResourceUsage struct {
	Instructions uint64
	MemoryBytes  uint64
	TimeMillis   uint64
}

// PricingTable backs the /public/pricing endpoint and the on-chain cost
// computation in the ledger (spec §4.4).
type PricingTable struct {
	BaseFeeUSD        int64
	PerInstructionUSD float64
	PerMBUSD          float64
	PerSecondUSD      float64
}

// Cost computes the minor-unit USD cost of a measured execution.
func (p PricingTable) Cost(u ResourceUsage) int64 {
	mb := float64(u.MemoryBytes) / (1024 * 1024)
	seconds := float64(u.TimeMillis) / 1000
	variable := p.PerInstructionUSD*float64(u.Instructions) + p.PerMBUSD*mb + p.PerSecondUSD*seconds
	return p.BaseFeeUSD + int64(variable)
}
