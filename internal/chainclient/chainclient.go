// Package chainclient is the coordinator's boundary to the on-chain
// contract and the governance/operator account it trusts (spec §4.3,
// §4.7, §6). The registry's sole trust root is the key list this client
// returns; the client never verifies TDX quotes itself (delegated to the
// governance contract, per spec §4.3).
package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainyield/coordinator/internal/models"
)

// Client is the full surface the coordinator needs from the chain: reading
// access keys and account/contract state for auth and access-condition
// evaluation, and submitting the resume transactions that close a yielded
// promise.
type Client interface {
	// ListAccessKeys returns the public keys currently registered as access
	// keys on account (spec §4.3 step 3).
	ListAccessKeys(ctx context.Context, account string) ([]string, error)

	// ViewAccount returns an account's native-token balance in minor units,
	// used by AccessCondition NearBalance evaluation (spec §4.7).
	ViewAccount(ctx context.Context, account string) (balance int64, err error)

	// ViewFunctionCall performs a read-only contract call, used by
	// FtBalance/NftOwned AccessCondition evaluation (spec §4.7).
	ViewFunctionCall(ctx context.Context, contract, method string, args []byte) ([]byte, error)

	// SubmitExecutionOutput uploads a large output ahead of resolve_execution
	// when the response would exceed the yield-resume payload limit
	// (spec §4.5, §6).
	SubmitExecutionOutput(ctx context.Context, requestID int64, output []byte) error

	// ResolveExecution resumes the contract's yielded promise (spec §6).
	ResolveExecution(ctx context.Context, requestID int64, outputAlreadySubmitted bool, resp ResumeResponse) error

	// PollExecutionRequested returns every execution_requested event the
	// contract has emitted since afterRequestID (exclusive), for the
	// coordinator's event-ingest poll loop (spec §6's "Event ingest (from
	// chain)"). There is no push delivery: the coordinator is the poller.
	PollExecutionRequested(ctx context.Context, afterRequestID int64, limit int) ([]ExecutionRequestedEvent, error)
}

// ResumeResponse mirrors spec §6's resolve_execution response shape.
type ResumeResponse struct {
	Success       bool
	Output        []byte // omitted (nil) when already submitted separately
	ErrorKind     string
	ErrorMessage  string
	Instructions  uint64
	MemoryBytes   uint64
	TimeMillis    uint64
}

// ExecutionRequestedEvent mirrors spec §6's execution_requested event shape
// verbatim, ahead of being translated into a models.ExecutionRequest by the
// event-ingest loop.
type ExecutionRequestedEvent struct {
	RequestID      int64
	DataID         [32]byte
	Sender         string
	CodeSource     json.RawMessage
	ResourceLimits ResourceLimitsEvent
	InputData      []byte
	SecretsProfile string
	SecretsOwner   string
	AttachedDepositUSD int64
	Timestamp      time.Time
}

// ResourceLimitsEvent mirrors the resource_limits sub-object of
// execution_requested.
type ResourceLimitsEvent struct {
	MaxInstructions uint64
	MaxMemoryMiB    uint32
	MaxWallSeconds  uint32
}

type codeSourceWire struct {
	Kind        string `json:"kind"`
	Repo        string `json:"repo"`
	Commit      string `json:"commit"`
	BuildTarget string `json:"build_target"`
	ProjectID   string `json:"project_id"`
	VersionKey  string `json:"version_key"`
}

// ParseCodeSource decodes the event's code_source tagged union into a
// models.CodeRef, the shape the rest of the coordinator operates on.
func ParseCodeSource(raw json.RawMessage) (models.CodeRef, error) {
	var w codeSourceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.CodeRef{}, fmt.Errorf("chainclient: parse code_source: %w", err)
	}
	switch models.CodeRefKind(w.Kind) {
	case models.CodeRefRepoCommit:
		return models.CodeRef{Kind: models.CodeRefRepoCommit, Repo: w.Repo, Commit: w.Commit, BuildTarget: w.BuildTarget}, nil
	case models.CodeRefProject:
		return models.CodeRef{Kind: models.CodeRefProject, ProjectID: w.ProjectID, VersionKey: w.VersionKey}, nil
	default:
		return models.CodeRef{}, fmt.Errorf("chainclient: unknown code_source kind %q", w.Kind)
	}
}

// DefaultRPCTimeout bounds any single chain RPC the coordinator issues.
const DefaultRPCTimeout = 15 * time.Second
