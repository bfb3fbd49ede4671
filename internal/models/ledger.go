package models

import "time"

// PaymentKey is a pre-funded bearer credential presented as
// "owner:nonce:secret" in the X-Payment-Key header. Invariant (spec §3):
// Spent + Reserved <= InitialBalance at all times.
type PaymentKey struct {
	OwnerAccount    string
	Nonce           int64
	KeyHash         string // sha256(secret), never the raw secret
	InitialBalance  int64
	Spent           int64
	Reserved        int64
	AllowedProjects []string // empty => unrestricted
	MaxPerCall      *int64
	CreatedAt       time.Time
	IsGrant         bool
}

// InScope reports whether projectID is permitted by this key's scope.
func (k PaymentKey) InScope(projectID string) bool {
	if len(k.AllowedProjects) == 0 {
		return true
	}
	for _, p := range k.AllowedProjects {
		if p == projectID {
			return true
		}
	}
	return false
}

type EarningsSource string

const (
	EarningsOnChain  EarningsSource = "on_chain"
	EarningsOffChain EarningsSource = "off_chain"
)

// EarningsRow is an append-only ledger entry crediting a project owner.
type EarningsRow struct {
	ID              int64
	ProjectOwner    string
	Source          EarningsSource
	AmountUSD       int64
	RelatedRequest  int64
	Timestamp       time.Time
}

// StorageRecord is a per-project persistent KV entry consumed by executing
// WASM via host functions (spec §4.6). Uniquely keyed by
// (ProjectID, AccountID, Key); VersionTag is advisory only.
type StorageRecord struct {
	ProjectID  string
	AccountID  string // sentinel "@worker" for worker-private storage
	Key        string
	Ciphertext []byte
	VersionTag string
	UpdatedAt  time.Time
}

// WorkerAccountSentinel is the fixed account used to address worker-private
// storage; end users can never construct a key under it (spec §4.6, §8).
const WorkerAccountSentinel = "@worker"
