package models

import "time"

type WorkerRole string

const (
	RoleCompile WorkerRole = "compile"
	RoleExecute WorkerRole = "execute"
	RoleBoth    WorkerRole = "both"
)

// Admits reports whether a session with this role can claim jobs of kind k.
func (r WorkerRole) Admits(k JobKind) bool {
	switch r {
	case RoleBoth:
		return true
	case RoleCompile:
		return k == JobCompile
	case RoleExecute:
		return k == JobExecute
	default:
		return false
	}
}

type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStale   WorkerStatus = "stale"
	WorkerRevoked WorkerStatus = "revoked"
)

// WorkerSession exists only once the worker's public key has been observed
// as an access key on the governance/operator account (spec §3 invariant,
// §4.3).
type WorkerSession struct {
	WorkerID         string
	PublicKey        string // hex-encoded ed25519 public key
	Role             WorkerRole
	TEEMeasurement   string
	SessionToken     string
	SessionExpiresAt time.Time
	LastHeartbeatAt  time.Time
	Status           WorkerStatus
}

// Challenge is the short-lived nonce issued in step 1 of the TEE handshake.
type Challenge struct {
	ChallengeID string
	Nonce       [32]byte
	ExpiresAt   time.Time
}

// AttestationRecord is the audit trail the registry keeps for a worker's
// claimed TDX quote; the registry never verifies it itself (spec §4.3).
type AttestationRecord struct {
	JobID           int64
	WorkerID        string
	TDXQuoteHex     string
	MeasurementHash string
	VerifiedAt      time.Time
}
