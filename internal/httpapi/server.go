// Package httpapi is the coordinator's HTTP surface (spec §6): worker
// endpoints behind session-token auth, caller endpoints behind a payment-key
// header, admin endpoints behind a bearer token, and an unauthenticated
// public surface. Generalized from the teacher's gorilla/mux + middleware
// shape (main.go/handlers.go) onto these four audiences instead of one.
package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/chainyield/coordinator/internal/artifactcache"
	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/jobqueue"
	"github.com/chainyield/coordinator/internal/keystoreclient"
	"github.com/chainyield/coordinator/internal/ledger"
	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/orchestrator"
	"github.com/chainyield/coordinator/internal/ratelimit"
	"github.com/chainyield/coordinator/internal/secrets"
	"github.com/chainyield/coordinator/internal/storagekv"
	"github.com/chainyield/coordinator/internal/workerregistry"
)

type Server struct {
	db       *sql.DB
	registry *workerregistry.Registry
	queue    *jobqueue.Queue
	cache    *artifactcache.Cache
	ledger   *ledger.Ledger
	orch     *orchestrator.Orchestrator
	chain    chainclient.Client
	keystore keystoreclient.Client
	storage  *storagekv.Store
	secrets  *secrets.Store
	limiter  *ratelimit.Set
	hub      *eventHub
	log      zerolog.Logger

	pricing models.PricingTable

	adminToken     string
	httpDeadline   time.Duration
	syncPollBudget time.Duration
	buildVersion   string
	resourceLimits DefaultResourceLimits
}

// DefaultResourceLimits fills in any resource limit a caller HTTP request
// leaves at zero; a non-zero value from the caller is used as given, not
// capped. Echoed by GET /public/limits.
type DefaultResourceLimits struct {
	MaxInstructions uint64
	MaxMemoryMiB    uint32
	MaxWallSeconds  uint32
}

func NewServer(
	db *sql.DB,
	registry *workerregistry.Registry,
	queue *jobqueue.Queue,
	cache *artifactcache.Cache,
	ldg *ledger.Ledger,
	orch *orchestrator.Orchestrator,
	chain chainclient.Client,
	keystore keystoreclient.Client,
	storage *storagekv.Store,
	secretsStore *secrets.Store,
	limiter *ratelimit.Set,
	pricing models.PricingTable,
	log zerolog.Logger,
	adminToken string,
	httpDeadline time.Duration,
	buildVersion string,
	resourceLimits DefaultResourceLimits,
) *Server {
	return &Server{
		db: db, registry: registry, queue: queue, cache: cache, ledger: ldg, orch: orch,
		chain: chain, keystore: keystore, storage: storage, secrets: secretsStore, limiter: limiter,
		hub: newEventHub(), log: log, pricing: pricing,
		adminToken: adminToken, httpDeadline: httpDeadline, syncPollBudget: httpDeadline,
		buildVersion: buildVersion, resourceLimits: resourceLimits,
	}
}

// Publish is called by the orchestrator's poll loop (cmd/coordinator) after
// every successful state transition so /public/jobs/stream subscribers see
// it live.
func (s *Server) Publish(requestID int64, state string) {
	s.hub.publish(JobEvent{RequestID: requestID, State: state})
}

func (s *Server) NewRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Worker endpoints: session-token-guarded except the challenge and the
	// registration that issues the session token.
	r.HandleFunc("/workers/tee-challenge", s.teeChallenge).Methods("POST")
	r.HandleFunc("/workers/register-tee", s.registerTEE).Methods("POST")
	r.HandleFunc("/workers/heartbeat", s.workerAuth(s.heartbeat)).Methods("POST")
	r.HandleFunc("/jobs/claim", s.workerAuth(s.claimJob)).Methods("POST")
	r.HandleFunc("/jobs/complete", s.workerAuth(s.completeJob)).Methods("POST")
	r.HandleFunc("/wasm/{fingerprint}", s.workerAuth(s.getWasm)).Methods("GET")
	r.HandleFunc("/wasm/upload", s.workerAuth(s.uploadWasm)).Methods("POST")

	// Caller endpoints: payment-key (or attached deposit) funded.
	r.HandleFunc("/call/{owner}/{project}", s.rateLimited(s.limiter.CallAndStorage, s.callProject)).Methods("POST")
	r.HandleFunc("/calls/{call_id}", s.getCall).Methods("GET")

	// Admin endpoints: bearer token.
	r.HandleFunc("/admin/payment-keys", s.adminAuth(s.createPaymentKey)).Methods("POST")
	r.HandleFunc("/admin/payment-keys", s.adminAuth(s.listPaymentKeys)).Methods("GET")
	r.HandleFunc("/admin/payment-keys/{key_hash}", s.adminAuth(s.deletePaymentKey)).Methods("DELETE")
	r.HandleFunc("/admin/jobs/{job_id}/logs", s.adminAuth(s.compileLogs)).Methods("GET")
	r.HandleFunc("/admin/workers/{worker_id}", s.adminAuth(s.deregisterWorker)).Methods("DELETE")
	r.HandleFunc("/admin/secrets-policies", s.adminAuth(s.setSecretsPolicy)).Methods("POST")
	r.HandleFunc("/admin/secrets-policies/{owner_account}/{profile}", s.adminAuth(s.deleteSecretsPolicy)).Methods("DELETE")

	// Secrets eligibility probe: rate-limited separately and more tightly
	// than /call/* (spec §5), since it exists purely to let a caller check
	// whether their account would pass a profile's AccessCondition without
	// spending a call.
	r.HandleFunc("/secrets/{owner_account}/{profile}/check", s.rateLimited(s.limiter.Secrets, s.checkSecretsEligibility)).Methods("GET")

	// Public endpoints: unauthenticated, read-only.
	r.HandleFunc("/health", s.health).Methods("GET")
	r.HandleFunc("/health/detailed", s.healthDetailed).Methods("GET")
	r.HandleFunc("/public/stats", s.publicStats).Methods("GET")
	r.HandleFunc("/public/workers", s.publicWorkers).Methods("GET")
	r.HandleFunc("/public/jobs", s.publicJobs).Methods("GET")
	r.HandleFunc("/public/jobs/stream", s.publicJobsStream).Methods("GET")
	r.HandleFunc("/public/pricing", s.publicPricing).Methods("GET")
	r.HandleFunc("/public/storage/get", s.rateLimited(s.limiter.CallAndStorage, s.publicStorageGet)).Methods("GET")
	r.HandleFunc("/public/version", s.publicVersion).Methods("GET")
	r.HandleFunc("/public/limits", s.publicLimits).Methods("GET")
	r.HandleFunc("/attestations/{job_id}", s.getAttestation).Methods("GET")
	r.Handle("/metrics", metricsHandler()).Methods("GET")

	return r
}
