// Command coordinator runs the off-chain compute coordinator: the HTTP
// surface (internal/httpapi), the orchestrator poll loop that advances every
// non-terminal execution request, the chain event-ingest loop, and the
// scheduled maintenance jobs (eviction sweep, stale-session reaping, terminal
// request purge). The teacher's main.go wired one *Server straight into
// http.ListenAndServe with no shutdown path; a coordinator holding open
// Postgres transactions and in-flight chain resumes needs to drain those
// before exiting, so this adds signal.NotifyContext-driven graceful shutdown
// on top of the teacher's router/middleware shape.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/chainyield/coordinator/internal/artifactcache"
	"github.com/chainyield/coordinator/internal/chainclient"
	"github.com/chainyield/coordinator/internal/config"
	"github.com/chainyield/coordinator/internal/dbx"
	"github.com/chainyield/coordinator/internal/eventingest"
	"github.com/chainyield/coordinator/internal/httpapi"
	"github.com/chainyield/coordinator/internal/jobqueue"
	"github.com/chainyield/coordinator/internal/keystoreclient"
	"github.com/chainyield/coordinator/internal/ledger"
	"github.com/chainyield/coordinator/internal/logging"
	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/orchestrator"
	"github.com/chainyield/coordinator/internal/ratelimit"
	"github.com/chainyield/coordinator/internal/redisx"
	"github.com/chainyield/coordinator/internal/secrets"
	"github.com/chainyield/coordinator/internal/storagekv"
	"github.com/chainyield/coordinator/internal/workerregistry"
)

// pollStates lists every non-terminal state the orchestrator loop advances,
// in the order spec §4.5's state machine moves a request through them.
var pollStates = []models.RequestState{
	models.StateReceived,
	models.StateNeedsCompile,
	models.StateNeedsExecute,
	models.StateResuming,
}

func main() {
	log := logging.New("coordinator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := dbx.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres")
	}
	defer db.Close()

	rdb, err := redisx.Open(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()

	blobs, err := artifactcache.NewFileBlobStore(cfg.ArtifactBlobDir)
	if err != nil {
		log.Fatal().Err(err).Msg("blob store")
	}
	cache := artifactcache.New(db, rdb, blobs)

	var chain chainclient.Client
	if cfg.ChainRPCURL == "" {
		log.Warn().Msg("COORD_CHAIN_RPC_URL unset, running against an in-memory fake chain client")
		chain = chainclient.NewFake()
	} else {
		chain = chainclient.NewHTTPClient(cfg.ChainRPCURL, &http.Client{Timeout: cfg.ChainRequestDeadline},
			cfg.ChainAPIKey, cfg.RateLimitChainAnonRPS, cfg.RateLimitChainKeyedRPS)
	}

	var keystore keystoreclient.Client
	if cfg.KeystoreRPCURL == "" {
		log.Warn().Msg("COORD_KEYSTORE_RPC_URL unset, running against an in-memory fake keystore client")
		keystore = keystoreclient.NewFake()
	} else {
		keystore = keystoreclient.NewHTTPClient(cfg.KeystoreRPCURL, &http.Client{Timeout: cfg.ChainRequestDeadline})
	}

	queue := jobqueue.New(db)
	pricing := models.PricingTable{
		BaseFeeUSD:        cfg.Pricing.BaseFeeUSD,
		PerInstructionUSD: cfg.Pricing.PerInstructionUSD,
		PerMBUSD:          cfg.Pricing.PerMBUSD,
		PerSecondUSD:      cfg.Pricing.PerSecondUSD,
	}
	ldg := ledger.New(db, pricing)
	secretsStore := secrets.New(db, keystore, chain)
	storage := storagekv.New(db, keystore)

	registry := workerregistry.New(db, chain, []byte(cfg.WorkerJWTSecret), cfg.OperatorAccount,
		cfg.AccessKeyPollAttempts, cfg.AccessKeyPollInterval, cfg.ChallengeTTL, cfg.SessionTTL, cfg.HeartbeatStaleAfter)

	orch := orchestrator.New(db, queue, cache, ldg, chain, secretsStore, log, cfg.OperatorAccount,
		cfg.BuildLockTTL, cfg.StaleRequestTimeout, cfg.ResumePayloadMaxBytes)

	limiter := ratelimit.NewDefaultSet(100_000)

	srv := httpapi.NewServer(db, registry, queue, cache, ldg, orch, chain, keystore, storage, secretsStore, limiter,
		pricing, log, cfg.AdminBearerToken, cfg.HTTPRequestDeadline, buildVersion(), httpapi.DefaultResourceLimits{
			MaxInstructions: cfg.DefaultMaxInstructions,
			MaxMemoryMiB:    cfg.DefaultMaxMemoryMiB,
			MaxWallSeconds:  cfg.DefaultMaxWallSeconds,
		})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.NewRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HTTPRequestDeadline + 30*time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
		}
	}()

	ingest := eventingest.New(db, chain, orch, log, 200)
	wg.Add(1)
	go runTicker(ctx, &wg, 2*time.Second, func(tickCtx context.Context) {
		if err := ingest.Tick(tickCtx); err != nil {
			log.Error().Err(err).Msg("event ingest tick")
		}
	})

	wg.Add(1)
	go runTicker(ctx, &wg, time.Second, func(tickCtx context.Context) {
		advanceAll(tickCtx, orch, srv, log)
	})

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := cache.EvictionSweep(sweepCtx, cfg.ArtifactCacheCeilingBytes); err != nil {
			log.Error().Err(err).Msg("eviction sweep")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule eviction sweep")
	}
	if _, err := c.AddFunc("@every 1m", func() {
		staleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := registry.MarkStaleSessions(staleCtx); err != nil {
			log.Error().Err(err).Msg("mark stale sessions")
		} else if n > 0 {
			log.Info().Int64("count", n).Msg("marked worker sessions stale")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule stale session sweep")
	}
	if _, err := c.AddFunc("@daily", func() {
		purgeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := orch.PurgeTerminal(purgeCtx, cfg.RequestRetentionDays); err != nil {
			log.Error().Err(err).Msg("purge terminal requests")
		} else if n > 0 {
			log.Info().Int64("count", n).Msg("purged terminal requests past retention")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule terminal purge")
	}
	c.Start()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	cronStopCtx := c.Stop()
	<-cronStopCtx.Done()

	wg.Wait()
	log.Info().Msg("shutdown complete")
}

// runTicker calls tick once immediately and then every interval, until ctx
// is cancelled. It's shared by the event-ingest and orchestrator poll loops,
// which both run on a fixed cadence rather than a per-item goroutine.
func runTicker(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, tick func(context.Context)) {
	defer wg.Done()
	tick(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// advanceAll tries one state transition per tick for up to 200 requests in
// each of pollStates (Compiling and Executing rows wait on worker job
// completion instead), publishing a live-feed event after each success (spec
// §4.5's poll-loop worker pool, spec §6's /public/jobs/stream).
func advanceAll(ctx context.Context, orch *orchestrator.Orchestrator, srv *httpapi.Server, log zerolog.Logger) {
	for _, state := range pollStates {
		ids, err := orch.PollableRequestIDs(ctx, state, 200)
		if err != nil {
			log.Error().Err(err).Str("state", string(state)).Msg("pollable request ids")
			continue
		}
		for _, id := range ids {
			if err := advanceOne(ctx, orch, state, id); err != nil {
				log.Error().Err(err).Int64("request_id", id).Str("state", string(state)).Msg("advance")
				continue
			}
			if req, err := orch.GetRequest(ctx, id); err == nil {
				srv.Publish(id, string(req.State))
			}
		}
	}
}

func advanceOne(ctx context.Context, orch *orchestrator.Orchestrator, state models.RequestState, id int64) error {
	switch state {
	case models.StateReceived:
		return orch.AdvanceReceived(ctx, id)
	case models.StateNeedsCompile:
		return orch.AdvanceNeedsCompile(ctx, id)
	case models.StateNeedsExecute:
		return orch.AdvanceNeedsExecute(ctx, id)
	case models.StateResuming:
		return orch.AdvanceResuming(ctx, id)
	default:
		return nil
	}
}

func buildVersion() string {
	if v := os.Getenv("COORD_BUILD_VERSION"); v != "" {
		return v
	}
	return "dev"
}
