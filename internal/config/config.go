// Package config builds the coordinator's single Config value at startup.
// There are no package-level config globals anywhere else in this module
// (spec §9, "Global mutable state" design note) — every service takes a
// Config (or the narrow slice of it relevant) through its constructor.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr string

	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	ArtifactBlobDir      string
	ArtifactCacheCeilingBytes int64
	EvictionSweepInterval     time.Duration

	BuildLockTTL time.Duration

	JobLeaseTTL      time.Duration
	JobMaxAttempts   int

	ChallengeTTL       time.Duration
	SessionTTL         time.Duration
	HeartbeatStaleAfter time.Duration
	AccessKeyPollAttempts int
	AccessKeyPollInterval time.Duration

	Pricing PricingConfig

	StaleRequestTimeout  time.Duration
	HTTPRequestDeadline  time.Duration
	ChainRequestDeadline time.Duration
	RequestRetentionDays int

	ResumePayloadMaxBytes int

	RateLimitCallPerMinute    int
	RateLimitSecretsPerMinute int
	RateLimitChainAnonRPS     float64
	RateLimitChainKeyedRPS    float64

	GovernanceAccount string
	OperatorAccount   string

	AdminBearerToken string
	WorkerJWTSecret  string

	ChainRPCURL    string
	ChainAPIKey    string
	KeystoreRPCURL string

	DefaultMaxInstructions uint64
	DefaultMaxMemoryMiB    uint32
	DefaultMaxWallSeconds  uint32
}

type PricingConfig struct {
	BaseFeeUSD        int64
	PerInstructionUSD float64
	PerMBUSD          float64
	PerSecondUSD      float64
}

// Load builds a Config from environment variables (prefix COORD_), applying
// the defaults a fresh deployment needs without any env vars set at all.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COORD")
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("postgres_dsn", "postgres://localhost:5432/coordinator?sslmode=disable")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("artifact_blob_dir", "./data/artifacts")
	v.SetDefault("artifact_cache_ceiling_bytes", int64(50*1024*1024*1024))
	v.SetDefault("eviction_sweep_interval", time.Hour)
	v.SetDefault("build_lock_ttl", 5*time.Minute)
	v.SetDefault("job_lease_ttl", 2*time.Minute)
	v.SetDefault("job_max_attempts", 3)
	v.SetDefault("challenge_ttl", 60*time.Second)
	v.SetDefault("session_ttl", 12*time.Hour)
	v.SetDefault("heartbeat_stale_after", 90*time.Second)
	v.SetDefault("access_key_poll_attempts", 3)
	v.SetDefault("access_key_poll_interval", 3*time.Second)
	v.SetDefault("pricing_base_fee_usd", int64(1))
	v.SetDefault("pricing_per_instruction_usd", 0.0000000001)
	v.SetDefault("pricing_per_mb_usd", 0.001)
	v.SetDefault("pricing_per_second_usd", 0.01)
	v.SetDefault("stale_request_timeout", 10*time.Minute)
	v.SetDefault("http_request_deadline", 5*time.Minute)
	v.SetDefault("chain_request_deadline", 10*time.Minute)
	v.SetDefault("request_retention_days", 30)
	v.SetDefault("resume_payload_max_bytes", 1024)
	v.SetDefault("rate_limit_call_per_minute", 100)
	v.SetDefault("rate_limit_secrets_per_minute", 10)
	v.SetDefault("rate_limit_chain_anon_rps", 5.0)
	v.SetDefault("rate_limit_chain_keyed_rps", 20.0)
	v.SetDefault("default_max_instructions", uint64(10_000_000_000))
	v.SetDefault("default_max_memory_mib", 256)
	v.SetDefault("default_max_wall_seconds", 30)

	cfg := Config{
		HTTPAddr:                  v.GetString("http_addr"),
		PostgresDSN:               v.GetString("postgres_dsn"),
		RedisAddr:                 v.GetString("redis_addr"),
		RedisDB:                   v.GetInt("redis_db"),
		ArtifactBlobDir:           v.GetString("artifact_blob_dir"),
		ArtifactCacheCeilingBytes: v.GetInt64("artifact_cache_ceiling_bytes"),
		EvictionSweepInterval:     v.GetDuration("eviction_sweep_interval"),
		BuildLockTTL:              v.GetDuration("build_lock_ttl"),
		JobLeaseTTL:               v.GetDuration("job_lease_ttl"),
		JobMaxAttempts:            v.GetInt("job_max_attempts"),
		ChallengeTTL:              v.GetDuration("challenge_ttl"),
		SessionTTL:                v.GetDuration("session_ttl"),
		HeartbeatStaleAfter:       v.GetDuration("heartbeat_stale_after"),
		AccessKeyPollAttempts:     v.GetInt("access_key_poll_attempts"),
		AccessKeyPollInterval:     v.GetDuration("access_key_poll_interval"),
		Pricing: PricingConfig{
			BaseFeeUSD:        v.GetInt64("pricing_base_fee_usd"),
			PerInstructionUSD: v.GetFloat64("pricing_per_instruction_usd"),
			PerMBUSD:          v.GetFloat64("pricing_per_mb_usd"),
			PerSecondUSD:      v.GetFloat64("pricing_per_second_usd"),
		},
		StaleRequestTimeout:       v.GetDuration("stale_request_timeout"),
		HTTPRequestDeadline:       v.GetDuration("http_request_deadline"),
		ChainRequestDeadline:      v.GetDuration("chain_request_deadline"),
		RequestRetentionDays:      v.GetInt("request_retention_days"),
		ResumePayloadMaxBytes:     v.GetInt("resume_payload_max_bytes"),
		RateLimitCallPerMinute:    v.GetInt("rate_limit_call_per_minute"),
		RateLimitSecretsPerMinute: v.GetInt("rate_limit_secrets_per_minute"),
		RateLimitChainAnonRPS:     v.GetFloat64("rate_limit_chain_anon_rps"),
		RateLimitChainKeyedRPS:    v.GetFloat64("rate_limit_chain_keyed_rps"),
		GovernanceAccount:         v.GetString("governance_account"),
		OperatorAccount:           v.GetString("operator_account"),
		AdminBearerToken:          v.GetString("admin_bearer_token"),
		WorkerJWTSecret:           v.GetString("worker_jwt_secret"),
		ChainRPCURL:               v.GetString("chain_rpc_url"),
		ChainAPIKey:               v.GetString("chain_api_key"),
		KeystoreRPCURL:            v.GetString("keystore_rpc_url"),
		DefaultMaxInstructions:    uint64(v.GetInt64("default_max_instructions")),
		DefaultMaxMemoryMiB:       uint32(v.GetInt("default_max_memory_mib")),
		DefaultMaxWallSeconds:     uint32(v.GetInt("default_max_wall_seconds")),
	}

	if cfg.AdminBearerToken == "" {
		return cfg, fmt.Errorf("config: COORD_ADMIN_BEARER_TOKEN must be set")
	}
	if cfg.WorkerJWTSecret == "" {
		return cfg, fmt.Errorf("config: COORD_WORKER_JWT_SECRET must be set")
	}
	return cfg, nil
}
