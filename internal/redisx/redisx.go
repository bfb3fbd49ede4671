// Package redisx bootstraps the Redis client used for transient queue/lock
// state (spec §5): the artifact cache build lock. The rate limiter keeps its
// buckets in process memory, not in Redis. Redis is never authoritative across coordinator
// restarts — Postgres mirrors anything that must survive one.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func Open(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisx: ping: %w", err)
	}
	return client, nil
}
