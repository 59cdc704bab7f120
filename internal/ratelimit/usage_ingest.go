package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotaguard/internal/config"
)

const keyUsageIngestTenant = "quotaguard:usage:ingest:tenant:%s"

// UsageIngestLimiter throttles usage ingest per tenant with a shared token
// bucket. A nil limiter allows everything.
type UsageIngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUsageIngestLimiter(cfg config.Config, client *redis.Client) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.UsageIngestTenantRate <= 0 || limitCfg.UsageIngestTenantBurst <= 0 {
		return nil, errors.New("usage ingest tenant rate limit must be positive")
	}

	return &UsageIngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.UsageIngestTenantRate,
		burst:  limitCfg.UsageIngestTenantBurst,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowTenant(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestTenant, strings.TrimSpace(tenantID)), l.rate, l.burst)
}
