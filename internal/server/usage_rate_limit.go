package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaguard/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonTenantRate = "tenant-rate"

type usageIngestRateLimitKey struct {
	TenantID string `json:"tenant_id"`
}

// UsageIngestRateLimit throttles ingest per tenant. A limiter outage fails
// closed with 503 so a broken Redis cannot turn into unbounded ingest.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		tenantID, err := readUsageIngestTenant(c)
		if err != nil {
			logger.FromContext(ctx).Warn("usage ingest rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if tenantID == "" {
			// let the handler reject it with the proper validation error
			c.Next()
			return
		}

		res, err := s.usageLimiter.AllowTenant(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("usage ingest tenant rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Warn("usage ingest rate limit exceeded",
				zap.String("reason", rateLimitReasonTenantRate),
				zap.String("tenant_id", tenantID),
			)
			s.domainMetrics.RecordRateLimitDenied(ctx, tenantID, rateLimitReasonTenantRate)

			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonTenantRate)
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}

func readUsageIngestTenant(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload usageIngestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.TenantID), nil
}
