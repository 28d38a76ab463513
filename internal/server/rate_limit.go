package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitReasonAccountRate = "account-rate"
	rateLimitReasonSourceRate  = "source-rate"
)

// ConsumeRateLimit throttles debits and reservations per account.
func (s *Server) ConsumeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		accountID := strings.TrimSpace(c.Param("account_id"))
		if accountID == "" {
			c.Next()
			return
		}
		s.applyRateLimit(c, rateLimitReasonAccountRate, func(ctx context.Context) (*ratelimit.RateLimitResult, error) {
			return s.limiter.AllowConsume(ctx, accountID)
		})
	}
}

// WebhookRateLimit throttles credit deliveries per client address.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		source := c.ClientIP()
		s.applyRateLimit(c, rateLimitReasonSourceRate, func(ctx context.Context) (*ratelimit.RateLimitResult, error) {
			return s.limiter.AllowWebhook(ctx, source)
		})
	}
}

func (s *Server) applyRateLimit(c *gin.Context, reason string, allow func(context.Context) (*ratelimit.RateLimitResult, error)) {
	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)

	result, err := allow(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("http.rate_limit.check_failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if result.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	}
	if !result.Allowed {
		denyRateLimit(c, endpoint, reason, result.RetryAfter, s.obsMetrics)
		return
	}

	recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
	c.Next()
}

func denyRateLimit(c *gin.Context, endpoint, reason string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("http.rate_limit.exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
