package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterledger/internal/config"
)

const (
	keyConsumeAccount = "meterledger:consume:account:%s"
	keyWebhookSource  = "meterledger:webhook:source:%s"
)

// Limiter guards the debit and webhook endpoints. A nil Limiter allows
// everything.
type Limiter struct {
	bucket *TokenBucket

	consumeRate  float64
	consumeBurst int
	webhookRate  float64
	webhookBurst int
}

func NewLimiter(cfg config.Config, client *redis.Client) (*Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil, nil
	}
	if limitCfg.ConsumeRate <= 0 || limitCfg.ConsumeBurst <= 0 {
		return nil, fmt.Errorf("consume rate limit must be positive")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, fmt.Errorf("webhook rate limit must be positive")
	}
	return &Limiter{
		bucket:       NewTokenBucket(client),
		consumeRate:  float64(limitCfg.ConsumeRate),
		consumeBurst: limitCfg.ConsumeBurst,
		webhookRate:  float64(limitCfg.WebhookRate),
		webhookBurst: limitCfg.WebhookBurst,
	}, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowConsume limits debit-style calls per account.
func (l *Limiter) AllowConsume(ctx context.Context, accountID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyConsumeAccount, strings.TrimSpace(accountID)), l.consumeRate, l.consumeBurst)
}

// AllowWebhook limits credit deliveries per calling source.
func (l *Limiter) AllowWebhook(ctx context.Context, source string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookSource, strings.TrimSpace(source)), l.webhookRate, l.webhookBurst)
}
