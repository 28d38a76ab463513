package cache

import (
	"strings"
	"time"

	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
)

const (
	defaultIdempotencyTTL = 10 * time.Minute
	maxIdempotencyEntries = 100_000
)

// ExternalEventCache remembers external credit ids this process already
// applied so webhook retries skip the database.
type ExternalEventCache interface {
	Seen(externalEventID string) bool
	Remember(externalEventID string)
}

type externalEventCache struct {
	entries Cache[string, struct{}]
	ttl     time.Duration
}

func NewExternalEventCache(cfg config.Config, clk clock.Clock) ExternalEventCache {
	ttl := cfg.Ledger.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	now := time.Now
	if clk != nil {
		now = clk.Now
	}
	return &externalEventCache{
		entries: NewBoundedTTLCache[string, struct{}](now, maxIdempotencyEntries),
		ttl:     ttl,
	}
}

func (c *externalEventCache) Seen(externalEventID string) bool {
	_, ok := c.entries.Get(cacheKey(externalEventID))
	return ok
}

func (c *externalEventCache) Remember(externalEventID string) {
	key := cacheKey(externalEventID)
	if key == "" {
		return
	}
	c.entries.Set(key, struct{}{}, c.ttl)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}
