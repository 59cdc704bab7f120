package cache

import (
	"strings"
	"time"

	"github.com/smallbiznis/quotaguard/internal/clock"
	thresholddomain "github.com/smallbiznis/quotaguard/internal/threshold/domain"
)

const DefaultLimitTTL = 60 * time.Second

// LimitCache stores hot-path lookups for limit enforcement: the active rule
// list per tenant+agent and consumption per rule period.
type LimitCache interface {
	GetRules(tenantID, agentName string) ([]thresholddomain.Rule, bool)
	SetRules(tenantID, agentName string, rules []thresholddomain.Rule)
	GetConsumption(tenantID, agentName string, metric thresholddomain.MetricKind, periodStart string) (float64, bool)
	SetConsumption(tenantID, agentName string, metric thresholddomain.MetricKind, periodStart string, value float64)
	// Invalidate drops the rule entry and every consumption entry for the pair.
	Invalidate(tenantID, agentName string)
	// ClearConsumption drops all consumption entries for every pair.
	ClearConsumption()
}

type limitCache struct {
	rules       *TTLCache[string, []thresholddomain.Rule]
	consumption *TTLCache[string, float64]
	ttl         time.Duration
}

// NewLimitCache returns an in-memory cache; ttl <= 0 uses DefaultLimitTTL.
func NewLimitCache(clk clock.Clock, ttl time.Duration) LimitCache {
	if ttl <= 0 {
		ttl = DefaultLimitTTL
	}
	return &limitCache{
		rules:       NewTTLCacheWithClock[string, []thresholddomain.Rule](clk),
		consumption: NewTTLCacheWithClock[string, float64](clk),
		ttl:         ttl,
	}
}

func (c *limitCache) GetRules(tenantID, agentName string) ([]thresholddomain.Rule, bool) {
	return c.rules.Get(cacheKey(tenantID, agentName))
}

func (c *limitCache) SetRules(tenantID, agentName string, rules []thresholddomain.Rule) {
	// An empty list is cached too; "no rules" is the common answer.
	c.rules.Set(cacheKey(tenantID, agentName), append([]thresholddomain.Rule(nil), rules...), c.ttl)
}

func (c *limitCache) GetConsumption(tenantID, agentName string, metric thresholddomain.MetricKind, periodStart string) (float64, bool) {
	return c.consumption.Get(cacheKey(tenantID, agentName, string(metric), periodStart))
}

func (c *limitCache) SetConsumption(tenantID, agentName string, metric thresholddomain.MetricKind, periodStart string, value float64) {
	c.consumption.Set(cacheKey(tenantID, agentName, string(metric), periodStart), value, c.ttl)
}

func (c *limitCache) Invalidate(tenantID, agentName string) {
	c.rules.Delete(cacheKey(tenantID, agentName))
	DeletePrefix(c.consumption, cacheKey(tenantID, agentName)+keySeparator)
}

func (c *limitCache) ClearConsumption() {
	c.consumption.Clear()
}

const keySeparator = ":"

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		values = append(values, strings.TrimSpace(part))
	}
	return strings.Join(values, keySeparator)
}
