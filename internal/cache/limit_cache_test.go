package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/quotaguard/internal/clock"
	thresholddomain "github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/stretchr/testify/assert"
)

func TestLimitCacheInvalidateIsScopedToPair(t *testing.T) {
	c := NewLimitCache(clock.New(), time.Minute)

	c.SetRules("t1", "agent", []thresholddomain.Rule{{ID: 1}})
	c.SetRules("t1", "agent-2", []thresholddomain.Rule{{ID: 2}})
	c.SetConsumption("t1", "agent", thresholddomain.MetricTokens, "2026-10-15 00:00:00", 10)
	c.SetConsumption("t1", "agent-2", thresholddomain.MetricTokens, "2026-10-15 00:00:00", 20)

	c.Invalidate("t1", "agent")

	_, ok := c.GetRules("t1", "agent")
	assert.False(t, ok)
	_, ok = c.GetConsumption("t1", "agent", thresholddomain.MetricTokens, "2026-10-15 00:00:00")
	assert.False(t, ok)

	rules, ok := c.GetRules("t1", "agent-2")
	assert.True(t, ok)
	assert.Len(t, rules, 1)
	v, ok := c.GetConsumption("t1", "agent-2", thresholddomain.MetricTokens, "2026-10-15 00:00:00")
	assert.True(t, ok)
	assert.Equal(t, 20.0, v)
}

func TestLimitCacheClearConsumptionKeepsRules(t *testing.T) {
	c := NewLimitCache(clock.New(), 0)

	c.SetRules("t1", "agent", nil)
	c.SetConsumption("t1", "agent", thresholddomain.MetricCost, "p", 1)
	c.SetConsumption("t2", "other", thresholddomain.MetricCost, "p", 2)

	c.ClearConsumption()

	_, ok := c.GetConsumption("t2", "other", thresholddomain.MetricCost, "p")
	assert.False(t, ok)
	rules, ok := c.GetRules("t1", "agent")
	assert.True(t, ok)
	assert.Empty(t, rules)
}

func TestLimitCacheUsesTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC))
	c := NewLimitCache(clk, 0)

	c.SetConsumption("t1", "agent", thresholddomain.MetricTokens, "p", 5)
	clk.Advance(DefaultLimitTTL - time.Millisecond)
	_, ok := c.GetConsumption("t1", "agent", thresholddomain.MetricTokens, "p")
	assert.True(t, ok)

	clk.Advance(time.Millisecond)
	_, ok = c.GetConsumption("t1", "agent", thresholddomain.MetricTokens, "p")
	assert.False(t, ok)
}
