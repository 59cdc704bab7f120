package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/quotaguard/internal/cache"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/smallbiznis/quotaguard/internal/usage/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultNotifyTimeout = 30 * time.Second

// IngestSource hands out the unfiltered ingest event subscription.
type IngestSource interface {
	All() (*events.Subscription, error)
}

type EngineParams struct {
	fx.In

	Log           *zap.Logger
	Config        config.Config
	Clock         clock.Clock
	Rules         domain.RuleRepository
	Consumption   domain.ConsumptionReader
	Cache         cache.LimitCache
	Notifier      *Notifier
	Ingest        IngestSource                 `optional:"true"`
	Metrics       *obsmetrics.ThresholdMetrics `optional:"true"`
	DomainMetrics *obsmetrics.Metrics          `optional:"true"`
}

// Engine answers pre-request limit checks from cached rules and consumption.
type Engine struct {
	log           *zap.Logger
	clock         clock.Clock
	rules         domain.RuleRepository
	consumption   domain.ConsumptionReader
	cache         cache.LimitCache
	notifier      *Notifier
	metrics       *obsmetrics.ThresholdMetrics
	domainMetrics *obsmetrics.Metrics
	tracer        trace.Tracer
	notifyTimeout time.Duration

	sub       *events.Subscription
	subDone   chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func NewEngine(p EngineParams) (*Engine, error) {
	notifyTimeout := p.Config.Threshold.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	e := &Engine{
		log:           p.Log.Named("threshold.engine"),
		clock:         p.Clock,
		rules:         p.Rules,
		consumption:   p.Consumption,
		cache:         p.Cache,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		domainMetrics: p.DomainMetrics,
		tracer:        otel.Tracer("quotaguard/threshold"),
		notifyTimeout: notifyTimeout,
	}

	if p.Ingest != nil {
		sub, err := p.Ingest.All()
		if err != nil {
			return nil, err
		}
		e.sub = sub
		e.subDone = make(chan struct{})
		go e.clearOnIngest()
	}

	return e, nil
}

func (e *Engine) clearOnIngest() {
	defer close(e.subDone)
	for range e.sub.Events() {
		e.cache.ClearConsumption()
	}
}

// CheckLimits returns the first active block rule for the pair whose
// consumption in its current window is at or above its threshold, or nil.
// Crossing starts the notify-and-log protocol in the background.
func (e *Engine) CheckLimits(ctx context.Context, tenantID, agentName string) (*domain.LimitExceeded, error) {
	started := time.Now()
	tenantID = strings.TrimSpace(tenantID)
	agentName = strings.TrimSpace(agentName)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if agentName == "" {
		return nil, domain.ErrInvalidAgentName
	}

	ctx, span := e.tracer.Start(ctx, "threshold.CheckLimits", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("agent_name", agentName),
	))
	defer span.End()

	exceeded, err := e.checkLimits(ctx, tenantID, agentName)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "check limits failed")
		e.metrics.ObserveCheck(obsmetrics.CheckResultError, time.Since(started))
	case exceeded != nil:
		span.SetAttributes(attribute.String("rule_id", exceeded.RuleID.String()))
		e.metrics.ObserveCheck(obsmetrics.CheckResultBlocked, time.Since(started))
		e.domainMetrics.RecordLimitBlock(ctx, string(exceeded.MetricKind), string(exceeded.Period))
	default:
		e.metrics.ObserveCheck(obsmetrics.CheckResultAllowed, time.Since(started))
	}
	return exceeded, err
}

func (e *Engine) checkLimits(ctx context.Context, tenantID, agentName string) (*domain.LimitExceeded, error) {
	rules, err := e.blockRules(ctx, tenantID, agentName)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	now := e.clock.Now()
	for _, rule := range rules {
		window := period.Compute(rule.Period, now)
		actual, err := e.currentConsumption(ctx, tenantID, agentName, rule.MetricKind, window)
		if err != nil {
			return nil, err
		}
		if actual < rule.Threshold {
			continue
		}

		e.notifyAsync(Crossing{Rule: rule, Window: window, Actual: actual})
		return &domain.LimitExceeded{
			RuleID:     rule.ID,
			MetricKind: rule.MetricKind,
			Threshold:  rule.Threshold,
			Actual:     actual,
			Period:     rule.Period,
		}, nil
	}
	return nil, nil
}

func (e *Engine) blockRules(ctx context.Context, tenantID, agentName string) ([]domain.Rule, error) {
	if rules, ok := e.cache.GetRules(tenantID, agentName); ok {
		e.metrics.IncCacheLookup(obsmetrics.CacheRules, true)
		return rules, nil
	}
	e.metrics.IncCacheLookup(obsmetrics.CacheRules, false)

	rules, err := e.rules.ListActiveBlockRules(ctx, tenantID, agentName)
	if err != nil {
		return nil, err
	}
	e.cache.SetRules(tenantID, agentName, rules)
	return rules, nil
}

func (e *Engine) currentConsumption(ctx context.Context, tenantID, agentName string, metric domain.MetricKind, window period.Boundaries) (float64, error) {
	if value, ok := e.cache.GetConsumption(tenantID, agentName, metric, window.StartLabel); ok {
		e.metrics.IncCacheLookup(obsmetrics.CacheConsumption, true)
		return value, nil
	}
	e.metrics.IncCacheLookup(obsmetrics.CacheConsumption, false)

	value, err := e.consumption.GetConsumption(ctx, tenantID, agentName, metric, window.Start, window.End)
	if err != nil {
		return 0, err
	}
	e.cache.SetConsumption(tenantID, agentName, metric, window.StartLabel, value)
	return value, nil
}

// notifyAsync runs the protocol detached from the caller's context so a
// finished request cannot cancel an in-flight send.
func (e *Engine) notifyAsync(c Crossing) {
	if e.notifier == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()

		if _, err := e.notifier.Notify(ctx, c, obsmetrics.NotifySourceCheck); err != nil {
			e.log.Error("threshold notification failed",
				zap.String("rule_id", c.Rule.ID.String()),
				zap.String("period_start", c.Window.StartLabel),
				zap.Error(err),
			)
		}
	}()
}

// InvalidateCache drops cached rules and consumption for the pair. Rule
// management calls it after every rule mutation.
func (e *Engine) InvalidateCache(tenantID, agentName string) {
	e.cache.Invalidate(strings.TrimSpace(tenantID), strings.TrimSpace(agentName))
}

// Wait blocks until background notifications finish.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Close stops listening for ingest events and waits for background
// notifications.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.sub != nil {
			e.sub.Close()
			<-e.subDone
		}
	})
	e.inflight.Wait()
}

// Shutdown is Close bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
