package service

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/quotaguard/internal/clock"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SweeperParams struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Rules       domain.RuleRepository
	Consumption domain.ConsumptionReader
	Logs        domain.NotificationLogRepository
	Notifier    *Notifier
	Metrics     *obsmetrics.ThresholdMetrics `optional:"true"`
}

// Sweeper re-evaluates every active rule without caches so crossings the
// enforcement path never saw still get notified.
type Sweeper struct {
	log         *zap.Logger
	clock       clock.Clock
	rules       domain.RuleRepository
	consumption domain.ConsumptionReader
	logs        domain.NotificationLogRepository
	notifier    *Notifier
	metrics     *obsmetrics.ThresholdMetrics
	tracer      trace.Tracer
}

func NewSweeper(p SweeperParams) *Sweeper {
	return &Sweeper{
		log:         p.Log.Named("threshold.sweep"),
		clock:       p.Clock,
		rules:       p.Rules,
		consumption: p.Consumption,
		logs:        p.Logs,
		notifier:    p.Notifier,
		metrics:     p.Metrics,
		tracer:      otel.Tracer("quotaguard/threshold"),
	}
}

// CheckThresholds evaluates all active rules sequentially and returns how
// many rule periods were newly logged. Only listing rules can fail the run;
// per-rule failures are logged and left for the next run.
func (s *Sweeper) CheckThresholds(ctx context.Context) (int, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "threshold.CheckThresholds")
	defer span.End()

	rules, err := s.rules.ListAllActiveRules(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list rules failed")
		s.metrics.ObserveSweep(0, time.Since(started), err)
		return 0, fmt.Errorf("list active rules: %w", err)
	}

	now := s.clock.Now()
	sent := 0
	for _, rule := range rules {
		if ctx.Err() != nil {
			s.log.Warn("sweep interrupted", zap.Int("sent", sent), zap.Error(ctx.Err()))
			break
		}
		completed, err := s.checkRule(ctx, rule, now)
		if err != nil {
			s.metrics.IncSweepRuleError(err)
			s.log.Error("sweep rule failed",
				zap.String("rule_id", rule.ID.String()),
				zap.String("tenant_id", rule.TenantID),
				zap.String("agent_name", rule.AgentName),
				zap.String("reason", obsmetrics.ClassifyJobReason(err)),
				zap.Error(err),
			)
			continue
		}
		if completed {
			sent++
		}
	}

	span.SetAttributes(
		attribute.Int("rules", len(rules)),
		attribute.Int("sent", sent),
	)
	s.metrics.ObserveSweep(len(rules), time.Since(started), nil)
	s.log.Info("threshold sweep finished",
		zap.Int("rules", len(rules)),
		zap.Int("sent", sent),
		zap.Duration("duration", time.Since(started)),
	)
	return sent, nil
}

func (s *Sweeper) checkRule(ctx context.Context, rule domain.Rule, now time.Time) (bool, error) {
	window := period.Compute(rule.Period, now)

	logged, err := s.logs.Exists(ctx, rule.ID, window.StartLabel)
	if err != nil {
		return false, fmt.Errorf("check notification log: %w", err)
	}
	if logged {
		return false, nil
	}

	actual, err := s.consumption.GetConsumption(ctx, rule.TenantID, rule.AgentName, rule.MetricKind, window.Start, window.End)
	if err != nil {
		return false, fmt.Errorf("get consumption: %w", err)
	}
	if actual < rule.Threshold {
		return false, nil
	}

	outcome, err := s.notifier.Notify(ctx, Crossing{Rule: rule, Window: window, Actual: actual}, obsmetrics.NotifySourceSweep)
	if err != nil {
		return false, err
	}
	return outcome.Completed(), nil
}
