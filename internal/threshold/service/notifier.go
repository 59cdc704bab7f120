package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/clock"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Outcome is the result of one notify-and-log attempt.
type Outcome string

const (
	// OutcomeSent means an email went out and the period was logged.
	OutcomeSent Outcome = "sent"
	// OutcomeNoRecipient means nothing was sendable and the period was logged anyway.
	OutcomeNoRecipient Outcome = "no_recipient"
	// OutcomeDuplicate means the period had already been logged.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSendFailed means the send failed and nothing was logged.
	OutcomeSendFailed Outcome = "send_failed"
)

// Completed reports whether the attempt wrote the period's log entry.
func (o Outcome) Completed() bool {
	return o == OutcomeSent || o == OutcomeNoRecipient
}

// Crossing is a rule observed at or above its threshold in one window.
type Crossing struct {
	Rule   domain.Rule
	Window period.Boundaries
	Actual float64
}

func (c Crossing) dedupKey() string {
	return fmt.Sprintf("%d:%s", c.Rule.ID, c.Window.StartLabel)
}

type NotifierParams struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	GenID         *snowflake.Node
	Logs          domain.NotificationLogRepository
	Recipients    *RecipientResolver
	Sender        domain.AlertSender
	Metrics       *obsmetrics.ThresholdMetrics `optional:"true"`
	DomainMetrics *obsmetrics.Metrics          `optional:"true"`
}

// Notifier runs the notify-and-log protocol shared by the enforcement path
// and the sweep. Concurrent runs for the same rule period share one attempt.
type Notifier struct {
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	logs          domain.NotificationLogRepository
	recipients    *RecipientResolver
	sender        domain.AlertSender
	metrics       *obsmetrics.ThresholdMetrics
	domainMetrics *obsmetrics.Metrics
	group         singleflight.Group
}

func NewNotifier(p NotifierParams) *Notifier {
	return &Notifier{
		log:           p.Log.Named("threshold.notifier"),
		clock:         p.Clock,
		genID:         p.GenID,
		logs:          p.Logs,
		recipients:    p.Recipients,
		sender:        p.Sender,
		metrics:       p.Metrics,
		domainMetrics: p.DomainMetrics,
	}
}

// Notify sends the alert for c unless its period is already logged, then
// records the period. A failed send leaves the period unlogged so a later
// sweep retries it. source labels metrics only.
func (n *Notifier) Notify(ctx context.Context, c Crossing, source string) (Outcome, error) {
	v, err, _ := n.group.Do(c.dedupKey(), func() (any, error) {
		return n.notify(ctx, c)
	})
	outcome, _ := v.(Outcome)
	if err != nil {
		n.metrics.IncNotification(source, obsmetrics.NotifyOutcomeError)
		return outcome, err
	}
	n.metrics.IncNotification(source, string(outcome))
	if outcome == OutcomeSent {
		n.domainMetrics.RecordAlertSent(ctx, source, string(c.Rule.MetricKind))
	}
	return outcome, nil
}

func (n *Notifier) notify(ctx context.Context, c Crossing) (Outcome, error) {
	log := n.log.With(
		zap.String("rule_id", c.Rule.ID.String()),
		zap.String("period_start", c.Window.StartLabel),
	)

	exists, err := n.logs.Exists(ctx, c.Rule.ID, c.Window.StartLabel)
	if err != nil {
		return "", fmt.Errorf("check notification log: %w", err)
	}
	if exists {
		return OutcomeDuplicate, nil
	}

	to, err := n.recipients.Resolve(ctx, c.Rule.OwnerUserID)
	if err != nil {
		return "", fmt.Errorf("resolve recipient: %w", err)
	}

	now := n.clock.Now().UTC()
	delivered := false
	if to != "" {
		alert := domain.Alert{
			RuleID:     c.Rule.ID,
			AgentName:  c.Rule.AgentName,
			MetricKind: c.Rule.MetricKind,
			Threshold:  c.Rule.Threshold,
			Actual:     c.Actual,
			Period:     c.Rule.Period,
			Timestamp:  now.Format(time.RFC3339),
		}
		if err := n.sender.SendAlert(ctx, to, alert); err != nil {
			log.Warn("threshold alert send failed, will retry on next sweep", zap.Error(err))
			return OutcomeSendFailed, nil
		}
		delivered = true
	} else {
		log.Info("no recipient for threshold alert, logging without email",
			zap.String("owner_user_id", c.Rule.OwnerUserID.String()),
		)
	}

	written, err := n.logs.Record(ctx, &domain.NotificationLog{
		ID:             n.genID.Generate(),
		RuleID:         c.Rule.ID,
		PeriodStart:    c.Window.StartLabel,
		PeriodEnd:      c.Window.EndLabel,
		ActualValue:    c.Actual,
		ThresholdValue: c.Rule.Threshold,
		MetricKind:     c.Rule.MetricKind,
		AgentName:      c.Rule.AgentName,
		Delivered:      delivered,
		SentAt:         now,
	})
	if err != nil {
		return "", fmt.Errorf("record notification log: %w", err)
	}
	if !written {
		log.Warn("notification log already written by another evaluator")
		return OutcomeDuplicate, nil
	}

	if delivered {
		log.Info("threshold alert sent",
			zap.Float64("actual", c.Actual),
			zap.Float64("threshold", c.Rule.Threshold),
		)
		return OutcomeSent, nil
	}
	return OutcomeNoRecipient, nil
}
