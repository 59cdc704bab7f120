package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlaceholderEmail is the reserved loopback address; it is never a valid recipient.
const PlaceholderEmail = "local@localhost"

type RuleRepository interface {
	// ListActiveBlockRules returns active block-eligible rules for the pair in
	// creation order.
	ListActiveBlockRules(ctx context.Context, tenantID, agentName string) ([]Rule, error)
	ListAllActiveRules(ctx context.Context) ([]Rule, error)
}

type ConsumptionReader interface {
	GetConsumption(ctx context.Context, tenantID, agentName string, metric MetricKind, start, end time.Time) (float64, error)
}

type NotificationLogRepository interface {
	Exists(ctx context.Context, ruleID snowflake.ID, periodStart string) (bool, error)
	// Record inserts entry unless one already exists for its dedup key. It
	// reports whether a row was written.
	Record(ctx context.Context, entry *NotificationLog) (bool, error)
}

type RecipientRepository interface {
	// NotificationOverride returns the explicit per-user address, or "".
	NotificationOverride(ctx context.Context, userID snowflake.ID) (string, error)
	// PrimaryEmail returns the account email, or "" when the user is unknown.
	PrimaryEmail(ctx context.Context, userID snowflake.ID) (string, error)
}

// AlertSender delivers a rendered threshold alert to one address.
type AlertSender interface {
	SendAlert(ctx context.Context, to string, alert Alert) error
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidAgentName = errors.New("invalid_agent_name")
	ErrInvalidMetric    = errors.New("invalid_metric_kind")
)
