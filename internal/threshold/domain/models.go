// Package domain contains threshold rules, notification log entries and the
// contracts the threshold engine consumes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/period"
)

type MetricKind string

const (
	MetricTokens MetricKind = "tokens"
	MetricCost   MetricKind = "cost"
)

func (m MetricKind) Valid() bool {
	return m == MetricTokens || m == MetricCost
}

type Action string

const (
	ActionNotify Action = "notify"
	ActionBlock  Action = "block"
	ActionBoth   Action = "both"
)

// Blocks reports whether the action includes synchronous enforcement.
func (a Action) Blocks() bool {
	return a == ActionBlock || a == ActionBoth
}

// BlockActions lists the actions eligible for the enforcement path.
var BlockActions = []Action{ActionBlock, ActionBoth}

// Rule is a monitoring policy for one tenant+agent pair.
type Rule struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    string       `gorm:"type:text;not null;index:idx_threshold_rules_scope,priority:1" json:"tenant_id"`
	AgentID     string       `gorm:"type:text;not null" json:"agent_id"`
	AgentName   string       `gorm:"type:text;not null;index:idx_threshold_rules_scope,priority:2" json:"agent_name"`
	OwnerUserID snowflake.ID `gorm:"not null" json:"owner_user_id"`
	MetricKind  MetricKind   `gorm:"type:text;not null" json:"metric_kind"`
	Threshold   float64      `gorm:"not null" json:"threshold"`
	Period      period.Kind  `gorm:"type:text;not null" json:"period"`
	Active      bool         `gorm:"not null;default:true" json:"active"`
	Action      Action       `gorm:"type:text;not null" json:"action"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Rule) TableName() string { return "threshold_rules" }

// NotificationLog records that a rule-period has been handled. At most one
// row exists per (RuleID, PeriodStart).
type NotificationLog struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	RuleID         snowflake.ID `gorm:"not null;uniqueIndex:ux_threshold_notification_logs_rule_period,priority:1" json:"rule_id"`
	PeriodStart    string       `gorm:"type:varchar(19);not null;uniqueIndex:ux_threshold_notification_logs_rule_period,priority:2" json:"period_start"`
	PeriodEnd      string       `gorm:"type:varchar(19);not null" json:"period_end"`
	ActualValue    float64      `gorm:"not null" json:"actual_value"`
	ThresholdValue float64      `gorm:"not null" json:"threshold_value"`
	MetricKind     MetricKind   `gorm:"type:text;not null" json:"metric_kind"`
	AgentName      string       `gorm:"type:text;not null" json:"agent_name"`
	Delivered      bool         `gorm:"not null;default:false" json:"delivered"`
	SentAt         time.Time    `gorm:"not null" json:"sent_at"`
}

func (NotificationLog) TableName() string { return "threshold_notification_logs" }

// LimitExceeded is the enforcement answer for a crossed block rule.
type LimitExceeded struct {
	RuleID     snowflake.ID `json:"rule_id"`
	MetricKind MetricKind   `json:"metric_kind"`
	Threshold  float64      `json:"threshold"`
	Actual     float64      `json:"actual"`
	Period     period.Kind  `json:"period"`
}

// Alert is the payload rendered into a threshold notification.
type Alert struct {
	RuleID     snowflake.ID
	AgentName  string
	MetricKind MetricKind
	Threshold  float64
	Actual     float64
	Period     period.Kind
	Timestamp  string
}

// User is the read-only account record used to resolve a recipient.
type User struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	Email string       `gorm:"type:text;not null"`
}

func (User) TableName() string { return "users" }

// NotificationSetting holds an explicit per-user notification address.
type NotificationSetting struct {
	UserID            snowflake.ID `gorm:"primaryKey"`
	NotificationEmail string       `gorm:"type:text"`
	UpdatedAt         time.Time
}

func (NotificationSetting) TableName() string { return "user_notification_settings" }
