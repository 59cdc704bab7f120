// Package domain contains persistence models for raw agent usage ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores the token and cost consumption of one agent call.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       string            `gorm:"type:text;not null;index:idx_usage_events_scope,priority:1;uniqueIndex:ux_usage_events_idempotency,priority:1" json:"tenant_id"`
	AgentID        string            `gorm:"type:text" json:"agent_id"`
	AgentName      string            `gorm:"type:text;not null;index:idx_usage_events_scope,priority:2" json:"agent_name"`
	UserID         snowflake.ID      `gorm:"not null" json:"user_id"`
	Model          string            `gorm:"type:text" json:"model"`
	InputTokens    int64             `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens   int64             `gorm:"not null;default:0" json:"output_tokens"`
	Cost           float64           `gorm:"not null;default:0" json:"cost"`
	RecordedAt     time.Time         `gorm:"not null;index:idx_usage_events_scope,priority:3" json:"recorded_at"`
	IdempotencyKey *string           `gorm:"type:varchar(255);uniqueIndex:ux_usage_events_idempotency,priority:2" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"-"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
