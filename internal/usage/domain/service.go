package domain

import (
	"context"
	"errors"
	"time"
)

type UsageItem struct {
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	Model          string         `json:"model"`
	InputTokens    int64          `json:"input_tokens"`
	OutputTokens   int64          `json:"output_tokens"`
	Cost           float64        `json:"cost"`
	RecordedAt     time.Time      `json:"recorded_at"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

// IngestRequest is one usage batch owned by a single user.
type IngestRequest struct {
	TenantID string      `json:"tenant_id"`
	UserID   string      `json:"user_id"`
	Items    []UsageItem `json:"items"`
}

type IngestResponse struct {
	Accepted     int `json:"accepted"`
	Deduplicated int `json:"deduplicated"`
}

type Service interface {
	Ingest(context.Context, IngestRequest) (IngestResponse, error)
}

// Emitter is notified once per ingested batch for the owning user.
type Emitter interface {
	Emit(userID string)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidAgentName  = errors.New("invalid_agent_name")
	ErrInvalidTokens     = errors.New("invalid_tokens")
	ErrInvalidCost       = errors.New("invalid_cost")
	ErrEmptyBatch        = errors.New("empty_batch")
	ErrBatchTooLarge     = errors.New("batch_too_large")
	ErrInvalidRecordedAt = errors.New("invalid_recorded_at")
)
