package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/clock"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/quotaguard/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// maxBatchSize bounds one ingest call.
	maxBatchSize = 1000
	// maxClockSkew is how far in the future recorded_at may be.
	maxClockSkew = 5 * time.Minute
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Emitter       usagedomain.Emitter          `optional:"true"`
	Metrics       *obsmetrics.ThresholdMetrics `optional:"true"`
	DomainMetrics *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	emitter       usagedomain.Emitter
	metrics       *obsmetrics.ThresholdMetrics
	domainMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		emitter:       p.Emitter,
		metrics:       p.Metrics,
		domainMetrics: p.DomainMetrics,
	}
}

// Ingest stores a batch in one transaction. Items whose idempotency key was
// already stored are counted as deduplicated. The owning user is emitted once
// when at least one row was written.
func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (usagedomain.IngestResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return usagedomain.IngestResponse{}, usagedomain.ErrInvalidTenant
	}
	userID, err := parseID(req.UserID, usagedomain.ErrInvalidUser)
	if err != nil {
		return usagedomain.IngestResponse{}, err
	}
	if len(req.Items) == 0 {
		return usagedomain.IngestResponse{}, usagedomain.ErrEmptyBatch
	}
	if len(req.Items) > maxBatchSize {
		return usagedomain.IngestResponse{}, usagedomain.ErrBatchTooLarge
	}

	now := s.clock.Now().UTC()
	records := make([]*usagedomain.UsageEvent, 0, len(req.Items))
	for _, item := range req.Items {
		if err := validateUsageItem(item, now); err != nil {
			s.metrics.AddUsageIngested(obsmetrics.IngestStatusRejected, len(req.Items))
			return usagedomain.IngestResponse{}, err
		}
		records = append(records, s.buildRecord(tenantID, userID, item, now))
	}

	var resp usagedomain.IngestResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			inserted, err := insertUsageEvent(tx, record)
			if err != nil {
				return err
			}
			if inserted {
				resp.Accepted++
			} else {
				resp.Deduplicated++
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("usage ingest failed",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID.String()),
			zap.Int("items", len(records)),
			zap.Error(err),
		)
		return usagedomain.IngestResponse{}, err
	}

	s.metrics.AddUsageIngested(obsmetrics.IngestStatusAccepted, resp.Accepted)
	s.metrics.AddUsageIngested(obsmetrics.IngestStatusDeduplicated, resp.Deduplicated)
	s.domainMetrics.RecordUsageIngest(ctx, tenantID, resp.Accepted)

	if resp.Accepted > 0 && s.emitter != nil {
		s.emitter.Emit(userID.String())
	}

	return resp, nil
}

func (s *Service) buildRecord(tenantID string, userID snowflake.ID, item usagedomain.UsageItem, now time.Time) *usagedomain.UsageEvent {
	recordedAt := item.RecordedAt.UTC()
	if item.RecordedAt.IsZero() {
		recordedAt = now
	}

	record := &usagedomain.UsageEvent{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		AgentID:      strings.TrimSpace(item.AgentID),
		AgentName:    strings.TrimSpace(item.AgentName),
		UserID:       userID,
		Model:        strings.TrimSpace(item.Model),
		InputTokens:  item.InputTokens,
		OutputTokens: item.OutputTokens,
		Cost:         item.Cost,
		RecordedAt:   recordedAt,
		CreatedAt:    now,
	}
	if key := strings.TrimSpace(item.IdempotencyKey); key != "" {
		record.IdempotencyKey = &key
	}
	if item.Metadata != nil {
		record.Metadata = datatypes.JSONMap(item.Metadata)
	}
	return record
}

func insertUsageEvent(tx *gorm.DB, record *usagedomain.UsageEvent) (bool, error) {
	db := tx
	if record.IdempotencyKey != nil {
		db = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := db.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func validateUsageItem(item usagedomain.UsageItem, now time.Time) error {
	if strings.TrimSpace(item.AgentName) == "" {
		return usagedomain.ErrInvalidAgentName
	}
	if item.InputTokens < 0 || item.OutputTokens < 0 {
		return usagedomain.ErrInvalidTokens
	}
	if math.IsNaN(item.Cost) || math.IsInf(item.Cost, 0) || item.Cost < 0 {
		return usagedomain.ErrInvalidCost
	}
	if !item.RecordedAt.IsZero() && item.RecordedAt.After(now.Add(maxClockSkew)) {
		return usagedomain.ErrInvalidRecordedAt
	}
	return nil
}

// IsValidationError reports whether err is a caller mistake rather than a
// storage failure.
func IsValidationError(err error) bool {
	for _, target := range []error{
		usagedomain.ErrInvalidTenant,
		usagedomain.ErrInvalidUser,
		usagedomain.ErrInvalidAgentName,
		usagedomain.ErrInvalidTokens,
		usagedomain.ErrInvalidCost,
		usagedomain.ErrEmptyBatch,
		usagedomain.ErrBatchTooLarge,
		usagedomain.ErrInvalidRecordedAt,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
