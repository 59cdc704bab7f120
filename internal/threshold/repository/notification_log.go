package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"github.com/smallbiznis/quotaguard/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type notificationLogRepo struct {
	db    *gorm.DB
	store repository.Repository[domain.NotificationLog]
}

func ProvideNotificationLogs(conn *gorm.DB) domain.NotificationLogRepository {
	return &notificationLogRepo{
		db:    conn,
		store: repository.ProvideStore[domain.NotificationLog](conn),
	}
}

func (r *notificationLogRepo) Exists(ctx context.Context, ruleID snowflake.ID, periodStart string) (bool, error) {
	count, err := r.store.Count(ctx, &domain.NotificationLog{RuleID: ruleID, PeriodStart: periodStart})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Record inserts the entry, ignoring a conflict on (rule_id, period_start).
func (r *notificationLogRepo) Record(ctx context.Context, entry *domain.NotificationLog) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "rule_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		// mysql has no conflict target and may still surface the violation
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
