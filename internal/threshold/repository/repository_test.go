package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&domain.Rule{},
		&domain.NotificationLog{},
		&domain.User{},
		&domain.NotificationSetting{},
	))
	return db
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func TestListActiveBlockRulesFiltersAndOrders(t *testing.T) {
	db := setupDB(t)
	node := newNode(t)
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	mk := func(agent string, action domain.Action, active bool, created time.Time) domain.Rule {
		return domain.Rule{
			ID:          node.Generate(),
			TenantID:    "t1",
			AgentID:     "a-" + agent,
			AgentName:   agent,
			OwnerUserID: 42,
			MetricKind:  domain.MetricCost,
			Threshold:   10,
			Period:      period.Day,
			Active:      active,
			Action:      action,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
	}

	late := mk("support", domain.ActionBoth, true, base.Add(2*time.Hour))
	early := mk("support", domain.ActionBlock, true, base)
	notifyOnly := mk("support", domain.ActionNotify, true, base.Add(time.Hour))
	inactive := mk("support", domain.ActionBlock, false, base)
	otherAgent := mk("sales", domain.ActionBlock, true, base)
	rules := []domain.Rule{late, early, notifyOnly, inactive, otherAgent}
	require.NoError(t, db.Create(&rules).Error)
	// gorm skips zero-value bools on create, so flip the inactive row explicitly
	require.NoError(t, db.Model(&domain.Rule{}).Where("id = ?", inactive.ID).Update("active", false).Error)

	repo := ProvideRules(db)
	got, err := repo.ListActiveBlockRules(context.Background(), " t1 ", "support")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)

	all, err := repo.ListAllActiveRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, rule := range all {
		assert.True(t, rule.Active)
	}

	_, err = repo.ListActiveBlockRules(context.Background(), "", "support")
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
	_, err = repo.ListActiveBlockRules(context.Background(), "t1", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidAgentName)
}

func TestNotificationLogRecordIsIdempotent(t *testing.T) {
	db := setupDB(t)
	node := newNode(t)
	repo := ProvideNotificationLogs(db)
	ctx := context.Background()

	ruleID := node.Generate()
	entry := func() *domain.NotificationLog {
		return &domain.NotificationLog{
			ID:             node.Generate(),
			RuleID:         ruleID,
			PeriodStart:    "2026-10-15 00:00:00",
			PeriodEnd:      "2026-10-15 10:30:45",
			ActualValue:    12,
			ThresholdValue: 10,
			MetricKind:     domain.MetricCost,
			AgentName:      "support",
			Delivered:      true,
			SentAt:         time.Date(2026, 10, 15, 10, 30, 45, 0, time.UTC),
		}
	}

	exists, err := repo.Exists(ctx, ruleID, "2026-10-15 00:00:00")
	require.NoError(t, err)
	assert.False(t, exists)

	written, err := repo.Record(ctx, entry())
	require.NoError(t, err)
	assert.True(t, written)

	written, err = repo.Record(ctx, entry())
	require.NoError(t, err)
	assert.False(t, written)

	exists, err = repo.Exists(ctx, ruleID, "2026-10-15 00:00:00")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(ctx, ruleID, "2026-10-16 00:00:00")
	require.NoError(t, err)
	assert.False(t, exists)

	var count int64
	require.NoError(t, db.Model(&domain.NotificationLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecipientLookups(t *testing.T) {
	db := setupDB(t)
	repo := ProvideRecipients(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&domain.User{ID: 1, Email: " owner@example.com "}).Error)
	require.NoError(t, db.Create(&domain.User{ID: 2, Email: "second@example.com"}).Error)
	require.NoError(t, db.Create(&domain.NotificationSetting{UserID: 1, NotificationEmail: "alerts@example.com"}).Error)
	require.NoError(t, db.Exec(`INSERT INTO user_notification_settings (user_id, notification_email, updated_at) VALUES (?, NULL, ?)`, 2, time.Now().UTC()).Error)

	override, err := repo.NotificationOverride(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alerts@example.com", override)

	override, err = repo.NotificationOverride(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, override)

	override, err = repo.NotificationOverride(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, override)

	primary, err := repo.PrimaryEmail(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", primary)

	primary, err = repo.PrimaryEmail(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, primary)
}
