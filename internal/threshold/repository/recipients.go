package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"gorm.io/gorm"
)

type recipientRepo struct {
	db *gorm.DB
}

func ProvideRecipients(db *gorm.DB) domain.RecipientRepository {
	return &recipientRepo{db: db}
}

func (r *recipientRepo) NotificationOverride(ctx context.Context, userID snowflake.ID) (string, error) {
	var email *string
	err := r.db.WithContext(ctx).Raw(
		`SELECT notification_email FROM user_notification_settings WHERE user_id = ?`,
		userID,
	).Row().Scan(&email)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", err
	}
	if email == nil {
		return "", nil
	}
	return strings.TrimSpace(*email), nil
}

func (r *recipientRepo) PrimaryEmail(ctx context.Context, userID snowflake.ID) (string, error) {
	var user domain.User
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, email FROM users WHERE id = ?`,
		userID,
	).Scan(&user).Error
	if err != nil {
		return "", err
	}
	if user.ID == 0 {
		return "", nil
	}
	return strings.TrimSpace(user.Email), nil
}
