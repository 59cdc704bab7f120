package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
)

// RecipientResolver picks the address a threshold alert is sent to.
type RecipientResolver struct {
	repo       domain.RecipientRepository
	localMode  bool
	localEmail string
}

func NewRecipientResolver(repo domain.RecipientRepository, cfg config.Config) *RecipientResolver {
	return &RecipientResolver{
		repo:       repo,
		localMode:  cfg.IsLocal(),
		localEmail: strings.TrimSpace(cfg.LocalNotificationEmail),
	}
}

// Resolve returns the override address, then the local-mode address, then the
// primary account email. "" means there is nobody to send to.
func (r *RecipientResolver) Resolve(ctx context.Context, userID snowflake.ID) (string, error) {
	override, err := r.repo.NotificationOverride(ctx, userID)
	if err != nil {
		return "", err
	}
	if email := usableEmail(override); email != "" {
		return email, nil
	}

	if r.localMode {
		if email := usableEmail(r.localEmail); email != "" {
			return email, nil
		}
	}

	primary, err := r.repo.PrimaryEmail(ctx, userID)
	if err != nil {
		return "", err
	}
	return usableEmail(primary), nil
}

func usableEmail(raw string) string {
	email := strings.TrimSpace(raw)
	if strings.EqualFold(email, domain.PlaceholderEmail) {
		return ""
	}
	return email
}
