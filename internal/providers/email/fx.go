package email

import (
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(
		NewAlertMailer,
		func(m *AlertMailer) domain.AlertSender { return m },
	),
)

// NewFromConfig returns an SMTP provider, or a no-op provider when no SMTP
// host is configured.
func NewFromConfig(cfg config.Config, alerting *config.AlertingConfigHolder, log *zap.Logger) Provider {
	if cfg.SMTP.Host == "" {
		log.Warn("SMTP_HOST not set, threshold alerts will not be delivered")
		return NewNoOp(log)
	}
	return NewSMTP(Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		SenderName: alerting.Get().SenderName,
	})
}
