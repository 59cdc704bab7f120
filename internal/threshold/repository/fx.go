package repository

import "go.uber.org/fx"

var Module = fx.Module("threshold.repository",
	fx.Provide(
		ProvideRules,
		ProvideNotificationLogs,
		ProvideRecipients,
	),
)
