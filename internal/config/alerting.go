package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AlertingConfig controls how threshold alert emails are presented.
type AlertingConfig struct {
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	DashboardURL  string `mapstructure:"dashboardURL"`
	SenderName    string `mapstructure:"senderName"`
}

func DefaultAlertingConfig() AlertingConfig {
	return AlertingConfig{
		SubjectPrefix: "[QuotaGuard]",
		DashboardURL:  "",
		SenderName:    "QuotaGuard Alerts",
	}
}

type AlertingConfigHolder struct {
	current atomic.Value // holds AlertingConfig
}

// NewAlertingConfigHolder loads alerting.yml and reloads it on change.
// A missing file yields the defaults.
func NewAlertingConfigHolder(log *zap.Logger) (*AlertingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("alerting")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/quotaguard/config")
	v.AddConfigPath("/etc/quotaguard")
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUOTAGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAlertingConfig()
	v.SetDefault("alerting.subjectPrefix", defaults.SubjectPrefix)
	v.SetDefault("alerting.dashboardURL", defaults.DashboardURL)
	v.SetDefault("alerting.senderName", defaults.SenderName)

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	var cfg AlertingConfig
	if err := v.UnmarshalKey("alerting", &cfg); err != nil {
		return nil, err
	}
	if err := validateAlertingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticAlertingConfigHolder(cfg)
	if !found {
		return holder, nil
	}

	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.alerting")

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AlertingConfig
		if err := v.UnmarshalKey("alerting", &updated); err != nil {
			log.Warn("alerting config reload failed", zap.Error(err))
			return
		}
		if err := validateAlertingConfig(updated); err != nil {
			log.Warn("invalid alerting config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("alerting config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticAlertingConfigHolder returns a holder that never reloads.
func NewStaticAlertingConfigHolder(cfg AlertingConfig) *AlertingConfigHolder {
	holder := &AlertingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *AlertingConfigHolder) Get() AlertingConfig {
	if h == nil {
		return DefaultAlertingConfig()
	}
	return h.current.Load().(AlertingConfig)
}

func validateAlertingConfig(cfg AlertingConfig) error {
	if strings.TrimSpace(cfg.SenderName) == "" {
		return errors.New("alerting.senderName cannot be empty")
	}
	return nil
}
