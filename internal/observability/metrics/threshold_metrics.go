package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	CheckResultAllowed = "allowed"
	CheckResultBlocked = "blocked"
	CheckResultError   = "error"
)

const (
	CacheRules       = "rules"
	CacheConsumption = "consumption"

	CacheHit  = "hit"
	CacheMiss = "miss"
)

const (
	NotifySourceCheck = "check"
	NotifySourceSweep = "sweep"

	NotifyOutcomeSent        = "sent"
	NotifyOutcomeDuplicate   = "duplicate"
	NotifyOutcomeNoRecipient = "no_recipient"
	NotifyOutcomeSendFailed  = "send_failed"
	NotifyOutcomeError       = "error"
)

const (
	IngestStatusAccepted     = "accepted"
	IngestStatusDeduplicated = "deduplicated"
	IngestStatusRejected     = "rejected"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

// ThresholdMetrics captures limit enforcement and alerting health signals.
type ThresholdMetrics struct {
	checks         *prometheus.CounterVec
	checkDuration  prometheus.Observer
	cacheLookups   *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	usageIngested  *prometheus.CounterVec
	sweepRuns      *prometheus.CounterVec
	sweepDuration  prometheus.Observer
	sweepRuleError *prometheus.CounterVec
	sweepRules     prometheus.Counter
}

var (
	thresholdMetricsOnce sync.Once
	thresholdMetrics     *ThresholdMetrics
)

// Threshold returns the singleton threshold metrics registry.
func Threshold() *ThresholdMetrics {
	return ThresholdWithConfig(Config{})
}

// ThresholdWithConfig returns the singleton threshold metrics registry using config labels.
func ThresholdWithConfig(cfg Config) *ThresholdMetrics {
	thresholdMetricsOnce.Do(func() {
		thresholdMetrics = newThresholdMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return thresholdMetrics
}

// ResetThresholdMetricsForTest resets the threshold metrics singleton for tests.
func ResetThresholdMetricsForTest() {
	thresholdMetricsOnce = sync.Once{}
	thresholdMetrics = nil
}

func newThresholdMetrics(registerer prometheus.Registerer, cfg Config) *ThresholdMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "quotaguard"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotaguard_limit_checks_total",
		Help:        "Pre-request limit checks by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	checkDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "quotaguard_limit_check_duration_seconds",
		Help:        "Latency of pre-request limit checks.",
		Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotaguard_cache_lookups_total",
		Help:        "Limit cache lookups by cache and result.",
		ConstLabels: constLabels,
	}, []string{"cache", "result"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotaguard_notifications_total",
		Help:        "Threshold notification attempts by source and outcome.",
		ConstLabels: constLabels,
	}, []string{"source", "outcome"})
	usageIngested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotaguard_usage_events_total",
		Help:        "Usage events received by ingest status.",
		ConstLabels: constLabels,
	}, []string{"status"})
	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotaguard_sweep_runs_total",
		Help:        "Threshold sweep runs by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "quotaguard_sweep_duration_seconds",
		Help:        "Threshold sweep latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	})
	sweepRuleError := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "quotaguard_sweep_rule_errors_total",
		Help:        "Per-rule sweep failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	sweepRules := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "quotaguard_sweep_rules_evaluated_total",
		Help:        "Rules evaluated by threshold sweeps.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		checks,
		checkDuration,
		cacheLookups,
		notifications,
		usageIngested,
		sweepRuns,
		sweepDuration,
		sweepRuleError,
		sweepRules,
	)

	return &ThresholdMetrics{
		checks:         checks,
		checkDuration:  checkDuration,
		cacheLookups:   cacheLookups,
		notifications:  notifications,
		usageIngested:  usageIngested,
		sweepRuns:      sweepRuns,
		sweepDuration:  sweepDuration,
		sweepRuleError: sweepRuleError,
		sweepRules:     sweepRules,
	}
}

// ObserveCheck records a limit check result and its latency.
func (m *ThresholdMetrics) ObserveCheck(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result).Inc()
	m.checkDuration.Observe(duration.Seconds())
}

// IncCacheLookup increments the cache lookup counter.
func (m *ThresholdMetrics) IncCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// IncNotification increments the notification counter.
func (m *ThresholdMetrics) IncNotification(source, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(source, outcome).Inc()
}

// AddUsageIngested adds count events under status.
func (m *ThresholdMetrics) AddUsageIngested(status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.usageIngested.WithLabelValues(status).Add(float64(count))
}

// ObserveSweep records a sweep run.
func (m *ThresholdMetrics) ObserveSweep(rules int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(duration.Seconds())
	if rules > 0 {
		m.sweepRules.Add(float64(rules))
	}
}

// IncSweepRuleError increments per-rule sweep failures with classification.
func (m *ThresholdMetrics) IncSweepRuleError(err error) {
	if m == nil || err == nil {
		return
	}
	m.sweepRuleError.WithLabelValues(ClassifyJobReason(err)).Inc()
}

// ClassifyJobReason maps background job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
