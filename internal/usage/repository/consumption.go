package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	thresholddomain "github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"gorm.io/gorm"
)

type consumptionRepo struct {
	db *gorm.DB
}

// ProvideConsumption returns the aggregate reader over usage_events.
func ProvideConsumption(db *gorm.DB) thresholddomain.ConsumptionReader {
	return &consumptionRepo{db: db}
}

// GetConsumption sums the metric over [start, end) for one tenant+agent with
// a single aggregate query. No rows and NULL both read as zero.
func (r *consumptionRepo) GetConsumption(
	ctx context.Context,
	tenantID string,
	agentName string,
	metric thresholddomain.MetricKind,
	start time.Time,
	end time.Time,
) (float64, error) {
	expr, err := metricExpression(metric)
	if err != nil {
		return 0, err
	}

	var total sql.NullFloat64
	err = r.db.WithContext(ctx).Raw(
		`SELECT SUM(`+expr+`) AS total
		 FROM usage_events
		 WHERE tenant_id = ?
		   AND agent_name = ?
		   AND recorded_at >= ?
		   AND recorded_at < ?`,
		tenantID,
		agentName,
		start.UTC(),
		end.UTC(),
	).Row().Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum %s consumption: %w", metric, err)
	}
	if !total.Valid || math.IsNaN(total.Float64) {
		return 0, nil
	}
	return total.Float64, nil
}

// The expression is chosen from a closed set; it never carries caller input.
func metricExpression(metric thresholddomain.MetricKind) (string, error) {
	switch metric {
	case thresholddomain.MetricTokens:
		return "input_tokens + output_tokens", nil
	case thresholddomain.MetricCost:
		return "cost", nil
	default:
		return "", thresholddomain.ErrInvalidMetric
	}
}
