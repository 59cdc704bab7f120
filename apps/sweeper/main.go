package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/observability"
	"github.com/smallbiznis/quotaguard/internal/providers/email"
	"github.com/smallbiznis/quotaguard/internal/ratelimit"
	"github.com/smallbiznis/quotaguard/internal/threshold"
	"github.com/smallbiznis/quotaguard/internal/threshold/sweeper"
	"github.com/smallbiznis/quotaguard/internal/usage"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"go.uber.org/fx"
)

// The sweeper runs the reconciliation sweep without the HTTP surface. Run one
// per deployment, or several behind REDIS_ADDR so the sweep lock applies.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		email.Module,
		usage.Module,
		threshold.Module,

		// no HTTP surface
		sweeper.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
