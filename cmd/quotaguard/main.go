package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/migration"
	"github.com/smallbiznis/quotaguard/internal/observability"
	"github.com/smallbiznis/quotaguard/internal/providers/email"
	"github.com/smallbiznis/quotaguard/internal/ratelimit"
	"github.com/smallbiznis/quotaguard/internal/server"
	"github.com/smallbiznis/quotaguard/internal/threshold"
	"github.com/smallbiznis/quotaguard/internal/threshold/sweeper"
	"github.com/smallbiznis/quotaguard/internal/usage"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		email.Module,
		usage.Module,
		threshold.Module,
		sweeper.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
