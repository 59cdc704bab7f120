package threshold

import (
	"github.com/smallbiznis/quotaguard/internal/cache"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/threshold/repository"
	"github.com/smallbiznis/quotaguard/internal/threshold/service"
	"github.com/smallbiznis/quotaguard/internal/usage/events"
	"go.uber.org/fx"
)

// Module wires the enforcement engine and the notify pipeline. The sweep
// scheduler lives in sweeper.Module so API-only processes can leave it out.
var Module = fx.Module("threshold",
	repository.Module,
	fx.Provide(
		provideLimitCache,
		provideIngestSource,
		service.NewRecipientResolver,
		service.NewNotifier,
		service.NewEngine,
		service.NewSweeper,
	),
	fx.Invoke(registerEngineLifecycle),
)

func registerEngineLifecycle(lc fx.Lifecycle, engine *service.Engine) {
	lc.Append(fx.Hook{
		OnStop: engine.Shutdown,
	})
}

func provideLimitCache(clk clock.Clock, cfg config.Config) cache.LimitCache {
	return cache.NewLimitCache(clk, cfg.Threshold.CacheTTL)
}

func provideIngestSource(bus *events.Bus) service.IngestSource {
	return bus
}
