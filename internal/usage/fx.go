package usage

import (
	"context"

	"github.com/smallbiznis/quotaguard/internal/config"
	usagedomain "github.com/smallbiznis/quotaguard/internal/usage/domain"
	"github.com/smallbiznis/quotaguard/internal/usage/events"
	"github.com/smallbiznis/quotaguard/internal/usage/repository"
	"github.com/smallbiznis/quotaguard/internal/usage/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("usage",
	fx.Provide(
		provideBus,
		provideEmitter,
		repository.ProvideConsumption,
		service.NewService,
	),
)

func provideBus(lc fx.Lifecycle, log *zap.Logger, cfg config.Config) *events.Bus {
	bus := events.NewBus(log, cfg.Threshold.IngestDebounce)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			bus.Close()
			return nil
		},
	})
	return bus
}

func provideEmitter(bus *events.Bus) usagedomain.Emitter {
	return bus
}
