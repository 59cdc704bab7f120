package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/observability"
	obslogger "github.com/smallbiznis/quotaguard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	obstracing "github.com/smallbiznis/quotaguard/internal/observability/tracing"
	"github.com/smallbiznis/quotaguard/internal/ratelimit"
	thresholddomain "github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/smallbiznis/quotaguard/internal/threshold/service"
	"github.com/smallbiznis/quotaguard/internal/threshold/sweeper"
	usagedomain "github.com/smallbiznis/quotaguard/internal/usage/domain"
	"github.com/smallbiznis/quotaguard/internal/usage/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(
		func(e *service.Engine) LimitChecker { return e },
		func(b *events.Bus) UsageStream { return b },
	),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// LimitChecker is the enforcement surface of the threshold engine.
type LimitChecker interface {
	CheckLimits(ctx context.Context, tenantID, agentName string) (*thresholddomain.LimitExceeded, error)
	InvalidateCache(tenantID, agentName string)
}

// SweepRunner triggers an out-of-schedule sweep.
type SweepRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// UsageStream hands out per-user ingest subscriptions.
type UsageStream interface {
	ForUser(userID string) (*events.Subscription, error)
}

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Base:            log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	limits        LimitChecker
	usagesvc      usagedomain.Service
	stream        UsageStream
	sweeps        SweepRunner
	usageLimiter  *ratelimit.UsageIngestLimiter
	domainMetrics *obsmetrics.Metrics
	heartbeat     time.Duration
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Limits        LimitChecker
	Usagesvc      usagedomain.Service
	Stream        UsageStream                   `optional:"true"`
	Sweeper       *sweeper.Scheduler            `optional:"true"`
	UsageLimiter  *ratelimit.UsageIngestLimiter `optional:"true"`
	DomainMetrics *obsmetrics.Metrics           `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		limits:        p.Limits,
		usagesvc:      p.Usagesvc,
		stream:        p.Stream,
		usageLimiter:  p.UsageLimiter,
		domainMetrics: p.DomainMetrics,
		heartbeat:     15 * time.Second,
	}
	if p.Sweeper != nil {
		svc.sweeps = p.Sweeper
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	api.POST("/usage", s.UsageIngestRateLimit(), s.IngestUsage)
	api.GET("/usage/stream", s.StreamUsageEvents)
	api.GET("/limits/:tenant_id/:agent_name", s.CheckLimits)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalAuthRequired())

	internal.POST("/rules/invalidate", s.InvalidateRules)
	internal.POST("/sweep", s.RunSweep)
}
