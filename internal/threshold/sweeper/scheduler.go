package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/ratelimit"
	"github.com/smallbiznis/quotaguard/internal/threshold/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKey = "quotaguard:threshold:sweep:lock"

var ErrSweepInProgress = errors.New("threshold sweep already in progress")

// Runner performs one full threshold sweep.
type Runner interface {
	CheckThresholds(ctx context.Context) (int, error)
}

// Lock guards a sweep across replicas.
type Lock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Config  config.Config
	Sweeper *service.Sweeper
	Locker  *ratelimit.Locker `optional:"true"`
}

// Scheduler runs the sweep on a cron schedule, optionally once at startup.
// Runs never overlap within a process, and a Redis lock keeps replicas from
// sweeping at the same time.
type Scheduler struct {
	log    *zap.Logger
	cfg    config.ThresholdConfig
	runner Runner
	lock   Lock

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runMu sync.Mutex
}

func New(p Params) *Scheduler {
	var lock Lock
	if p.Locker.Enabled() {
		lock = p.Locker
	}
	return newScheduler(p.Log, p.Config.Threshold, p.Sweeper, lock)
}

func newScheduler(log *zap.Logger, cfg config.ThresholdConfig, runner Runner, lock Lock) *Scheduler {
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 10 * time.Minute
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = cfg.SweepTimeout + 5*time.Minute
	}
	return &Scheduler{
		log:    log.Named("threshold.sweeper"),
		cfg:    cfg,
		runner: runner,
		lock:   lock,
	}
}

// Start registers the cron job and kicks off the startup sweep. Disabled
// sweeps and empty schedules leave the scheduler idle.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.cfg.SweepEnabled {
		s.log.Info("threshold sweep disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	if s.cfg.SweepSchedule != "" {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log.Sugar()})))
		if _, err := c.AddFunc(s.cfg.SweepSchedule, func() { s.runScheduled(ctx, "cron") }); err != nil {
			cancel()
			return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSchedule, err)
		}
		c.Start()
		s.cron = c
	} else {
		s.log.Info("sweep schedule not configured, only startup sweep will run")
	}

	s.cancel = cancel
	s.running = true

	if s.cfg.SweepOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runScheduled(ctx, "startup")
		}()
	}

	s.log.Info("threshold sweeper started",
		zap.String("schedule", s.cfg.SweepSchedule),
		zap.Bool("on_startup", s.cfg.SweepOnStartup),
		zap.Bool("distributed_lock", s.lock != nil),
	)
	return nil
}

// Stop cancels in-flight sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.wg.Wait()
	s.running = false
	s.log.Info("threshold sweeper stopped")
}

// NextRun reports the next scheduled sweep, or nil when none is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// RunOnce performs a single sweep under the process and cluster locks.
// It returns ErrSweepInProgress when another sweep holds either lock.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.runMu.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer s.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	if s.lock != nil {
		token, ok, err := s.lock.TryLock(ctx, lockKey, s.cfg.SweepLockTTL)
		switch {
		case err != nil:
			// notification_logs still dedups, so losing the lock only costs duplicate work
			s.log.Warn("sweep lock unavailable, sweeping without it", zap.Error(err))
		case !ok:
			return 0, ErrSweepInProgress
		default:
			defer func() {
				releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer releaseCancel()
				if err := s.lock.Release(releaseCtx, lockKey, token); err != nil {
					s.log.Warn("release sweep lock failed", zap.Error(err))
				}
			}()
		}
	}

	return s.runner.CheckThresholds(ctx)
}

func (s *Scheduler) runScheduled(ctx context.Context, trigger string) {
	sent, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.log.Debug("threshold sweep skipped", zap.String("trigger", trigger))
	case err != nil:
		s.log.Error("threshold sweep failed", zap.String("trigger", trigger), zap.Error(err))
	default:
		s.log.Info("threshold sweep completed", zap.String("trigger", trigger), zap.Int("sent", sent))
	}
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
