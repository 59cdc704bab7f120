package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	calls atomic.Int32
	sent  int
	err   error
	block chan struct{}
}

func (r *fakeRunner) CheckThresholds(ctx context.Context) (int, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return r.sent, r.err
}

type fakeLock struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released []string
}

func (l *fakeLock) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.held[key] = "token-1"
	return "token-1", true, nil
}

func (l *fakeLock) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	l.released = append(l.released, key)
	return nil
}

func baseConfig() config.ThresholdConfig {
	return config.ThresholdConfig{
		SweepEnabled:  true,
		SweepSchedule: "@every 1h",
		SweepTimeout:  time.Minute,
		SweepLockTTL:  time.Minute,
	}
}

func TestRunOnceAcquiresAndReleasesLock(t *testing.T) {
	runner := &fakeRunner{sent: 3}
	lock := &fakeLock{}
	s := newScheduler(zap.NewNop(), baseConfig(), runner, lock)

	sent, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{lockKey}, lock.released)
	assert.Empty(t, lock.held)
}

func TestRunOnceSkipsWhenAnotherReplicaHoldsLock(t *testing.T) {
	runner := &fakeRunner{}
	lock := &fakeLock{held: map[string]string{lockKey: "other"}}
	s := newScheduler(zap.NewNop(), baseConfig(), runner, lock)

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Zero(t, runner.calls.Load())
}

func TestRunOnceSweepsWhenLockBackendFails(t *testing.T) {
	runner := &fakeRunner{sent: 1}
	lock := &fakeLock{err: errors.New("redis down")}
	s := newScheduler(zap.NewNop(), baseConfig(), runner, lock)

	sent, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Empty(t, lock.released)
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := newScheduler(zap.NewNop(), baseConfig(), runner, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background())
	}()
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(runner.block)
	<-done
}

func TestRunOncePropagatesRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("list active rules: boom")}
	s := newScheduler(zap.NewNop(), baseConfig(), runner, nil)

	_, err := s.RunOnce(context.Background())
	assert.EqualError(t, err, "list active rules: boom")
}

func TestStartRunsStartupSweep(t *testing.T) {
	runner := &fakeRunner{}
	cfg := baseConfig()
	cfg.SweepOnStartup = true
	s := newScheduler(zap.NewNop(), cfg, runner, nil)

	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	assert.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	next := s.NextRun()
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
}

func TestStartupFailureDoesNotStopScheduler(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db unavailable")}
	cfg := baseConfig()
	cfg.SweepOnStartup = true
	s := newScheduler(zap.NewNop(), cfg, runner, nil)

	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	assert.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, s.NextRun())
}

func TestStopCancelsRunningSweep(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	cfg := baseConfig()
	cfg.SweepOnStartup = true
	s := newScheduler(zap.NewNop(), cfg, runner, nil)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
	assert.Nil(t, s.NextRun())
}

func TestStartInvalidSchedule(t *testing.T) {
	cfg := baseConfig()
	cfg.SweepSchedule = "every now and then"
	s := newScheduler(zap.NewNop(), cfg, &fakeRunner{}, nil)

	assert.Error(t, s.Start())
}

func TestStartDisabled(t *testing.T) {
	runner := &fakeRunner{}
	cfg := baseConfig()
	cfg.SweepEnabled = false
	cfg.SweepOnStartup = true
	s := newScheduler(zap.NewNop(), cfg, runner, nil)

	require.NoError(t, s.Start())
	s.Stop()
	assert.Nil(t, s.NextRun())
	assert.Zero(t, runner.calls.Load())
}
