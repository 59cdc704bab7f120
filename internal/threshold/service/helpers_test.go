package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 10, 15, 10, 30, 45, 0, time.UTC)

type mockRules struct {
	mock.Mock
}

func (m *mockRules) ListActiveBlockRules(ctx context.Context, tenantID, agentName string) ([]domain.Rule, error) {
	args := m.Called(ctx, tenantID, agentName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Rule), args.Error(1)
}

func (m *mockRules) ListAllActiveRules(ctx context.Context) ([]domain.Rule, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Rule), args.Error(1)
}

type mockConsumption struct {
	mock.Mock
}

func (m *mockConsumption) GetConsumption(ctx context.Context, tenantID, agentName string, metric domain.MetricKind, start, end time.Time) (float64, error) {
	args := m.Called(ctx, tenantID, agentName, metric, start, end)
	return args.Get(0).(float64), args.Error(1)
}

// memoryLogs mimics the unique (rule_id, period_start) index.
type memoryLogs struct {
	mu        sync.Mutex
	entries   map[string]domain.NotificationLog
	existsErr error
	recordErr error
}

func newMemoryLogs() *memoryLogs {
	return &memoryLogs{entries: make(map[string]domain.NotificationLog)}
}

func logKey(ruleID snowflake.ID, periodStart string) string {
	return fmt.Sprintf("%d:%s", ruleID, periodStart)
}

func (l *memoryLogs) Exists(_ context.Context, ruleID snowflake.ID, periodStart string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	_, ok := l.entries[logKey(ruleID, periodStart)]
	return ok, nil
}

func (l *memoryLogs) Record(_ context.Context, entry *domain.NotificationLog) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return false, l.recordErr
	}
	key := logKey(entry.RuleID, entry.PeriodStart)
	if _, ok := l.entries[key]; ok {
		return false, nil
	}
	l.entries[key] = *entry
	return true, nil
}

func (l *memoryLogs) get(ruleID snowflake.ID, periodStart string) (domain.NotificationLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[logKey(ruleID, periodStart)]
	return entry, ok
}

func (l *memoryLogs) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type memoryRecipients struct {
	overrides map[snowflake.ID]string
	primaries map[snowflake.ID]string
	err       error
}

func (r *memoryRecipients) NotificationOverride(_ context.Context, userID snowflake.ID) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.overrides[userID], nil
}

func (r *memoryRecipients) PrimaryEmail(_ context.Context, userID snowflake.ID) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.primaries[userID], nil
}

type sentAlert struct {
	To    string
	Alert domain.Alert
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []sentAlert
	err   error
	delay time.Duration
}

func (s *recordingSender) SendAlert(_ context.Context, to string, alert domain.Alert) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentAlert{To: to, Alert: alert})
	return nil
}

func (s *recordingSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) last() sentAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

var errSMTPDown = errors.New("smtp unavailable")

const ownerID snowflake.ID = 7

type fixture struct {
	clock      *clock.FakeClock
	node       *snowflake.Node
	logs       *memoryLogs
	recipients *memoryRecipients
	sender     *recordingSender
	notifier   *Notifier
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		clock: clock.NewFakeClock(testNow),
		node:  node,
		logs:  newMemoryLogs(),
		recipients: &memoryRecipients{
			overrides: map[snowflake.ID]string{},
			primaries: map[snowflake.ID]string{ownerID: "owner@example.com"},
		},
		sender: &recordingSender{},
	}
	f.notifier = NewNotifier(NotifierParams{
		Log:        zap.NewNop(),
		Clock:      f.clock,
		GenID:      node,
		Logs:       f.logs,
		Recipients: NewRecipientResolver(f.recipients, cfg),
		Sender:     f.sender,
	})
	return f
}

func (f *fixture) rule(metric domain.MetricKind, threshold float64, kind period.Kind, action domain.Action) domain.Rule {
	return domain.Rule{
		ID:          f.node.Generate(),
		TenantID:    "tenant-1",
		AgentID:     "agent-1",
		AgentName:   "support-bot",
		OwnerUserID: ownerID,
		MetricKind:  metric,
		Threshold:   threshold,
		Period:      kind,
		Active:      true,
		Action:      action,
		CreatedAt:   testNow.Add(-24 * time.Hour),
		UpdatedAt:   testNow.Add(-24 * time.Hour),
	}
}
