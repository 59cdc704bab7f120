package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/observability"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/ratelimit"
	thresholddomain "github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/smallbiznis/quotaguard/internal/threshold/sweeper"
	usagedomain "github.com/smallbiznis/quotaguard/internal/usage/domain"
	"github.com/smallbiznis/quotaguard/internal/usage/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLimits struct {
	mu          sync.Mutex
	result      *thresholddomain.LimitExceeded
	err         error
	invalidated []string
}

func (f *fakeLimits) CheckLimits(_ context.Context, tenantID, agentName string) (*thresholddomain.LimitExceeded, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, thresholddomain.ErrInvalidTenant
	}
	return f.result, f.err
}

func (f *fakeLimits) InvalidateCache(tenantID, agentName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, tenantID+":"+agentName)
}

type fakeUsage struct {
	got  usagedomain.IngestRequest
	resp usagedomain.IngestResponse
	err  error
}

func (f *fakeUsage) Ingest(_ context.Context, req usagedomain.IngestRequest) (usagedomain.IngestResponse, error) {
	f.got = req
	return f.resp, f.err
}

type fakeSweeps struct {
	sent int
	err  error
}

func (f *fakeSweeps) RunOnce(context.Context) (int, error) {
	return f.sent, f.err
}

type testServer struct {
	*Server
	limits *fakeLimits
	usage  *fakeUsage
}

func newTestServer(t *testing.T, cfg config.Config, opts ...func(*Server)) *testServer {
	t.Helper()
	limits := &fakeLimits{}
	usage := &fakeUsage{}
	srv := NewServer(ServerParams{
		Gin:      NewEngine(observability.Config{LogLevel: "info"}, zap.NewNop()),
		Cfg:      cfg,
		Log:      zap.NewNop(),
		Limits:   limits,
		Usagesvc: usage,
	})
	for _, opt := range opts {
		opt(srv)
	}
	return &testServer{Server: srv, limits: limits, usage: usage}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCheckLimitsNotExceeded(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := s.do(http.MethodGet, "/v1/limits/t1/support", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exceeded":false}`, rec.Body.String())
}

func TestCheckLimitsExceeded(t *testing.T) {
	s := newTestServer(t, config.Config{})
	s.limits.result = &thresholddomain.LimitExceeded{
		RuleID:     42,
		MetricKind: thresholddomain.MetricCost,
		Threshold:  10,
		Actual:     10,
		Period:     period.Day,
	}

	rec := s.do(http.MethodGet, "/v1/limits/t1/support", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exceeded":true,"limit":{"rule_id":"42","metric_kind":"cost","threshold":10,"actual":10,"period":"day"}}`, rec.Body.String())
}

func TestCheckLimitsStoreFailure(t *testing.T) {
	s := newTestServer(t, config.Config{})
	s.limits.err = errors.New("connection refused")

	rec := s.do(http.MethodGet, "/v1/limits/t1/support", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Type)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestIngestUsage(t *testing.T) {
	s := newTestServer(t, config.Config{})
	s.usage.resp = usagedomain.IngestResponse{Accepted: 2}

	rec := s.do(http.MethodPost, "/v1/usage", map[string]any{
		"tenant_id": "t1",
		"user_id":   "7",
		"items": []map[string]any{
			{"agent_name": "support", "input_tokens": 10},
			{"agent_name": "support", "cost": 0.2},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":2,"deduplicated":0}`, rec.Body.String())
	assert.Equal(t, "t1", s.usage.got.TenantID)
	assert.Len(t, s.usage.got.Items, 2)
}

func TestIngestUsageValidationErrors(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := s.do(http.MethodPost, "/v1/usage", "not an object")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)

	s.usage.err = usagedomain.ErrEmptyBatch
	rec = s.do(http.MethodPost, "/v1/usage", map[string]any{"tenant_id": "t1", "user_id": "7"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "items", payload.Errors[0].Field)
	assert.Equal(t, "empty_batch", payload.Errors[0].Code)
}

func TestIngestUsageRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewUsageIngestLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, UsageIngestTenantRate: 0.001, UsageIngestTenantBurst: 1},
	}, client)
	require.NoError(t, err)

	s := newTestServer(t, config.Config{}, func(srv *Server) { srv.usageLimiter = limiter })
	body := map[string]any{"tenant_id": "t1", "user_id": "7", "items": []map[string]any{{"agent_name": "a"}}}

	rec := s.do(http.MethodPost, "/v1/usage", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	// the limiter must leave the body readable for the handler
	assert.Equal(t, "t1", s.usage.got.TenantID)

	rec = s.do(http.MethodPost, "/v1/usage", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)

	// other tenants have their own bucket
	body["tenant_id"] = "t2"
	rec = s.do(http.MethodPost, "/v1/usage", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestInvalidateRules(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := s.do(http.MethodPost, "/internal/rules/invalidate", map[string]string{"tenant_id": "t1", "agent_name": "support"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"t1:support"}, s.limits.invalidated)

	rec = s.do(http.MethodPost, "/internal/rules/invalidate", map[string]string{"tenant_id": "t1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "agent_name", decodeError(t, rec).Errors[0].Field)
}

func TestInternalRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, config.Config{InternalAPIToken: "s3cret"})
	body := map[string]string{"tenant_id": "t1", "agent_name": "support"}

	rec := s.do(http.MethodPost, "/internal/rules/invalidate", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/internal/rules/invalidate", body, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/internal/rules/invalidate", body, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRunSweep(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := s.do(http.MethodPost, "/internal/sweep", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.sweeps = &fakeSweeps{sent: 3}
	rec = s.do(http.MethodPost, "/internal/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":3}`, rec.Body.String())

	s.sweeps = &fakeSweeps{err: sweeper.ErrSweepInProgress}
	rec = s.do(http.MethodPost, "/internal/sweep", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamUsageEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 10*time.Millisecond)
	t.Cleanup(bus.Close)
	s := newTestServer(t, config.Config{}, func(srv *Server) { srv.stream = bus })

	ts := httptest.NewServer(s.Engine())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/usage/stream?user_id=7", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	// the retry preamble is flushed once the subscription exists
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "retry: 2000\n", line)

	bus.Emit("8")
	bus.Emit("7")

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, line, `"user_id":"7"`)
}

func TestStreamUsageEventsRequiresUser(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 10*time.Millisecond)
	t.Cleanup(bus.Close)
	s := newTestServer(t, config.Config{}, func(srv *Server) { srv.stream = bus })

	rec := s.do(http.MethodGet, "/v1/usage/stream", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_user", decodeError(t, rec).Errors[0].Code)
}
