package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
)

type fakeChecker struct {
	name     string
	critical bool
	status   CheckStatus
	delay    time.Duration
}

func (f *fakeChecker) Name() string           { return f.name }
func (f *fakeChecker) IsCritical() bool       { return f.critical }
func (f *fakeChecker) Timeout() time.Duration { return 50 * time.Millisecond }

func (f *fakeChecker) Check(ctx context.Context) CheckResult {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
		}
	}
	return CheckResult{Status: f.status}
}

func newManager(t *testing.T, checkers ...Checker) *Manager {
	t.Helper()
	m := NewManager(zaptest.NewLogger(t))
	for _, c := range checkers {
		require.NoError(t, m.RegisterChecker(c))
	}
	return m
}

func TestRegisterCheckerRejectsDuplicates(t *testing.T) {
	m := newManager(t, &fakeChecker{name: "database"})
	assert.Error(t, m.RegisterChecker(&fakeChecker{name: "database"}))
	assert.Error(t, m.RegisterChecker(&fakeChecker{}))
	assert.Equal(t, []string{"database"}, m.Names())
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		status   CheckStatus
		ready    bool
	}{
		{"none registered", nil, StatusUnknown, false},
		{"all healthy", []Checker{
			&fakeChecker{name: "database", critical: true, status: StatusHealthy},
			&fakeChecker{name: "redis", status: StatusHealthy},
		}, StatusHealthy, true},
		{"non-critical failure degrades", []Checker{
			&fakeChecker{name: "database", critical: true, status: StatusHealthy},
			&fakeChecker{name: "redis", status: StatusUnhealthy},
		}, StatusDegraded, true},
		{"critical failure is not ready", []Checker{
			&fakeChecker{name: "database", critical: true, status: StatusUnhealthy},
			&fakeChecker{name: "redis", status: StatusHealthy},
		}, StatusUnhealthy, false},
		{"critical timeout is not ready", []Checker{
			&fakeChecker{name: "database", critical: true, status: StatusHealthy, delay: time.Second},
		}, StatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, tt.checkers...)
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tt.status, overall.Status)
			assert.Equal(t, tt.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestDetailedHealthSummaryAndCache(t *testing.T) {
	m := newManager(t,
		&fakeChecker{name: "database", critical: true, status: StatusHealthy},
		&fakeChecker{name: "redis", status: StatusDegraded},
	)
	assert.Empty(t, m.CachedHealth().Components)

	d := m.GetDetailedHealth(context.Background())
	assert.Equal(t, HealthSummary{Total: 2, Healthy: 1, Degraded: 1, Critical: 1, NonCritical: 1}, d.Summary)
	assert.Equal(t, "redis", d.Components["redis"].Component)
	assert.True(t, d.Components["database"].Critical)

	cached := m.CachedHealth()
	assert.Equal(t, d.Summary, cached.Summary)
	assert.Equal(t, StatusDegraded, cached.Overall.Status)
}

func TestDatabaseChecker(t *testing.T) {
	raw, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	w := circuitbreaker.NewDatabaseWrapper(raw, zaptest.NewLogger(t))

	c := NewDatabaseChecker(w)
	assert.True(t, c.IsCritical())
	r := c.Check(context.Background())
	assert.NotEqual(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "sqlite3", r.Details["driver"])

	require.NoError(t, w.Close())
	r = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.NotEmpty(t, r.Error)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisChecker("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	assert.False(t, c.IsCritical())
	assert.NotEqual(t, StatusUnhealthy, c.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestExecutionsChecker(t *testing.T) {
	active := []string{"exec-1", "exec-2", "exec-3"}
	c := NewExecutionsChecker(func() []string { return active }, 2)
	r := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, 3, r.Details["active"])

	assert.Equal(t, StatusHealthy, NewExecutionsChecker(func() []string { return active }, 0).Check(context.Background()).Status)
}

func TestBreakerChecker(t *testing.T) {
	collector := circuitbreaker.NewMetricsCollector()
	c := NewBreakerChecker(collector)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	cb := circuitbreaker.NewCircuitBreaker("web_search", circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}, zaptest.NewLogger(t))
	collector.RegisterCircuitBreaker("web_search", "tool", cb)
	_ = cb.Execute(context.Background(), func() error { return errors.New("upstream down") })

	r := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, []string{"tool:web_search"}, r.Details["open"])
}

func TestHTTPHandler(t *testing.T) {
	m := newManager(t, &fakeChecker{name: "database", critical: true, status: StatusUnhealthy})
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	get := func(path string) (int, map[string]interface{}) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])

	code, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["ready"])

	code, _ = get("/health/live")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/health/detailed")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "unhealthy", components["database"].(map[string]interface{})["status"])

	resp, err := http.Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
