package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
)

// slowResponse marks a component that answered but took too long.
const slowResponse = 100 * time.Millisecond

// PingChecker probes a dependency with a ping. It backs the database and
// Redis checks.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     func(ctx context.Context) error
	open     func() bool
	details  func() map[string]interface{}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: p.name, Critical: p.critical, Timestamp: start}

	if p.open != nil && p.open() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = p.name + " circuit breaker is open"
		return result
	}

	err := p.ping(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	if p.details != nil {
		for k, v := range p.details() {
			result.Details[k] = v
		}
	}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
	case result.Duration > slowResponse:
		result.Status = StatusDegraded
		result.Message = p.name + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = p.name + " healthy"
	}
	return result
}

// NewDatabaseChecker checks the evidence and ledger database. A saturated
// pool reports degraded.
func NewDatabaseChecker(w *circuitbreaker.DatabaseWrapper) *PingChecker {
	return &PingChecker{
		name:     "database",
		critical: true,
		timeout:  5 * time.Second,
		ping:     w.PingContext,
		open:     w.Tripped,
		details: func() map[string]interface{} {
			stats := w.Stats()
			return map[string]interface{}{
				"driver":               w.DriverName(),
				"open_connections":     stats.OpenConnections,
				"max_open_connections": stats.MaxOpenConnections,
				"in_use_connections":   stats.InUse,
			}
		},
	}
}

// NewRedisChecker checks a Redis client. Redis only backs locks, throttling
// and caches, each with a local fallback, so it is not critical.
func NewRedisChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, timeout: 2 * time.Second, ping: ping}
}

// BreakerChecker reports tool and store circuit breakers that are open.
type BreakerChecker struct {
	collector *circuitbreaker.MetricsCollector
}

func NewBreakerChecker(c *circuitbreaker.MetricsCollector) *BreakerChecker {
	if c == nil {
		c = circuitbreaker.GlobalMetricsCollector
	}
	return &BreakerChecker{collector: c}
}

func (b *BreakerChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(_ context.Context) CheckResult {
	open := b.collector.OpenBreakers()
	result := CheckResult{
		Component: b.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"open": open},
	}
	if len(open) == 0 {
		result.Status = StatusHealthy
		result.Message = "no open circuit breakers"
		return result
	}
	result.Status = StatusDegraded
	result.Message = fmt.Sprintf("%d circuit breaker(s) open: %s", len(open), strings.Join(open, ", "))
	return result
}

// ExecutionsChecker reports how many executions this replica is running.
type ExecutionsChecker struct {
	active func() []string
	limit  int
}

// NewExecutionsChecker degrades once more than limit executions are active; zero disables the limit.
func NewExecutionsChecker(active func() []string, limit int) *ExecutionsChecker {
	return &ExecutionsChecker{active: active, limit: limit}
}

func (e *ExecutionsChecker) Name() string           { return "executions" }
func (e *ExecutionsChecker) IsCritical() bool       { return false }
func (e *ExecutionsChecker) Timeout() time.Duration { return time.Second }

func (e *ExecutionsChecker) Check(_ context.Context) CheckResult {
	n := len(e.active())
	result := CheckResult{
		Component: e.Name(),
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d active execution(s)", n),
		Details:   map[string]interface{}{"active": n},
	}
	if e.limit > 0 && n > e.limit {
		result.Status = StatusDegraded
	}
	return result
}
