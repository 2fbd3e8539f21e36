package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diligence_circuit_breaker_state",
		Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
	}, []string{"name", "service"})

	breakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diligence_circuit_breaker_requests_total",
		Help: "Requests through circuit breakers by state and result",
	}, []string{"name", "service", "state", "result"})

	breakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diligence_circuit_breaker_failures_total",
		Help: "Failed requests through circuit breakers",
	}, []string{"name", "service"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diligence_circuit_breaker_state_changes_total",
		Help: "Circuit breaker state transitions",
	}, []string{"name", "service", "from_state", "to_state"})

	breakerOpenSince = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diligence_circuit_breaker_open_since_seconds",
		Help: "Unix time the breaker last opened, 0 while not open",
	}, []string{"name", "service"})
)

type tracked struct {
	name    string
	service string
	cb      *CircuitBreaker
}

// MetricsCollector exports breaker state and answers which breakers are open
// for the health endpoint.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[string]tracked
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[string]tracked)}
}

// GlobalMetricsCollector holds every breaker created by the wrappers.
var GlobalMetricsCollector = NewMetricsCollector()

// RegisterCircuitBreaker tracks cb under service:name. Registering the same
// key again replaces the earlier breaker.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	mc.breakers[service+":"+name] = tracked{name: name, service: service, cb: cb}
	mc.mu.Unlock()

	breakerState.WithLabelValues(name, service).Set(float64(cb.State()))
	cb.observe(func(_ string, from, to State) {
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	})
}

func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		breakerFailures.WithLabelValues(name, service).Inc()
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Refresh re-exports every breaker's state. Open breakers only move to
// half-open when asked, so the gauge would otherwise lag an idle downstream.
func (mc *MetricsCollector) Refresh() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, b := range mc.breakers {
		breakerState.WithLabelValues(b.name, b.service).Set(float64(b.cb.State()))
	}
}

// OpenBreakers returns the sorted service:name keys of open breakers.
func (mc *MetricsCollector) OpenBreakers() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	var open []string
	for key, b := range mc.breakers {
		if b.cb.State() == StateOpen {
			open = append(open, key)
		}
	}
	sort.Strings(open)
	return open
}

// StartMetricsCollection refreshes the global collector every interval until
// ctx ends.
func StartMetricsCollection(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				GlobalMetricsCollector.Refresh()
			}
		}
	}()
}

// guard pairs a registered breaker with its metric labels.
type guard struct {
	cb      *CircuitBreaker
	name    string
	service string
}

func newGuard(name, service string, kind Kind, logger *zap.Logger) guard {
	cb := NewCircuitBreaker(name, ConfigFor(kind), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return guard{cb: cb, name: name, service: service}
}

// call runs fn through the breaker. Errors for which benign reports true go
// back to the caller without counting as a downstream failure.
func (g guard) call(ctx context.Context, fn func() error, benign func(error) bool) error {
	var opErr error
	err := g.cb.Execute(ctx, func() error {
		opErr = fn()
		if opErr != nil && benign != nil && benign(opErr) {
			return nil
		}
		return opErr
	})
	GlobalMetricsCollector.RecordRequest(g.name, g.service, g.cb.State(), err == nil)
	if err != nil {
		return err
	}
	return opErr
}

func (g guard) tripped() bool { return g.cb.State() == StateOpen }
