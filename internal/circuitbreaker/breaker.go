// Package circuitbreaker guards calls to the pipeline's downstreams (tool
// providers, the evidence database, Redis caches and alert endpoints) so a
// failing dependency is skipped quickly instead of consuming stage retries.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// State of a breaker. The numeric value is what the state gauge exports.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{"closed", "half-open", "open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Rejections are transient: the caller may retry once the breaker recovers.
var (
	ErrCircuitBreakerOpen = errs.Mark(errs.New("circuit breaker is open"), errs.ErrTransient)
	ErrTooManyRequests    = errs.Mark(errs.New("too many requests in half-open state"), errs.ErrTransient)
)

// IsRejection reports whether err came from a breaker refusing a call.
func IsRejection(err error) bool {
	return errs.Is(err, ErrCircuitBreakerOpen) || errs.Is(err, ErrTooManyRequests)
}

// Config tunes a breaker. A zero Interval keeps closed-state counts until the
// next transition.
type Config struct {
	MaxRequests      uint32        // probes admitted while half-open
	Interval         time.Duration // closed-state count window
	Timeout          time.Duration // open period before probing
	FailureThreshold uint32        // consecutive failures that open a closed breaker
	SuccessThreshold uint32        // consecutive probe successes that close it again
	OnStateChange    func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts cover the current window only; every transition starts a new one.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	window    uint64
	counts    Counts
	deadline  time.Time
	observers []func(name string, from, to State)
}

func NewCircuitBreaker(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, logger: logger, now: time.Now}
	cb.resetWindow(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open or its half-open probes are used
// up. Calls that fail because ctx ended are not held against the downstream,
// and a done ctx is returned without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	window, err := cb.admit()
	if err != nil {
		return err
	}
	ok := false
	defer func() { cb.settle(window, ok) }()

	err = fn()
	ok = err == nil || ctx.Err() != nil
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.advance(cb.now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.now())
	return cb.counts
}

// observe adds a transition hook alongside Config.OnStateChange.
func (cb *CircuitBreaker) observe(fn func(name string, from, to State)) {
	cb.mu.Lock()
	cb.observers = append(cb.observers, fn)
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.advance(cb.now()) {
	case StateOpen:
		return cb.window, ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.MaxRequests {
			return cb.window, ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return cb.window, nil
}

// settle records the outcome of a call admitted in window. Outcomes from an
// earlier window are dropped.
func (cb *CircuitBreaker) settle(window uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.advance(now)
	if window != cb.window {
		return
	}
	if ok {
		cb.counts.success()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}
	cb.counts.failure()
	if state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// advance applies deadline-driven changes: a closed window rolls over and an
// open breaker starts probing.
func (cb *CircuitBreaker) advance(now time.Time) State {
	if cb.deadline.IsZero() || now.Before(cb.deadline) {
		return cb.state
	}
	switch cb.state {
	case StateClosed:
		cb.resetWindow(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.resetWindow(now)

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	for _, fn := range cb.observers {
		fn(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.window++
	cb.counts = Counts{}
	cb.deadline = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	}
}
