// Package ratecontrol throttles outbound tool calls per tool using token-bucket limiters.
package ratecontrol

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM    int `yaml:"default_rpm"`
		DefaultBurst  int `yaml:"default_burst"`
		ToolOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"tool_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is a requests-per-minute budget with a burst allowance.
type RateLimit struct {
	RPM   int
	Burst int
}

var builtInToolLimits = map[string]RateLimit{
	"web_search":      {RPM: 60, Burst: 5},
	"html_collector":  {RPM: 120, Burst: 10},
	"browser_capture": {RPM: 20, Burst: 2},
	"ai_analysis":     {RPM: 30, Burst: 3},
}

// Controller hands out one limiter per tool. Limits come from the yaml file (if any),
// then built-in tool limits, then the default.
type Controller struct {
	mu       sync.Mutex
	cfg      config
	limiters map[string]*rate.Limiter
}

// New returns a controller with built-in limits only.
func New() *Controller {
	return &Controller{limiters: make(map[string]*rate.Limiter)}
}

// LoadFile returns a controller configured from a yaml file. An empty path
// falls back to built-in limits.
func LoadFile(path string) (*Controller, error) {
	c := New()
	if path == "" {
		return c, nil
	}
	if err := c.Reload(path); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the configuration and resets every limiter.
func (c *Controller) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rate limit config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse rate limit config %s: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.limiters = make(map[string]*rate.Limiter)
	return nil
}

// LimitForTool resolves the effective limit for a tool.
func (c *Controller) LimitForTool(tool string) RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limitLocked(tool)
}

func (c *Controller) limitLocked(tool string) RateLimit {
	key := strings.ToLower(strings.TrimSpace(tool))
	def := RateLimit{RPM: c.cfg.RateLimits.DefaultRPM, Burst: c.cfg.RateLimits.DefaultBurst}
	if override, ok := c.cfg.RateLimits.ToolOverrides[key]; ok {
		return CombineLimits(RateLimit{RPM: override.RPM, Burst: override.Burst}, def)
	}
	if limit, ok := builtInToolLimits[key]; ok {
		return CombineLimits(limit, def)
	}
	return def
}

// Limiter returns the shared limiter for a tool, or nil when the tool is unlimited.
func (c *Controller) Limiter(tool string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[tool]; ok {
		return l
	}
	limit := c.limitLocked(tool)
	var l *rate.Limiter
	if limit.RPM > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.RPM)), burst)
	}
	c.limiters[tool] = l
	return l
}

// Wait blocks until the tool may issue one more request or ctx is done.
func (c *Controller) Wait(ctx context.Context, tool string) error {
	if c == nil {
		return nil
	}
	l := c.Limiter(tool)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// CombineLimits takes the stricter positive value of each field.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{
		RPM:   minPositive(a.RPM, b.RPM),
		Burst: minPositive(a.Burst, b.Burst),
	}
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	if limit.Burst == 0 {
		limit.Burst = max(a.Burst, b.Burst)
	}
	return limit
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}
