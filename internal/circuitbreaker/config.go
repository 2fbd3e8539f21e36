package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Kind selects the default tuning for a class of downstream.
type Kind string

const (
	KindDatabase Kind = "db"
	KindRedis    Kind = "redis"
	KindHTTP     Kind = "http"
)

var kindDefaults = map[Kind]Config{
	KindDatabase: {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	KindRedis:    {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	KindHTTP:     {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
}

// ConfigFor returns the tuning for kind with CB_<KIND>_* overrides from the
// environment applied, e.g. CB_HTTP_FAILURE_THRESHOLD=5 or CB_DB_TIMEOUT=1m.
// Unparseable values are ignored.
func ConfigFor(kind Kind) Config {
	cfg, ok := kindDefaults[kind]
	if !ok {
		cfg = DefaultConfig()
	}
	prefix := "CB_" + strings.ToUpper(string(kind)) + "_"

	counts := map[string]*uint32{
		"MAX_REQUESTS":      &cfg.MaxRequests,
		"FAILURE_THRESHOLD": &cfg.FailureThreshold,
		"SUCCESS_THRESHOLD": &cfg.SuccessThreshold,
	}
	for suffix, dst := range counts {
		if v, err := strconv.ParseUint(os.Getenv(prefix+suffix), 10, 32); err == nil {
			*dst = uint32(v)
		}
	}
	durations := map[string]*time.Duration{
		"INTERVAL": &cfg.Interval,
		"TIMEOUT":  &cfg.Timeout,
	}
	for suffix, dst := range durations {
		if d, err := time.ParseDuration(os.Getenv(prefix + suffix)); err == nil {
			*dst = d
		}
	}
	return cfg
}
