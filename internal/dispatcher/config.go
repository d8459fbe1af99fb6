package dispatcher

import (
	"time"
	"webhookd/internal/config"
	"webhookd/pkg/backoff"
	"webhookd/pkg/circuitbreaker"
)

const (
	defaultBatchLimit  = 20
	defaultHTTPTimeout = 10 * time.Second
	defaultLease       = 2 * time.Minute
	defaultConcurrency = 1
	defaultJitter      = 0.1
)

// Config holds dispatch cycle configuration.
type Config struct {
	BatchLimit       int           // entries claimed per cycle (default: 20)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	Lease            time.Duration // claim lease (default: 2m)
	Concurrency      int           // endpoints delivered in parallel (default: 1)
	Jitter           float64       // backoff jitter fraction, 0 disables (default: 0.1)
	BreakerThreshold int           // consecutive host failures before the rest are released (default: 5)
	Schedule         backoff.Schedule
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BatchLimit:       config.GetIntEnv("DISPATCH_BATCH_LIMIT", defaultBatchLimit),
		HTTPTimeout:      config.GetDurationEnv("DISPATCH_HTTP_TIMEOUT", defaultHTTPTimeout),
		Lease:            config.GetDurationEnv("DISPATCH_LEASE", defaultLease),
		Concurrency:      config.GetIntEnv("DISPATCH_CONCURRENCY", defaultConcurrency),
		Jitter:           config.GetFloatEnv("DISPATCH_BACKOFF_JITTER", defaultJitter),
		BreakerThreshold: config.GetIntEnv("DISPATCH_BREAKER_THRESHOLD", circuitbreaker.DefaultThreshold),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults. A negative Jitter is
// treated as disabled.
func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = circuitbreaker.DefaultThreshold
	}
	if len(c.Schedule) == 0 {
		c.Schedule = backoff.DefaultSchedule
	}
	return c
}
