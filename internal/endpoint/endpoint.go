// Package endpoint implements a bounded connection
// pool per addressable transport target, a three-state circuit breaker
// gating misbehaving endpoints, and a backpressure watermark controller.
//
// Config follows a zero-value-is-sane shape built from functional
// options and validated once before use.
package endpoint

import (
	"errors"
	"net/url"
	"time"
)

var (
	// ErrInvalidConfig is returned when an Endpoint's options are
	// contradictory (e.g. pool max < pool min).
	ErrInvalidConfig = errors.New("endpoint: invalid configuration")
	// ErrTimeout is returned by Acquire when the deadline elapses before
	// a slot becomes available.
	ErrTimeout = errors.New("endpoint: acquire timeout")
	// ErrBroken is returned by Acquire while the endpoint's breaker is Open.
	ErrBroken = errors.New("endpoint: circuit open")
	// ErrClosed is returned once the endpoint's pool has been torn down.
	ErrClosed = errors.New("endpoint: pool closed")
)

// TLSParams mirrors the endpoints.yml tls{server_name,verify_cert} block.
type TLSParams struct {
	ServerName string
	VerifyCert bool
}

// PoolLimits mirrors endpoints.yml pool{min,max,idle_timeout,max_lifetime}.
type PoolLimits struct {
	Min         int
	Max         int
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

// Config describes one configured Endpoint.
type Config struct {
	ID      string
	URL     *url.URL
	Timeout time.Duration
	Pool    PoolLimits
	TLS     TLSParams

	// BreakerFailureRatio is the rolling-window failure ratio that trips
	// the breaker to Open (default 0.5 over BreakerWindow samples).
	BreakerFailureRatio float64
	BreakerWindow       int
	// BreakerTimeoutStreak is the number of consecutive hard timeouts
	// that trips the breaker regardless of ratio.
	BreakerTimeoutStreak int
	BreakerCooldown      time.Duration
	BreakerCooldownCap   time.Duration

	// WatermarkHigh/Low are the hysteresis thresholds for the queue this
	// endpoint's consumers should honour (default 0.8/0.6).
	WatermarkHigh float64
	WatermarkLow  float64
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithTimeout overrides the per-operation network timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithPool overrides the pool sizing limits.
func WithPool(p PoolLimits) Option {
	return func(c *Config) { c.Pool = p }
}

// WithTLS overrides the TLS parameters.
func WithTLS(t TLSParams) Option {
	return func(c *Config) { c.TLS = t }
}

// WithBreaker overrides the circuit breaker tuning.
func WithBreaker(ratio float64, window int, timeoutStreak int, cooldown, cooldownCap time.Duration) Option {
	return func(c *Config) {
		if ratio > 0 {
			c.BreakerFailureRatio = ratio
		}
		if window > 0 {
			c.BreakerWindow = window
		}
		if timeoutStreak > 0 {
			c.BreakerTimeoutStreak = timeoutStreak
		}
		if cooldown > 0 {
			c.BreakerCooldown = cooldown
		}
		if cooldownCap > 0 {
			c.BreakerCooldownCap = cooldownCap
		}
	}
}

// WithWatermarks overrides the backpressure hysteresis thresholds.
func WithWatermarks(high, low float64) Option {
	return func(c *Config) {
		if high > 0 {
			c.WatermarkHigh = high
		}
		if low > 0 {
			c.WatermarkLow = low
		}
	}
}

const (
	DefaultTimeout              = 5 * time.Second
	DefaultPoolMin              = 1
	DefaultPoolMax              = 8
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultMaxLifetime          = 30 * time.Minute
	DefaultBreakerFailureRatio  = 0.5
	DefaultBreakerWindow        = 20
	DefaultBreakerTimeoutStreak = 10
	DefaultBreakerCooldown      = 5 * time.Second
	DefaultBreakerCooldownCap   = 2 * time.Minute
	DefaultWatermarkHigh        = 0.8
	DefaultWatermarkLow         = 0.6
)

func defaultConfig(id string, u *url.URL) *Config {
	return &Config{
		ID:      id,
		URL:     u,
		Timeout: DefaultTimeout,
		Pool: PoolLimits{
			Min:         DefaultPoolMin,
			Max:         DefaultPoolMax,
			IdleTimeout: DefaultIdleTimeout,
			MaxLifetime: DefaultMaxLifetime,
		},
		BreakerFailureRatio:  DefaultBreakerFailureRatio,
		BreakerWindow:        DefaultBreakerWindow,
		BreakerTimeoutStreak: DefaultBreakerTimeoutStreak,
		BreakerCooldown:      DefaultBreakerCooldown,
		BreakerCooldownCap:   DefaultBreakerCooldownCap,
		WatermarkHigh:        DefaultWatermarkHigh,
		WatermarkLow:         DefaultWatermarkLow,
	}
}

// NewConfig builds a validated Config for endpoint id/url from defaults
// plus options, in the same apply-then-validate idiom used throughout
// this package's Option set.
func NewConfig(id string, u *url.URL, opts ...Option) (*Config, error) {
	cfg := defaultConfig(id, u)
	for _, o := range opts {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that a Config is internally consistent.
func (c *Config) Validate() error {
	if c.ID == "" || c.URL == nil {
		return ErrInvalidConfig
	}
	if c.Pool.Min < 0 || c.Pool.Max <= 0 || c.Pool.Min > c.Pool.Max {
		return ErrInvalidConfig
	}
	if c.WatermarkLow >= c.WatermarkHigh {
		return ErrInvalidConfig
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return ErrInvalidConfig
	}
	return nil
}
