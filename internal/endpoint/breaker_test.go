package endpoint

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	u, err := url.Parse("modbus+tcp://10.0.0.5:502")
	require.NoError(t, err)
	cfg, err := NewConfig("plc-1", u,
		WithBreaker(0.5, 20, 10, 50*time.Millisecond, 2*time.Second),
		WithWatermarks(0.8, 0.6),
	)
	require.NoError(t, err)
	return cfg
}

func TestBreaker_TripsOnFailureRatio(t *testing.T) {
	cfg := testConfig(t)
	cfg.BreakerWindow = 20
	cfg.BreakerFailureRatio = 0.5
	b := NewBreaker(cfg)

	for i := 0; i < 10; i++ {
		b.ReportOutcome(false, false)
	}
	for i := 0; i < 10; i++ {
		b.ReportOutcome(true, false)
	}
	// 10 failures / 20 samples = 50% ratio, at the threshold.
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())
}

func TestBreaker_TimeoutStreakTripsRegardlessOfRatio(t *testing.T) {
	cfg := testConfig(t)
	b := NewBreaker(cfg)
	for i := 0; i < cfg.BreakerTimeoutStreak; i++ {
		b.ReportOutcome(false, true)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	cfg := testConfig(t)
	cfg.BreakerCooldown = 10 * time.Millisecond
	b := NewBreaker(cfg)
	fixed := time.Now()
	b.now = func() time.Time { return fixed }

	for i := 0; i < cfg.BreakerTimeoutStreak; i++ {
		b.ReportOutcome(false, true)
	}
	require.Equal(t, StateOpen, b.State())

	fixed = fixed.Add(20 * time.Millisecond)
	b.now = func() time.Time { return fixed }
	require.Equal(t, StateHalfOpen, b.State())
	require.True(t, b.Allow())
	// A second concurrent probe must be refused while one is in flight.
	require.False(t, b.Allow())

	b.ReportOutcome(true, false)
	require.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbeFailureDoublesCooldown(t *testing.T) {
	cfg := testConfig(t)
	cfg.BreakerCooldown = 10 * time.Millisecond
	cfg.BreakerCooldownCap = 1 * time.Second
	b := NewBreaker(cfg)
	fixed := time.Now()
	b.now = func() time.Time { return fixed }

	for i := 0; i < cfg.BreakerTimeoutStreak; i++ {
		b.ReportOutcome(false, true)
	}
	fixed = fixed.Add(20 * time.Millisecond)
	b.now = func() time.Time { return fixed }
	require.Equal(t, StateHalfOpen, b.State())
	b.Allow()
	b.ReportOutcome(false, false)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 20*time.Millisecond, b.curCooldown)
}
