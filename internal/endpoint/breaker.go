package endpoint

import (
	"sync"
	"time"
)

// BreakerState is the three-state circuit breaker state machine.
type BreakerState uint8

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// outcome is one acquire/use result fed to the breaker's rolling window.
type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

// Breaker tracks rolling outcomes for one endpoint and decides whether
// Acquire should fail fast. It never blocks: all transitions are driven
// by ReportOutcome and a clock check inside Allow.
type Breaker struct {
	mu sync.Mutex

	ratio         float64
	window        int
	timeoutStreak int
	cooldown      time.Duration
	cooldownCap   time.Duration

	state          BreakerState
	samples        []outcome // ring buffer, len <= window
	head           int
	filled         int
	timeoutRun     int
	openedAt       time.Time
	curCooldown    time.Duration
	halfOpenInUse  bool
	now            func() time.Time
}

// NewBreaker builds a Closed breaker tuned by the endpoint's Config.
func NewBreaker(cfg *Config) *Breaker {
	return &Breaker{
		ratio:         cfg.BreakerFailureRatio,
		window:        cfg.BreakerWindow,
		timeoutStreak: cfg.BreakerTimeoutStreak,
		cooldown:      cfg.BreakerCooldown,
		cooldownCap:   cfg.BreakerCooldownCap,
		state:         StateClosed,
		samples:       make([]outcome, cfg.BreakerWindow),
		curCooldown:   cfg.BreakerCooldown,
		now:           time.Now,
	}
}

// State returns the breaker's current state, first reconciling whether
// an Open cooldown has elapsed (in which case it flips to HalfOpen).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconcileLocked()
	return b.state
}

func (b *Breaker) reconcileLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.curCooldown {
		b.state = StateHalfOpen
		b.halfOpenInUse = false
	}
}

// Allow reports whether a new acquire should be admitted. In HalfOpen it
// admits exactly one in-flight probe; concurrent callers are told the
// breaker is still Broken until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconcileLocked()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenInUse {
			return false
		}
		b.halfOpenInUse = true
		return true
	default: // Open
		return false
	}
}

// ReportOutcome feeds one acquire/use result into the breaker.
func (b *Breaker) ReportOutcome(success bool, timedOut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenInUse = false
		if success {
			b.reset()
			return
		}
		b.trip()
		return
	}

	var o outcome
	switch {
	case timedOut:
		o = outcomeTimeout
		b.timeoutRun++
	case !success:
		o = outcomeFailure
		b.timeoutRun = 0
	default:
		o = outcomeSuccess
		b.timeoutRun = 0
	}
	b.push(o)

	if b.timeoutRun >= b.timeoutStreak {
		b.trip()
		return
	}
	if b.filled >= b.window && b.failureRatio() >= b.ratio {
		b.trip()
	}
}

func (b *Breaker) push(o outcome) {
	b.samples[b.head] = o
	b.head = (b.head + 1) % b.window
	if b.filled < b.window {
		b.filled++
	}
}

func (b *Breaker) failureRatio() float64 {
	var bad int
	for i := 0; i < b.filled; i++ {
		if b.samples[i] != outcomeSuccess {
			bad++
		}
	}
	return float64(bad) / float64(b.filled)
}

func (b *Breaker) trip() {
	// A HalfOpen probe failing re-opens the breaker just as much as an
	// already-Open breaker tripping again; both double the cooldown.
	wasOpen := b.state == StateOpen || b.state == StateHalfOpen
	b.state = StateOpen
	b.openedAt = b.now()
	b.halfOpenInUse = false
	if wasOpen {
		b.curCooldown *= 2
		if b.curCooldown > b.cooldownCap {
			b.curCooldown = b.cooldownCap
		}
	} else {
		b.curCooldown = b.cooldown
	}
}

func (b *Breaker) reset() {
	b.state = StateClosed
	b.curCooldown = b.cooldown
	b.filled = 0
	b.head = 0
	b.timeoutRun = 0
}
