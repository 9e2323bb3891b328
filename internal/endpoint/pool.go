package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the opaque leased resource a pool manages: callers
// never see the concrete connection type, only this small surface.
type Transport interface {
	Close() error
}

// Dialer opens a new Transport for an endpoint. Supplied by the driver
// that owns the protocol (Modbus/TCP, OPC-UA, ...).
type Dialer func(ctx context.Context, cfg *Config) (Transport, error)

// Handle is a leased connection slot. It must be released on every exit
// path (including error paths); Release is idempotent.
type Handle struct {
	pool      *Pool
	transport Transport
	token     uint64
	leasedAt  time.Time
	released  atomic.Bool
}

// Transport returns the underlying leased resource.
func (h *Handle) Transport() Transport { return h.transport }

// Release returns the slot to the pool. Safe to call more than once.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.pool.release(h)
}

// Outcome classifies how a leased Handle's use concluded, consumed by
// the breaker.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

// ReportOutcome feeds the breaker and, for non-success outcomes, marks
// the underlying transport as unfit for reuse.
func (h *Handle) ReportOutcome(o Outcome) {
	h.pool.reportOutcome(h, o)
}

type idleConn struct {
	transport Transport
	idleSince time.Time
	createdAt time.Time
}

// Pool multiplexes a bounded number of physical connections to one
// Endpoint, gated by a Breaker and observed by a Watermark over the
// pool's in-use connection count (capacity Pool.Max).
type Pool struct {
	cfg     *Config
	dial    Dialer
	breaker *Breaker
	wm      *Watermark

	mu      sync.Mutex
	idle    []*idleConn
	inUse   int
	waiters []chan struct{}
	closed  bool

	tokenSeq atomic.Uint64
}

// NewPool constructs a Pool for the given Config and Dialer.
func NewPool(cfg *Config, dial Dialer) *Pool {
	return &Pool{
		cfg:     cfg,
		dial:    dial,
		breaker: NewBreaker(cfg),
		wm:      NewWatermark("endpoint."+cfg.ID, cfg.Pool.Max, cfg.WatermarkHigh, cfg.WatermarkLow),
	}
}

// Breaker exposes the pool's circuit breaker for inspection/tests.
func (p *Pool) Breaker() *Breaker { return p.breaker }

// Watermark exposes the pool's backpressure controller.
func (p *Pool) Watermark() *Watermark { return p.wm }

// Acquire leases a connection slot. The hot path (an idle slot already
// available) never dials and never blocks. If no idle slot exists and
// the pool is below max, Acquire dials a new one. Above max, it queues
// until deadline.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if !p.breaker.Allow() {
		return nil, ErrBroken
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Hot acquire: reuse an idle slot with no allocation.
	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.wm.Update(p.inUse)
		p.mu.Unlock()
		return p.newHandle(ic.transport), nil
	}

	if p.inUse < p.cfg.Pool.Max {
		p.inUse++
		p.wm.Update(p.inUse)
		p.mu.Unlock()
		t, err := p.dial(ctx, p.cfg)
		if err != nil {
			p.mu.Lock()
			p.inUse--
			p.wm.Update(p.inUse)
			p.mu.Unlock()
			p.breaker.ReportOutcome(false, errIsDeadline(err))
			return nil, err
		}
		return p.newHandle(t), nil
	}

	// At capacity: queue until a slot frees or the deadline elapses.
	wait := make(chan struct{}, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	select {
	case <-wait:
		return p.Acquire(ctx)
	case <-ctx.Done():
		p.removeWaiter(wait)
		return nil, ErrTimeout
	}
}

func (p *Pool) newHandle(t Transport) *Handle {
	return &Handle{pool: p, transport: t, token: p.tokenSeq.Add(1), leasedAt: time.Now()}
}

func (p *Pool) removeWaiter(target chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) wakeOneWaiter() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

// release returns the slot to the idle list (or, if the pool has since
// closed, closes the transport outright) and wakes one waiter.
func (p *Pool) release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--
	p.wm.Update(p.inUse)

	if p.closed {
		_ = h.transport.Close()
		return
	}

	p.idle = append(p.idle, &idleConn{transport: h.transport, idleSince: time.Now(), createdAt: h.leasedAt})
	p.wakeOneWaiter()
}

// reportOutcome feeds the breaker and drops a failed transport instead
// of returning it to the idle list.
func (p *Pool) reportOutcome(h *Handle, o Outcome) {
	success := o == OutcomeSuccess
	p.breaker.ReportOutcome(success, o == OutcomeTimeout)
	if !success {
		// Transport errors during use release the slot without reuse.
		if h.released.Swap(true) {
			return
		}
		p.mu.Lock()
		p.inUse--
		p.wm.Update(p.inUse)
		p.wakeOneWaiter()
		p.mu.Unlock()
		_ = h.transport.Close()
	}
}

// Close tears the pool down, closing every idle transport and unblocking
// any queued waiters with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	var firstErr error
	for _, ic := range idle {
		if err := ic.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats is a point-in-time snapshot of pool occupancy, useful for tests
// and metrics exposition.
type Stats struct {
	Idle    int
	InUse   int
	Waiters int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), InUse: p.inUse, Waiters: len(p.waiters)}
}

func errIsDeadline(err error) bool {
	return err == context.DeadlineExceeded
}
