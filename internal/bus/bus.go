// Package bus implements the gateway's frame bus: a bounded, ordered,
// multi-consumer fan-out of the Frame stream every driver publishes
// into and every north-bound adapter subscribes from. Ordering and
// durability are layered on top of a plain atomic-counter idiom: a
// monotonic Seq taken from an atomic counter, then delivered to
// subscribers without blocking the publisher on a slow consumer.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/edgegw/gateway/internal/frame"
)

// ErrEvicted is returned by Since when the requested seq has already
// fallen out of the ring's retention window.
var ErrEvicted = errors.New("bus: requested seq has been evicted from the ring")

// WAL is the narrow persistence contract the bus drives synchronously
// on every Publish, implemented by internal/bus/wal.Store. Keeping it
// as a small local interface (rather than importing the wal package
// directly) avoids a dependency cycle and lets tests use an in-memory
// fake.
type WAL interface {
	Append(ctx context.Context, f frame.Frame) error
}

// Subscription is a live filtered view of the bus, delivered on Ch in
// strictly increasing Seq order. A slow consumer drops frames (counted
// in Dropped) rather than blocking the publisher.
type Subscription struct {
	ID      string
	Ch      <-chan frame.Frame
	filter  Filter
	ch      chan frame.Frame
	dropped atomic.Int64
}

// Dropped reports how many frames this subscription has missed because
// its channel was full when the bus tried to deliver.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus is a bounded ring plus a fan-out of Subscriptions. The ring's
// capacity bounds how far Since can look back; subscribers that need
// durability across a restart read from the WAL instead (see
// internal/fanout/wsbridge).
type Bus struct {
	capacity int
	seq      atomic.Uint64
	wal      WAL

	mu   sync.Mutex
	ring []frame.Frame
	subs map[string]*Subscription
}

// New constructs a Bus with the given ring capacity. wal may be nil,
// in which case Publish skips the durability step entirely (used only
// in tests; production wiring always supplies a wal.Store).
func New(capacity int, wal WAL) *Bus {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Bus{
		capacity: capacity,
		wal:      wal,
		ring:     make([]frame.Frame, capacity),
		subs:     make(map[string]*Subscription),
	}
}

// Publish assigns the next sequence number, appends to the WAL
// (blocking on durability before the frame becomes visible to any
// subscriber), stores it in the ring, and fans it out. The WAL-before-
// visibility ordering means a subscriber can never observe a frame the
// WAL doesn't yet know about, so a crash immediately after delivery
// never loses an acknowledged-to-the-bus frame.
func (b *Bus) Publish(ctx context.Context, f frame.Frame) (uint64, error) {
	seq := b.seq.Add(1)
	f.Seq = seq

	if b.wal != nil {
		if err := b.wal.Append(ctx, f); err != nil {
			return 0, err
		}
	}

	b.mu.Lock()
	b.ring[int(seq%uint64(b.capacity))] = f
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Match(f) {
			continue
		}
		select {
		case s.ch <- f:
		default:
			s.dropped.Add(1)
		}
	}
	return seq, nil
}

// Subscribe registers a new filtered subscriber with the given channel
// buffer depth.
func (b *Bus) Subscribe(id string, filter Filter, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan frame.Frame, bufSize)
	sub := &Subscription{ID: id, Ch: ch, filter: filter, ch: ch}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its delivery channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Since returns the ring's current view of every frame with seq > from,
// in ascending order. It returns ErrEvicted if from predates the ring's
// retention window.
func (b *Bus) Since(from uint64) ([]frame.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.seq.Load()
	if cur > uint64(b.capacity) && from < cur-uint64(b.capacity) {
		return nil, ErrEvicted
	}
	out := make([]frame.Frame, 0, cur-from)
	for s := from + 1; s <= cur; s++ {
		f := b.ring[int(s%uint64(b.capacity))]
		if f.Seq == s {
			out = append(out, f)
		}
	}
	return out, nil
}

// LastSeq returns the highest sequence number assigned so far.
func (b *Bus) LastSeq() uint64 { return b.seq.Load() }

// SeedSeq sets the bus's sequence counter floor after WAL recovery, so
// frame numbering stays monotonic across a restart instead of resetting
// to zero.
func (b *Bus) SeedSeq(seq uint64) {
	for {
		cur := b.seq.Load()
		if seq <= cur || b.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// SubscriberCount reports how many live subscriptions the bus is
// fanning out to, used by admin/status endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
