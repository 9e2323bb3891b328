// Package wsbridge durably backfills a WebSocket client's missed
// telemetry/alert history from the WAL at connect time, and keeps a
// running acknowledgement watermark over the live bus stream so a
// restarted gateway resumes bookkeeping without replaying its entire
// log - the WAL's Recover/MaxSeq/Ack surface generalized from crash
// recovery to an ordinary warm-start replay. Live delivery to already-
// connected clients still flows directly from the bus through each
// wsfanout.Client's own subscription; this package only owns backfill
// and ack bookkeeping.
package wsbridge

import (
	"context"
	"time"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/bus/wal"
	"github.com/edgegw/gateway/internal/frame"
)

const subscriberID = "wsbridge"

// Bridge owns the WAL-backed replay path for reconnecting WebSocket
// clients and the durable ack watermark over the live bus stream.
type Bridge struct {
	b      *bus.Bus
	store  *wal.Store
	sub    *bus.Subscription
	ackInt time.Duration
}

func New(b *bus.Bus, store *wal.Store) *Bridge {
	return &Bridge{
		b:      b,
		store:  store,
		sub:    b.Subscribe(subscriberID, telemetryAndAlertFilter(), 4096),
		ackInt: 2 * time.Second,
	}
}

func telemetryAndAlertFilter() bus.Filter {
	dataKind := frame.KindData
	return bus.Filter{KindFilter: &dataKind, Patterns: []bus.TagPattern{
		{Kind: bus.PatternPrefix, Value: "telemetry."},
		{Kind: bus.PatternPrefix, Value: "alert."},
	}}
}

func matchesTagConvention(f frame.Frame) bool {
	if _, _, ok := frame.ParseTelemetryTag(f.Tag); ok {
		return true
	}
	_, ok := frame.ParseAlertTag(f.Tag)
	return ok
}

// Replay delivers every WAL-persisted telemetry/alert frame matching
// filter, in ascending seq order, to fn - used to backfill a client
// that just connected before it starts receiving the live stream.
func (br *Bridge) Replay(filter bus.Filter, fn func(frame.Frame)) error {
	return br.store.Recover(func(f frame.Frame) error {
		if !matchesTagConvention(f) {
			return nil
		}
		if !filter.Match(f) {
			return nil
		}
		fn(f)
		return nil
	})
}

// Run drains the live bus stream purely to advance the durable ack
// watermark, acknowledging on a fixed interval so a crash loses at most
// ackInt's worth of bookkeeping progress rather than forcing a full
// Replay on every restart.
func (br *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(br.ackInt)
	defer ticker.Stop()

	var highWater uint64
	for {
		select {
		case <-ctx.Done():
			if highWater > 0 {
				_ = br.store.Ack(subscriberID, highWater)
			}
			return nil
		case <-ticker.C:
			if highWater > 0 {
				_ = br.store.Ack(subscriberID, highWater)
			}
		case f, ok := <-br.sub.Ch:
			if !ok {
				return nil
			}
			highWater = f.Seq
		}
	}
}

// Close unsubscribes from the bus.
func (br *Bridge) Close() {
	br.b.Unsubscribe(br.sub.ID)
}
