// Package wal persists the frame bus onto a Pebble LSM store, batching
// writes the way an in-memory counter gets batched to a sink, but
// flushed on a timeout/size pair instead of read on demand. Two logical
// column families - frames and acknowledgement
// watermarks - are emulated as disjoint key prefixes, since Pebble (unlike
// RocksDB) has no native column-family concept.
package wal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/edgegw/gateway/internal/frame"
)

const (
	prefixFrame byte = 0x01
	prefixAck   byte = 0x02

	// DefaultBatchTimeout and DefaultBatchLimit are the batched-writer
	// durability thresholds: flush on whichever comes first.
	DefaultBatchTimeout = 100 * time.Millisecond
	DefaultBatchLimit   = 1000

	// DefaultGCInterval and DefaultCompactThreshold drive the background
	// retention task.
	DefaultGCInterval       = 30 * time.Second
	DefaultCompactThreshold = 4 << 30 // 4 GiB
)

// record is the on-disk encoding of one frame keyed by its sequence
// number, kept deliberately separate from frame.Frame so the wire
// format can evolve independently of the in-memory type.
type record struct {
	Kind      uint8             `json:"k"`
	Seq       uint64            `json:"s"`
	Tag       string            `json:"t"`
	ValueKind uint8             `json:"vk"`
	B         bool              `json:"b,omitempty"`
	I         int64             `json:"i,omitempty"`
	F         float64           `json:"f,omitempty"`
	S         string            `json:"str,omitempty"`
	Bytes     []byte            `json:"by,omitempty"`
	TimeUnix  int64             `json:"tu,omitempty"`
	Quality   uint8             `json:"q"`
	Timestamp int64             `json:"ts"`
	Meta      map[string]string `json:"m,omitempty"`
}

func toRecord(f frame.Frame) record {
	v := f.Value
	return record{
		Kind: uint8(f.Kind), Seq: f.Seq, Tag: f.Tag,
		ValueKind: uint8(v.Kind), B: v.B, I: v.I, F: v.F, S: v.S, Bytes: v.Bytes,
		TimeUnix: v.T.UnixNano(), Quality: uint8(f.Quality),
		Timestamp: f.Timestamp.UnixNano(), Meta: f.Meta,
	}
}

func fromRecord(r record) frame.Frame {
	var v frame.Value
	v.Kind = frame.ValueKind(r.ValueKind)
	v.B, v.I, v.F, v.S, v.Bytes = r.B, r.I, r.F, r.S, r.Bytes
	if r.TimeUnix != 0 {
		v.T = time.Unix(0, r.TimeUnix).UTC()
	}
	return frame.Frame{
		Kind: frame.Kind(r.Kind), Seq: r.Seq, Tag: r.Tag, Value: v,
		Quality: frame.Quality(r.Quality), Timestamp: time.Unix(0, r.Timestamp).UTC(), Meta: r.Meta,
	}
}

func frameKey(seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixFrame
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

func ackKey(subscriberID string) []byte {
	return append([]byte{prefixAck}, []byte(subscriberID)...)
}

// Store is a batched, durable append log for the frame bus. It
// satisfies bus.WAL.
type Store struct {
	db     *pebble.DB
	dir    string
	retain int // retain_frames: 0 means unbounded

	mu       sync.Mutex
	pending  *pebble.Batch
	count    int
	lastErr  error
	commitCh chan struct{} // closed when the current generation's batch commits

	flushC  chan struct{}
	closeC  chan struct{}
	closed  bool
	timeout time.Duration
	limit   int

	wg sync.WaitGroup
}

// Options tunes the batched writer and GC task.
type Options struct {
	BatchTimeout     time.Duration
	BatchLimit       int
	GCInterval       time.Duration
	CompactThreshold int64
	RetainFrames     int
}

// Open opens (or creates) a Pebble-backed WAL at dir and starts its
// background batched-writer and GC tasks.
func Open(dir string, opts Options) (*Store, error) {
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", dir, err)
	}

	s := &Store{
		db: db, dir: dir, retain: opts.RetainFrames,
		pending:  db.NewBatch(),
		commitCh: make(chan struct{}),
		flushC:   make(chan struct{}, 1),
		closeC:   make(chan struct{}),
		timeout:  opts.BatchTimeout,
		limit:    opts.BatchLimit,
	}
	s.wg.Add(2)
	go s.batchLoop()
	go s.gcLoop(opts.GCInterval, opts.CompactThreshold)
	return s, nil
}

// Append stages f into the current batch generation and blocks until
// that generation is durably committed to Pebble, whether the commit is
// triggered by this call filling the batch to its size limit or by the
// background loop's timeout. This is group commit: concurrent Append
// calls within one 100ms/1000-frame window share a single fsync, while
// each caller still only observes its frame as persisted once it truly
// is - preserving the bus's WAL-before-visibility ordering guarantee.
func (s *Store) Append(ctx context.Context, f frame.Frame) error {
	rec := toRecord(f)
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: encode seq %d: %w", f.Seq, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("wal: closed")
	}
	if err := s.pending.Set(frameKey(f.Seq), buf, nil); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("wal: stage seq %d: %w", f.Seq, err)
	}
	s.count++
	full := s.count >= s.limit
	wait := s.commitCh
	s.mu.Unlock()

	if full {
		select {
		case s.flushC <- struct{}{}:
		default:
		}
	}

	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	err = s.lastErr
	s.mu.Unlock()
	return err
}

// flushLocked commits the current batch and rotates in a new generation;
// callers must hold s.mu.
func (s *Store) flushLocked() {
	if s.pending.Empty() {
		return
	}
	err := s.pending.Commit(pebble.Sync)
	s.lastErr = err
	close(s.commitCh)
	s.pending = s.db.NewBatch()
	s.count = 0
	s.commitCh = make(chan struct{})
}

func (s *Store) flushSync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	return s.lastErr
}

// batchLoop commits the pending batch on whichever comes first: the
// BatchTimeout ticker (bounds worst-case latency for a trickle of
// writes) or a flushC signal from an Append that just hit BatchLimit.
func (s *Store) batchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeC:
			return
		case <-ticker.C:
			_ = s.flushSync()
		case <-s.flushC:
			_ = s.flushSync()
		}
	}
}

// gcLoop periodically prunes frames older than retain_frames and
// triggers a manual compaction once the estimated disk usage crosses
// CompactThreshold.
func (s *Store) gcLoop(interval time.Duration, compactThreshold int64) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeC:
			return
		case <-ticker.C:
			s.runGC(compactThreshold)
		}
	}
}

func (s *Store) runGC(compactThreshold int64) {
	if s.retain > 0 {
		if err := s.pruneOlderThan(s.retain); err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
		}
	}
	metrics := s.db.Metrics()
	if int64(metrics.DiskSpaceUsage()) >= compactThreshold {
		_ = s.db.Compact(frameKey(0), frameKey(^uint64(0)), false)
	}
}

// minAck returns the lowest LastAck watermark recorded across every
// durable consumer that has ever acked, so GC never deletes a frame a
// lagging consumer hasn't durably received yet. found is false when no
// consumer has acked anything, in which case nothing is safe to prune.
func (s *Store) minAck() (seq uint64, found bool, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixAck},
		UpperBound: []byte{prefixAck + 1},
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) != 8 {
			return 0, false, fmt.Errorf("wal: corrupt ack record")
		}
		ackSeq := binary.LittleEndian.Uint64(v)
		if !found || ackSeq < seq {
			seq = ackSeq
			found = true
		}
	}
	return seq, found, iter.Error()
}

// pruneOlderThan deletes frame records more than keep entries behind
// the minimum ack watermark across all durable consumers, so a lagging
// consumer's un-acked frames are never range-deleted out from under it.
func (s *Store) pruneOlderThan(keep int) error {
	minAck, found, err := s.minAck()
	if err != nil || !found {
		return err
	}
	if minAck <= uint64(keep) {
		return nil
	}
	cutoff := minAck - uint64(keep)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(frameKey(0), frameKey(cutoff), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// MaxSeq returns the highest persisted sequence number, used to seed
// the in-memory bus counter on recovery. ok is false for an empty WAL.
func (s *Store) MaxSeq() (seq uint64, ok bool, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixFrame},
		UpperBound: []byte{prefixFrame + 1},
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, false, nil
	}
	key := iter.Key()
	if len(key) != 9 {
		return 0, false, fmt.Errorf("wal: corrupt frame key length %d", len(key))
	}
	return binary.BigEndian.Uint64(key[1:]), true, nil
}

// Recover replays every persisted frame in ascending seq order,
// truncating at the first record that fails to decode (a torn write
// from a crash mid-append) rather than surfacing a fatal error, per
// the gateway's crash-recovery semantics.
func (s *Store) Recover(fn func(frame.Frame) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixFrame},
		UpperBound: []byte{prefixFrame + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var lastSeq uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 9 {
			return s.truncateFrom(lastSeq + 1)
		}
		seq := binary.BigEndian.Uint64(key[1:])
		if lastSeq != 0 && seq != lastSeq+1 {
			// Seq gap: corruption between lastSeq and seq. Truncate the
			// tail so the surviving log has no holes.
			return s.truncateFrom(lastSeq + 1)
		}
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return s.truncateFrom(seq)
		}
		if err := fn(fromRecord(rec)); err != nil {
			return err
		}
		lastSeq = seq
	}
	return nil
}

// truncateFrom deletes every frame record from seq onward, used when
// Recover encounters a torn or out-of-order tail write.
func (s *Store) truncateFrom(seq uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(frameKey(seq), []byte{prefixFrame + 1}, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Ack records subscriberID's durable delivery watermark in the acks
// column family, so a restarted wsbridge subscriber resumes from where
// it left off instead of redelivering the whole log.
func (s *Store) Ack(subscriberID string, seq uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, seq)
	return s.db.Set(ackKey(subscriberID), buf, pebble.Sync)
}

// LastAck returns subscriberID's last recorded watermark.
func (s *Store) LastAck(subscriberID string) (seq uint64, ok bool, err error) {
	v, closer, err := s.db.Get(ackKey(subscriberID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, false, fmt.Errorf("wal: corrupt ack record for %s", subscriberID)
	}
	return binary.LittleEndian.Uint64(v), true, nil
}

// Close flushes any pending batch, stops the background tasks, and
// closes the underlying Pebble database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeC)
	s.wg.Wait()
	_ = s.flushSync()
	return s.db.Close()
}
