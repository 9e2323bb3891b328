package bus

import (
	"context"
	"testing"

	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

type fakeWAL struct {
	appended []frame.Frame
	failNext bool
}

func (w *fakeWAL) Append(ctx context.Context, f frame.Frame) error {
	if w.failNext {
		w.failNext = false
		return context.DeadlineExceeded
	}
	w.appended = append(w.appended, f)
	return nil
}

func TestPublish_AssignsIncreasingSeq(t *testing.T) {
	b := New(16, nil)
	seq1, err := b.Publish(context.Background(), frame.Frame{Tag: "a"})
	require.NoError(t, err)
	seq2, err := b.Publish(context.Background(), frame.Frame{Tag: "b"})
	require.NoError(t, err)
	require.Equal(t, seq1+1, seq2)
}

func TestPublish_WALBeforeVisibility(t *testing.T) {
	w := &fakeWAL{failNext: true}
	b := New(16, w)
	sub := b.Subscribe("s1", Any(), 4)

	_, err := b.Publish(context.Background(), frame.Frame{Tag: "x"})
	require.Error(t, err, "WAL failure must abort the publish before any subscriber sees it")
	select {
	case <-sub.Ch:
		t.Fatal("subscriber must not observe a frame that failed to persist")
	default:
	}
}

func TestSubscribe_FilterRestrictsDelivery(t *testing.T) {
	b := New(16, nil)
	sub := b.Subscribe("s1", WithPrefix("telemetry."), 4)

	_, _ = b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "telemetry.d1.t1"})
	_, _ = b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "alert.e1"})

	f := <-sub.Ch
	require.Equal(t, "telemetry.d1.t1", f.Tag)
	select {
	case <-sub.Ch:
		t.Fatal("non-matching frame must not be delivered")
	default:
	}
}

func TestPublish_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(16, nil)
	sub := b.Subscribe("slow", Any(), 1)

	_, err := b.Publish(context.Background(), frame.Frame{Tag: "a"})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), frame.Frame{Tag: "b"})
	require.NoError(t, err)

	require.Equal(t, int64(1), sub.Dropped())
}

func TestSince_ReturnsOrderedTailAndDetectsEviction(t *testing.T) {
	b := New(4, nil)
	for i := 0; i < 10; i++ {
		_, err := b.Publish(context.Background(), frame.Frame{Tag: "t"})
		require.NoError(t, err)
	}
	_, err := b.Since(0)
	require.ErrorIs(t, err, ErrEvicted)

	tail, err := b.Since(b.LastSeq() - 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Less(t, tail[0].Seq, tail[1].Seq)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New(4, nil)
	sub := b.Subscribe("s1", Any(), 1)
	b.Unsubscribe("s1")
	_, ok := <-sub.Ch
	require.False(t, ok)
}

func TestSeedSeq_NeverMovesBackward(t *testing.T) {
	b := New(4, nil)
	b.SeedSeq(100)
	b.SeedSeq(50)
	require.Equal(t, uint64(100), b.LastSeq())
}
