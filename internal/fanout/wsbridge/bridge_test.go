package wsbridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/bus/wal"
	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) *wal.Store {
	t.Helper()
	s, err := wal.Open(filepath.Join(t.TempDir(), "wal"), wal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReplay_OnlyYieldsTelemetryAndAlertFrames(t *testing.T) {
	store := openTestWAL(t)
	b := bus.New(16, store)

	_, err := b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "telemetry.d1.t1", Value: frame.Float(1)})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "other.thing", Value: frame.Float(2)})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "alert.e1", Value: frame.Float(3)})
	require.NoError(t, err)

	br := New(b, store)
	defer br.Close()

	var got []frame.Frame
	require.NoError(t, br.Replay(bus.Any(), func(f frame.Frame) { got = append(got, f) }))
	require.Len(t, got, 2)
	require.Equal(t, "telemetry.d1.t1", got[0].Tag)
	require.Equal(t, "alert.e1", got[1].Tag)
}

func TestReplay_HonoursClientFilter(t *testing.T) {
	store := openTestWAL(t)
	b := bus.New(16, store)

	_, _ = b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "telemetry.d1.t1", Value: frame.Float(1)})
	_, _ = b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "telemetry.d2.t1", Value: frame.Float(2)})

	br := New(b, store)
	defer br.Close()

	var got []frame.Frame
	err := br.Replay(bus.WithPrefix("telemetry.d1."), func(f frame.Frame) { got = append(got, f) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "telemetry.d1.t1", got[0].Tag)
}

func TestRun_AcksWatermarkOnContextCancel(t *testing.T) {
	store := openTestWAL(t)
	b := bus.New(16, store)
	br := New(b, store)
	br.ackInt = time.Hour // force the cancel-path ack, not the ticker
	defer br.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = br.Run(ctx); close(done) }()

	seq, err := b.Publish(context.Background(), frame.Frame{Kind: frame.KindData, Tag: "telemetry.d1.t1", Value: frame.Float(1)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(br.sub.Ch) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	got, ok, err := store.LastAck(subscriberID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, seq, got)
}
