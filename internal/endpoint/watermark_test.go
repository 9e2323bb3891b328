package endpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatermark_HysteresisPauseResume(t *testing.T) {
	w := NewWatermark("ring", 100, 0.8, 0.6)
	sig := w.Subscribe()

	var transitions []Signal
	drain := func() {
		for {
			select {
			case s := <-sig:
				transitions = append(transitions, s)
			default:
				return
			}
		}
	}

	for d := 0; d <= 84; d++ {
		w.Update(d)
	}
	drain()
	require.Len(t, transitions, 1)
	require.True(t, transitions[0].Paused)
	require.True(t, w.Paused())
	transitions = nil

	// Staying within the 60-80 band must not re-trigger anything.
	for d := 84; d >= 61; d-- {
		w.Update(d)
	}
	drain()
	require.Empty(t, transitions)
	require.True(t, w.Paused())

	for d := 61; d >= 55; d-- {
		w.Update(d)
	}
	drain()
	require.Len(t, transitions, 1)
	require.False(t, transitions[0].Paused)
	require.False(t, w.Paused())
}
