package alert

import (
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

func tele(device, tag string, v float64, at time.Time) frame.Frame {
	return frame.Frame{Kind: frame.KindData, Tag: frame.TelemetryTag(device, tag), Value: frame.Float(v), Timestamp: at}
}

func TestIngest_OpensEventWhenNoSustainRequired(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50}})
	now := time.Now()
	changed := e.Ingest(tele("d1", "t1", 75, now))
	require.Len(t, changed, 1)
	require.Equal(t, EventFiring, changed[0].State)
}

func TestIngest_IgnoresUnboundTag(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50}})
	changed := e.Ingest(tele("d2", "other", 999, time.Now()))
	require.Empty(t, changed)
}

func TestEvalFor_RequiresTwoSustainedSamples(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50, EvalFor: time.Minute}})
	now := time.Now()

	changed := e.Ingest(tele("d1", "t1", 75, now))
	require.Empty(t, changed, "a single sample must not open the alert when eval_for is set")

	changed = e.Ingest(tele("d1", "t1", 80, now.Add(time.Second)))
	require.Len(t, changed, 1)
	require.Equal(t, EventFiring, changed[0].State)
}

func TestEvalFor_BreaksIfPredicateStopsHolding(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50, EvalFor: time.Minute}})
	now := time.Now()
	e.Ingest(tele("d1", "t1", 75, now))
	e.Ingest(tele("d1", "t1", 10, now.Add(time.Second))) // dips below threshold
	changed := e.Ingest(tele("d1", "t1", 80, now.Add(2*time.Second)))
	require.Empty(t, changed, "the sustained window resets after the predicate stops holding")
}

func TestIngest_AutoResolvesWhenPredicateClears(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50}})
	now := time.Now()
	opened := e.Ingest(tele("d1", "t1", 75, now))
	require.Len(t, opened, 1)

	cleared := e.Ingest(tele("d1", "t1", 10, now.Add(time.Second)))
	require.Len(t, cleared, 1)
	require.Equal(t, EventResolved, cleared[0].State)
}

func TestEvalEvery_ThrottlesReEvaluation(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50, EvalEvery: time.Minute}})
	now := time.Now()
	e.Ingest(tele("d1", "t1", 10, now)) // below threshold, also sets lastEval
	changed := e.Ingest(tele("d1", "t1", 75, now.Add(time.Second)))
	require.Empty(t, changed, "re-evaluation inside eval_every must be throttled")
}

func TestSilenceFor_SuppressesReopenAfterResolve(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50, SilenceFor: time.Hour}})
	now := time.Now()
	opened := e.Ingest(tele("d1", "t1", 75, now))
	require.NoError(t, e.Resolve(opened[0].ID))

	changed := e.Ingest(tele("d1", "t1", 90, now.Add(time.Second)))
	require.Empty(t, changed, "a rule within its silence window must not reopen")
}

func TestAck_RejectsNonFiringEvent(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50}})
	opened := e.Ingest(tele("d1", "t1", 75, time.Now()))
	require.NoError(t, e.Resolve(opened[0].ID))
	require.ErrorIs(t, e.Ack(opened[0].ID), ErrEventNotFiring)
}

func TestReload_AutoResolvesRemovedRules(t *testing.T) {
	e := New([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50}})
	opened := e.Ingest(tele("d1", "t1", 75, time.Now()))
	require.Len(t, opened, 1)

	resolved := e.Reload(nil)
	require.Len(t, resolved, 1)
	require.Equal(t, opened[0].ID, resolved[0].ID)
	require.Equal(t, EventResolved, resolved[0].State)
}

func TestReload_KeepsUnaffectedRuleFiring(t *testing.T) {
	e := New([]Rule{
		{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50},
		{ID: "r2", DeviceID: "d2", TagID: "t2", Comparator: CompGreaterThan, Threshold: 50},
	})
	opened := e.Ingest(tele("d1", "t1", 75, time.Now()))
	require.Len(t, opened, 1)

	resolved := e.Reload([]Rule{{ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: CompGreaterThan, Threshold: 50}})
	require.Empty(t, resolved)

	firing := e.FiringEvents()
	require.Len(t, firing, 1)
}
