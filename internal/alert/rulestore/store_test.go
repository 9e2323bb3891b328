package rulestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/alert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndList_RoundTripsRule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := alert.Rule{
		ID: "r1", DeviceID: "d1", TagID: "t1", Comparator: alert.CompGreaterThan,
		Threshold: 42.5, Severity: alert.SeverityCritical, Message: "too hot",
		EvalEvery: 5 * time.Second, EvalFor: time.Minute, SilenceFor: time.Hour,
	}
	require.NoError(t, s.Upsert(ctx, r))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, r.ID, got[0].ID)
	require.Equal(t, r.Comparator, got[0].Comparator)
	require.Equal(t, r.Threshold, got[0].Threshold)
	require.Equal(t, r.Severity, got[0].Severity)
	require.Equal(t, r.EvalFor, got[0].EvalFor)
}

func TestUpsert_ReplacesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := alert.Rule{ID: "r1", DeviceID: "d1", TagID: "t1", Threshold: 1, Severity: alert.SeverityInfo}
	require.NoError(t, s.Upsert(ctx, r))
	r.Threshold = 99
	require.NoError(t, s.Upsert(ctx, r))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 99.0, got[0].Threshold)
}

func TestDelete_RemovesRule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, alert.Rule{ID: "r1", DeviceID: "d1", TagID: "t1"}))
	require.NoError(t, s.Delete(ctx, "r1"))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDelete_NonexistentIDIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Delete(context.Background(), "missing"))
}
