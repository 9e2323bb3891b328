package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/endpoint"
	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

type fakeSink struct{}

func (fakeSink) Publish(ctx context.Context, f frame.Frame) (uint64, error) { return 0, nil }

type fakeFactory struct{ drv Driver }

func (f fakeFactory) Load(path string) (Driver, error) { return f.drv, nil }

type fakeDriver struct {
	meta       Metadata
	initErr    error
	connectErr error
}

func newFakeDriver(name, apiVersion string, initErr, connectErr error) *fakeDriver {
	return &fakeDriver{meta: Metadata{Name: name, Version: "0.0.1", APIVersion: apiVersion}, initErr: initErr, connectErr: connectErr}
}

func (d *fakeDriver) Init(ctx context.Context, cfg map[string]any) error { return d.initErr }
func (d *fakeDriver) Connect(ctx context.Context, h *endpoint.Handle) error {
	return d.connectErr
}
func (d *fakeDriver) ReadLoop(ctx context.Context, sink Sink) error {
	<-ctx.Done()
	return nil
}
func (d *fakeDriver) Shutdown(ctx context.Context) error { return nil }
func (d *fakeDriver) Metadata() Metadata                 { return d.meta }

func TestState_Transitions(t *testing.T) {
	require.True(t, validTransition(StateUnloaded, StateInit))
	require.False(t, validTransition(StateUnloaded, StateActive))
	require.True(t, validTransition(StateActive, StateShutdown))
	require.False(t, validTransition(StateFailed, StateInit))
}

func TestRegistry_UnknownDriver(t *testing.T) {
	r := NewRegistry(fakeSink{})
	_, err := r.State("missing")
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRegistry_LoadFailureMarksFailed(t *testing.T) {
	r := NewRegistry(fakeSink{})
	drv := newFakeDriver("x", "1.0", errors.New("boom"), nil)
	r.RegisterStatic("d1", drv)

	err := r.Load(context.Background(), "d1", nil, nil)
	require.Error(t, err)
	st, _ := r.State("d1")
	require.Equal(t, StateFailed, st)
}

func TestRegistry_LoadSucceedsAndBecomesActive(t *testing.T) {
	r := NewRegistry(fakeSink{})
	drv := newFakeDriver("x", "1.0", nil, nil)
	r.RegisterStatic("d1", drv)

	err := r.Load(context.Background(), "d1", nil, nil)
	require.NoError(t, err)
	st, _ := r.State("d1")
	require.Equal(t, StateActive, st)

	err = r.Unload(context.Background(), "d1")
	require.NoError(t, err)
	st, _ = r.State("d1")
	require.Equal(t, StateUnloaded, st)
}

func TestRegistry_ReloadAPIVersionMismatchRollsBack(t *testing.T) {
	r := NewRegistry(fakeSink{})
	oldDrv := newFakeDriver("x", "1.0", nil, nil)
	r.RegisterStatic("d1", oldDrv)
	require.NoError(t, r.Load(context.Background(), "d1", nil, nil))

	r.RegisterFactory(KindStatic, fakeFactory{drv: newFakeDriver("x", "2.0", nil, nil)})
	err := r.Reload(context.Background(), "d1", "/tmp/new.so", nil, nil)
	require.ErrorIs(t, err, ErrAPIVersionMismatch)

	st, _ := r.State("d1")
	require.Equal(t, StateActive, st, "old instance must remain Active after a failed reload")
}

func TestRegistry_ReloadSameAPIVersionSucceeds(t *testing.T) {
	r := NewRegistry(fakeSink{})
	oldDrv := newFakeDriver("x", "1.0", nil, nil)
	r.RegisterStatic("d1", oldDrv)
	require.NoError(t, r.Load(context.Background(), "d1", nil, nil))

	r.RegisterFactory(KindStatic, fakeFactory{drv: newFakeDriver("x", "1.0", nil, nil)})
	err := r.Reload(context.Background(), "d1", "/tmp/new.so", nil, nil)
	require.NoError(t, err)
	st, _ := r.State("d1")
	require.Equal(t, StateActive, st)
}

func TestRegistry_EventsEmittedForLoad(t *testing.T) {
	r := NewRegistry(fakeSink{})
	drv := newFakeDriver("x", "1.0", nil, nil)
	r.RegisterStatic("d1", drv)
	require.NoError(t, r.Load(context.Background(), "d1", nil, nil))

	select {
	case ev := <-r.Events():
		require.Equal(t, OpLoad, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("expected a Started event")
	}
}
