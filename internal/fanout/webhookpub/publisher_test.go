package webhookpub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

func TestDeliver_SuccessOnFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New(16, nil)
	p := New(Config{URL: srv.URL, BaseBackoff: time.Millisecond}, b, bus.Any(), nil)
	defer p.Close()

	p.deliver(context.Background(), frame.Frame{Tag: "t", Value: frame.Float(1)})
	require.Equal(t, int32(1), calls.Load())
}

func TestDeliver_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := bus.New(16, nil)
	p := New(Config{URL: srv.URL, MaxAttempts: 5, BaseBackoff: time.Millisecond}, b, bus.Any(), nil)
	defer p.Close()

	p.deliver(context.Background(), frame.Frame{Tag: "t"})
	require.Equal(t, int32(1), calls.Load(), "a 4xx must not be retried")
}

func TestDeliver_ServerErrorRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New(16, nil)
	p := New(Config{URL: srv.URL, MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, b, bus.Any(), nil)
	defer p.Close()

	p.deliver(context.Background(), frame.Frame{Tag: "t"})
	require.Equal(t, int32(3), calls.Load())
}

func TestDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := bus.New(16, nil)
	p := New(Config{URL: srv.URL, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, b, bus.Any(), nil)
	defer p.Close()

	p.deliver(context.Background(), frame.Frame{Tag: "t"})
	require.Equal(t, int32(3), calls.Load())
}
