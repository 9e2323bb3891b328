// Package driver hosts the pluggable protocol-driver capability set and
// its lifecycle state machine: a Driver/Factory registry generalized
// from a single-purpose transport handshake to an arbitrary fieldbus
// protocol plugin.
package driver

import (
	"context"
	"time"

	"github.com/edgegw/gateway/internal/endpoint"
	"github.com/edgegw/gateway/internal/frame"
)

// Kind distinguishes how a driver instance's code is hosted.
type Kind uint8

const (
	// KindStatic drivers are compiled into the host binary and populated
	// into the registry at startup from a fixed list.
	KindStatic Kind = iota
	// KindDynamicLibrary drivers are loaded from a Go plugin artefact
	// (os/exec or plugin.Open) resolved by entry-point name.
	KindDynamicLibrary
	// KindWasm is reserved for a future WASM host; no driver implements
	// it yet (documented here so the registry's switch is exhaustive).
	KindWasm
)

// Metadata is the synchronous, side-effect-free description a driver
// reports about itself.
type Metadata struct {
	Name       string
	Version    string
	APIVersion string
	Features   []string
}

// Sink is how a driver's read loop publishes decoded values upstream. It
// is the narrow slice of the frame bus a driver is allowed to see.
type Sink interface {
	Publish(ctx context.Context, f frame.Frame) (seq uint64, err error)
}

// Driver is the closed capability set every protocol plugin implements,
// matching the driver lifecycle: init, connect, a cancellable read loop, shutdown, and a
// synchronous metadata accessor.
type Driver interface {
	Init(ctx context.Context, cfg map[string]any) error
	Connect(ctx context.Context, handle *endpoint.Handle) error
	// ReadLoop runs cooperatively until ctx is cancelled or an
	// unrecoverable error occurs; it must be cancellable at any
	// suspension point.
	ReadLoop(ctx context.Context, sink Sink) error
	Shutdown(ctx context.Context) error
	Metadata() Metadata
}

// State is the driver lifecycle state machine:
//
//	Unloaded -> Init -> Connected -> Active -> Shutdown -> Unloaded
//	                \-> Failed (terminal until operator action)
type State uint8

const (
	StateUnloaded State = iota
	StateInit
	StateConnected
	StateActive
	StateShutdown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateShutdown:
		return "shutdown"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// validTransition reports whether the lifecycle may move from cur to
// next, enforcing the diagram above (Failed is terminal, Shutdown leads
// only to Unloaded or Failed).
func validTransition(cur, next State) bool {
	switch cur {
	case StateUnloaded:
		return next == StateInit
	case StateInit:
		return next == StateConnected || next == StateFailed
	case StateConnected:
		return next == StateActive || next == StateFailed || next == StateShutdown
	case StateActive:
		return next == StateShutdown || next == StateFailed
	case StateShutdown:
		return next == StateUnloaded || next == StateFailed
	default: // Failed is terminal until an operator-driven reload.
		return false
	}
}

const (
	// DefaultShutdownGraceUnix is the default grace period shutdown()
	// is given on Unix platforms.
	DefaultShutdownGraceUnix = 2 * time.Second
	// DefaultShutdownGraceOther is the default grace period on non-Unix
	// platforms.
	DefaultShutdownGraceOther = 1 * time.Second
)
