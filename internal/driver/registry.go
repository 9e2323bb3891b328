package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/edgegw/gateway/internal/endpoint"
)

var (
	// ErrUnknownDriver is returned when an operation targets an id with
	// no registered instance.
	ErrUnknownDriver = errors.New("driver: unknown id")
	// ErrAlreadyRegistered is returned by Load when the id is already in use.
	ErrAlreadyRegistered = errors.New("driver: id already registered")
	// ErrAPIVersionMismatch is returned by Reload/Replace when the new
	// artefact's api_version does not match the running one.
	ErrAPIVersionMismatch = errors.New("driver: api_version mismatch")
	// ErrOperationInFlight is returned when a second operation on the
	// same id is attempted while one is already running.
	ErrOperationInFlight = errors.New("driver: operation already in flight")
)

// Factory constructs a Driver instance for a dynamic artefact at path,
// resolving entry points by name. Static drivers are registered directly
// via RegisterStatic and never go through a Factory.
type Factory interface {
	Load(path string) (Driver, error)
}

// instance tracks one driver's runtime state plus the plumbing needed to
// unload it safely: an endpoint handle (released on transition out of
// Active) and a reference count on any dynamic code handle.
type instance struct {
	id       string
	kind     Kind
	path     string
	drv      Driver
	state    State
	handle   *endpoint.Handle
	refCount int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Registry hosts every loaded driver instance and serializes hot-swap
// operations per id (operations on distinct ids proceed in parallel, per
// safety requirement).
type Registry struct {
	mu        sync.Mutex
	instances map[string]*instance
	opLocks   map[string]*sync.Mutex
	factories map[Kind]Factory
	events    chan Event
	grace     time.Duration
	sink      Sink
}

// NewRegistry builds an empty Registry. sink is where every Active
// driver's read loop publishes decoded frames.
func NewRegistry(sink Sink) *Registry {
	grace := DefaultShutdownGraceUnix
	if runtime.GOOS == "windows" {
		grace = DefaultShutdownGraceOther
	}
	return &Registry{
		instances: make(map[string]*instance),
		opLocks:   make(map[string]*sync.Mutex),
		factories: make(map[Kind]Factory),
		events:    make(chan Event, 64),
		grace:     grace,
		sink:      sink,
	}
}

// Events returns the channel hot-swap progress events are published on.
func (r *Registry) Events() <-chan Event { return r.events }

// RegisterFactory installs the loader used for a given Kind of dynamic
// artefact.
func (r *Registry) RegisterFactory(k Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[k] = f
}

func (r *Registry) opLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.opLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.opLocks[id] = l
	}
	return l
}

func (r *Registry) emit(e Event) {
	e.At = time.Now()
	select {
	case r.events <- e:
	default:
	}
}

// State returns the current lifecycle state of id, or StateUnloaded with
// ErrUnknownDriver if nothing is registered under it.
func (r *Registry) State(id string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return StateUnloaded, ErrUnknownDriver
	}
	return inst.state, nil
}

// RegisterStatic registers an already-constructed static driver under id
// without going through Load's artefact-path machinery; used at startup
// to populate the registry from the compiled driver list.
func (r *Registry) RegisterStatic(id string, drv Driver) {
	r.mu.Lock()
	r.instances[id] = &instance{id: id, kind: KindStatic, drv: drv, state: StateUnloaded}
	r.mu.Unlock()
}

// Load brings a registered-but-unloaded driver through Init -> Connect
// -> Active, attaching an endpoint handle that is released on any
// subsequent transition out of Active. An id that was never registered
// yields ErrUnknownDriver.
func (r *Registry) Load(ctx context.Context, id string, cfg map[string]any, handle *endpoint.Handle) error {
	lock := r.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownDriver
	}
	if inst.state != StateUnloaded {
		return fmt.Errorf("driver %s: %w", id, ErrAlreadyRegistered)
	}

	r.emit(Event{DriverID: id, Op: OpLoad, Kind: EventStarted})

	start := time.Now()
	if err := r.initAndConnect(ctx, inst, cfg, handle); err != nil {
		r.emit(Event{DriverID: id, Op: OpLoad, Kind: EventFailed, Reason: err.Error()})
		return err
	}
	r.startActive(inst)
	r.emit(Event{DriverID: id, Op: OpLoad, Kind: EventCompleted, Duration: time.Since(start)})
	return nil
}

// initAndConnect drives Unloaded -> Init -> Connected -> (caller starts Active).
// On any failure the instance is left in Failed and retains its registry
// slot so an operator can inspect it ("file kept but marked failed").
func (r *Registry) initAndConnect(ctx context.Context, inst *instance, cfg map[string]any, handle *endpoint.Handle) error {
	inst.state = StateInit
	r.emit(Event{DriverID: inst.id, Op: OpLoad, Kind: EventProgress, Fraction: 0.2, Message: "init"})
	if err := inst.drv.Init(ctx, cfg); err != nil {
		inst.state = StateFailed
		return fmt.Errorf("driver %s init: %w", inst.id, err)
	}
	if !validTransition(StateInit, StateConnected) {
		inst.state = StateFailed
		return fmt.Errorf("driver %s: invalid transition init->connected", inst.id)
	}

	r.emit(Event{DriverID: inst.id, Op: OpLoad, Kind: EventProgress, Fraction: 0.6, Message: "connect"})
	if err := inst.drv.Connect(ctx, handle); err != nil {
		inst.state = StateFailed
		return fmt.Errorf("driver %s connect: %w", inst.id, err)
	}
	inst.state = StateConnected
	inst.handle = handle
	return nil
}

func (r *Registry) startActive(inst *instance) {
	rctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.done = make(chan struct{})
	inst.state = StateActive
	inst.refCount++

	go func() {
		defer close(inst.done)
		err := inst.drv.ReadLoop(rctx, r.sink)
		r.mu.Lock()
		inst.refCount--
		r.mu.Unlock()
		r.mu.Lock()
		stillActive := inst.state == StateActive
		r.mu.Unlock()
		if stillActive {
			// read_loop returning (error or not) triggers Active -> Shutdown.
			_ = r.shutdownInstance(context.Background(), inst, err)
		}
	}()
}

// shutdownInstance always invokes drv.Shutdown within the configured
// grace period, regardless of why shutdown was triggered.
func (r *Registry) shutdownInstance(ctx context.Context, inst *instance, cause error) error {
	r.mu.Lock()
	if inst.state != StateActive && inst.state != StateConnected {
		r.mu.Unlock()
		return nil
	}
	inst.state = StateShutdown
	r.mu.Unlock()

	if inst.cancel != nil {
		inst.cancel()
	}

	gctx, gcancel := context.WithTimeout(ctx, r.grace)
	defer gcancel()
	err := inst.drv.Shutdown(gctx)

	r.mu.Lock()
	if inst.handle != nil {
		inst.handle.Release()
		inst.handle = nil
	}
	inst.state = StateUnloaded
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("driver %s shutdown: %w", inst.id, err)
	}
	return cause
}

// Unload stops an Active/Connected driver and returns it to Unloaded.
func (r *Registry) Unload(ctx context.Context, id string) error {
	lock := r.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownDriver
	}

	r.emit(Event{DriverID: id, Op: OpUnload, Kind: EventStarted})
	start := time.Now()
	if err := r.shutdownInstance(ctx, inst, nil); err != nil {
		r.emit(Event{DriverID: id, Op: OpUnload, Kind: EventFailed, Reason: err.Error()})
		return err
	}
	if inst.done != nil {
		<-inst.done
	}
	r.emit(Event{DriverID: id, Op: OpUnload, Kind: EventCompleted, Duration: time.Since(start)})
	return nil
}

// Reload atomically unloads the old instance, loads a new artefact from
// path, validates api_version equality, and starts it. On failure the
// old registration is preserved (rollback) and the operation is reported
// Failed with RollbackAttempted=true.
func (r *Registry) Reload(ctx context.Context, id, path string, cfg map[string]any, handle *endpoint.Handle) error {
	lock := r.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	old, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownDriver
	}

	r.emit(Event{DriverID: id, Op: OpReload, Kind: EventStarted})
	start := time.Now()

	factory, ok := r.factories[old.kind]
	if !ok {
		err := fmt.Errorf("driver %s: no factory registered for kind %v", id, old.kind)
		r.emit(Event{DriverID: id, Op: OpReload, Kind: EventFailed, Reason: err.Error(), RollbackAttempted: true})
		return err
	}

	newDrv, err := factory.Load(path)
	if err != nil {
		r.emit(Event{DriverID: id, Op: OpReload, Kind: EventFailed, Reason: err.Error(), RollbackAttempted: true})
		return err
	}

	oldMeta := old.drv.Metadata()
	newMeta := newDrv.Metadata()
	if newMeta.APIVersion != oldMeta.APIVersion {
		r.emit(Event{DriverID: id, Op: OpReload, Kind: EventFailed,
			Reason: fmt.Sprintf("%v: old=%s new=%s", ErrAPIVersionMismatch, oldMeta.APIVersion, newMeta.APIVersion),
			RollbackAttempted: true})
		return fmt.Errorf("driver %s: %w", id, ErrAPIVersionMismatch)
	}

	// Unload old before starting new: the old code handle's refcount
	// drops to 0 only once its read loop has actually returned.
	if err := r.shutdownInstance(ctx, old, nil); err != nil {
		r.emit(Event{DriverID: id, Op: OpReload, Kind: EventFailed, Reason: err.Error(), RollbackAttempted: true})
		return err
	}
	if old.done != nil {
		<-old.done
	}

	replacement := &instance{id: id, kind: old.kind, path: path, drv: newDrv, state: StateUnloaded}
	r.mu.Lock()
	r.instances[id] = replacement
	r.mu.Unlock()

	if err := r.initAndConnect(ctx, replacement, cfg, handle); err != nil {
		// Rollback: restore the old registration so the id is never
		// left pointing at a driver that failed to come up.
		r.mu.Lock()
		r.instances[id] = old
		r.mu.Unlock()
		r.emit(Event{DriverID: id, Op: OpReload, Kind: EventFailed, Reason: err.Error(), RollbackAttempted: true})
		return err
	}
	r.startActive(replacement)
	r.emit(Event{DriverID: id, Op: OpReload, Kind: EventCompleted, Duration: time.Since(start)})
	return nil
}

// Replace is Reload under an explicit old/new artefact path pair, kept
// as a distinct operation name since the old path is meaningful for
// audit logging even though the mechanics are identical to Reload.
func (r *Registry) Replace(ctx context.Context, id, oldPath, newPath string, cfg map[string]any, handle *endpoint.Handle) error {
	return r.Reload(ctx, id, newPath, cfg, handle)
}

// Shutdown stops every Active driver, invoked during graceful process
// shutdown.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.Unload(ctx, id)
		}(id)
	}
	wg.Wait()
}
