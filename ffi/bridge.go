package ffi

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/finalizer"
	"github.com/wippyai/wasm-ffi/handle"
	"github.com/wippyai/wasm-ffi/scheduler"
)

// Exports names the guest functions the bridge calls into.
type Exports struct {
	// SchedulerLoop runs one bounded slice of the guest's scheduler: () -> ().
	SchedulerLoop string

	// FreeStablePtr releases a guest stable pointer: (i32) -> ().
	FreeStablePtr string

	// Callback delivers an argument handle to a guest callback:
	// (i32 stable-ptr, i32 arg-handle) -> ().
	Callback string
}

// DefaultExports returns the export names used by GHC-compiled reactors.
func DefaultExports() Exports {
	return Exports{
		SchedulerLoop: "rts_schedulerLoop",
		FreeStablePtr: "rts_freeStablePtr",
		Callback:      "ffi_callback",
	}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithExports overrides the guest export names.
func WithExports(e Exports) Option {
	return func(b *Bridge) {
		b.exports = e
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithTurnErrorHandler receives errors from turns nobody is waiting on:
// scheduler loop turns and finalizer releases.
func WithTurnErrorHandler(fn func(error)) Option {
	return func(b *Bridge) {
		b.onTurnError = fn
	}
}

// WithTableOptions passes options to the handle table.
func WithTableOptions(opts ...handle.Option) Option {
	return func(b *Bridge) {
		b.tableOpts = append(b.tableOpts, opts...)
	}
}

// Bridge is the boundary context shared by the host functions of one guest.
// It owns the handle table, the callback finalizer registry and the turn
// scheduler. Guest code only ever runs inside a turn.
type Bridge struct {
	table       *handle.Table
	callbacks   *finalizer.Registry[Callback]
	sched       *scheduler.Tracker
	logger      *zap.Logger
	onTurnError func(error)
	guest       atomic.Pointer[guest]
	tableOpts   []handle.Option
	exports     Exports
	released    atomic.Uint64
	turnErrors  atomic.Uint64
	closed      atomic.Bool
	closing     chan struct{}
}

type guest struct {
	ctx context.Context
	mod api.Module
}

// NewBridge creates a bridge that runs turns on s.
func NewBridge(s scheduler.Scheduler, opts ...Option) *Bridge {
	b := &Bridge{
		logger:  Logger(),
		exports: DefaultExports(),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if t, ok := s.(*scheduler.Tracker); ok {
		b.sched = t
	} else {
		b.sched = scheduler.NewTracker(s)
	}
	b.table = handle.New(b.tableOpts...)
	b.callbacks = finalizer.New[Callback](b.releaseStablePtr)

	if b.logger.Core().Enabled(zap.DebugLevel) {
		b.table.AddObserver(handle.ObserverFunc(func(e handle.Event) {
			b.logger.Debug("handle "+e.Type.String(),
				zap.Int32("handle", int32(e.Handle)),
				zap.String("type", fmt.Sprintf("%T", e.Value)))
		}))
	}
	return b
}

// Bind attaches the guest module. Turns scheduled without a caller context
// run with ctx.
func (b *Bridge) Bind(ctx context.Context, mod api.Module) error {
	if mod == nil {
		return errors.InvalidInput(errors.PhaseHost, "guest module is nil")
	}
	if !b.guest.CompareAndSwap(nil, &guest{ctx: ctx, mod: mod}) {
		return errors.New(errors.PhaseHost, errors.KindAlreadyRegistered).
			Op("bind").
			Detail("bridge already bound to %q", b.guest.Load().mod.Name()).
			Build()
	}
	b.logger.Debug("guest bound", zap.String("module", mod.Name()))
	return nil
}

// Unbind detaches mod if it is the bound guest, so a failed instantiation
// leaves the bridge free for the next guest. It reports whether mod was bound.
func (b *Bridge) Unbind(mod api.Module) bool {
	g := b.guest.Load()
	if g == nil || g.mod != mod {
		return false
	}
	if !b.guest.CompareAndSwap(g, nil) {
		return false
	}
	b.logger.Debug("guest unbound", zap.String("module", mod.Name()))
	return true
}

// Guest returns the bound guest module, or nil.
func (b *Bridge) Guest() api.Module {
	if g := b.guest.Load(); g != nil {
		return g.mod
	}
	return nil
}

// NewHandle stores v and returns its handle.
func (b *Bridge) NewHandle(v any) int32 {
	return int32(b.table.Allocate(v))
}

// Value returns the value stored under h.
func (b *Bridge) Value(h int32) (any, error) {
	return b.table.Lookup(handle.Handle(h))
}

// FreeHandle releases h.
func (b *Bridge) FreeHandle(h int32) error {
	return b.table.Release(handle.Handle(h))
}

// Handles calls fn for each live handle in ascending order until fn
// returns false.
func (b *Bridge) Handles(fn func(h int32, v any) bool) {
	b.table.Each(func(h handle.Handle, v any) bool {
		return fn(int32(h), v)
	})
}

// ScheduleWork runs the guest's scheduler loop on a later turn.
func (b *Bridge) ScheduleWork() error {
	if _, err := b.export(b.exports.SchedulerLoop); err != nil {
		return err
	}
	return b.Post("scheduler loop", func(ctx context.Context) error {
		fn, err := b.export(b.exports.SchedulerLoop)
		if err != nil {
			return err
		}
		_, err = fn.Call(ctx)
		return err
	})
}

// RegisterFinalizer arranges for the guest to release token once cb is
// collected.
func (b *Bridge) RegisterFinalizer(cb *Callback, token uint32) error {
	return b.callbacks.Register(cb, token, finalizer.KeyOf(cb))
}

// UnregisterFinalizer cancels the registration of cb. Cancelling twice, or
// cancelling after the finalizer fired, is a double free.
func (b *Bridge) UnregisterFinalizer(cb *Callback) error {
	if cb == nil {
		return errors.InvalidInput(errors.PhaseFinalize, "callback is nil")
	}
	if !b.callbacks.Unregister(finalizer.KeyOf(cb)) {
		return errors.DoubleFree(errors.PhaseFinalize, "unregister", cb.stablePtr)
	}
	return nil
}

// Post schedules fn on a later turn without waiting for it. Its error goes
// to the turn error handler.
func (b *Bridge) Post(name string, fn func(ctx context.Context) error) error {
	g := b.guest.Load()
	if g == nil {
		return errors.NotInitialized(errors.PhaseHost, "guest")
	}
	if b.closed.Load() {
		return errors.Closed(errors.PhaseSchedule, "bridge")
	}
	return b.sched.ScheduleSoon(func() {
		if err := b.runTurn(turnContext(g.ctx), fn); err != nil {
			b.reportTurnError(name, err)
		}
	})
}

// Run executes fn on a turn and waits for it. When ctx already belongs to a
// turn, fn runs immediately, the way a host import calls back into the guest.
func (b *Bridge) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if onTurn(ctx) {
		return fn(ctx)
	}
	if b.closed.Load() {
		return errors.Closed(errors.PhaseSchedule, "bridge")
	}

	// pending -> started by the turn, pending -> abandoned by the caller.
	var state atomic.Int32
	done := make(chan error, 1)
	err := b.sched.ScheduleSoon(func() {
		if !state.CompareAndSwap(turnPending, turnStarted) {
			return
		}
		done <- b.runTurn(turnContext(ctx), fn)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		state.CompareAndSwap(turnPending, turnAbandoned)
		return ctx.Err()
	case <-b.closing:
		state.CompareAndSwap(turnPending, turnAbandoned)
		return errors.Closed(errors.PhaseSchedule, "bridge")
	}
}

const (
	turnPending int32 = iota
	turnStarted
	turnAbandoned
)

// Wait blocks until every scheduled turn, including turns scheduled by
// running turns, has finished.
func (b *Bridge) Wait(ctx context.Context) error {
	return b.sched.Wait(ctx)
}

// Close stops accepting new turns and closes the scheduler. Turns that have
// not started are dropped, and callers waiting in Run get a closed error.
// Pending finalizer releases are dropped.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closing)
	return b.sched.Close()
}

// Stats is a point-in-time snapshot of the bridge.
type Stats struct {
	Strategy    scheduler.Strategy
	Handles     int
	Cursor      int32
	Finalizers  int
	Outstanding int
	Turns       uint64
	Released    uint64
	TurnErrors  uint64
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Strategy:    b.sched.Strategy(),
		Handles:     b.table.Len(),
		Cursor:      int32(b.table.Cursor()),
		Finalizers:  b.callbacks.Pending(),
		Outstanding: b.sched.Outstanding(),
		Turns:       b.sched.Completed(),
		Released:    b.released.Load(),
		TurnErrors:  b.turnErrors.Load(),
	}
}

// releaseStablePtr is the finalizer sink. It runs on the cleanup goroutine
// and only schedules the guest call.
func (b *Bridge) releaseStablePtr(token uint32) {
	if b.closed.Load() {
		b.logger.Debug("dropping stable pointer release after close", zap.Uint32("stable_ptr", token))
		return
	}
	err := b.Post("free stable pointer", func(ctx context.Context) error {
		fn, err := b.export(b.exports.FreeStablePtr)
		if err != nil {
			return err
		}
		if _, err := fn.Call(ctx, api.EncodeU32(token)); err != nil {
			return err
		}
		b.released.Add(1)
		return nil
	})
	if err != nil {
		b.logger.Warn("stable pointer release not scheduled", zap.Uint32("stable_ptr", token), zap.Error(err))
	}
}

func (b *Bridge) export(name string) (api.Function, error) {
	g := b.guest.Load()
	if g == nil {
		return nil, errors.NotInitialized(errors.PhaseHost, "guest")
	}
	fn := g.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseHost, "guest export", name)
	}
	return fn, nil
}

func (b *Bridge) runTurn(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, e, "turn panicked")
				return
			}
			err = errors.New(errors.PhaseRuntime, errors.KindInvalidData).
				Detail("turn panicked: %v", r).
				Build()
		}
	}()
	return fn(ctx)
}

func (b *Bridge) reportTurnError(name string, err error) {
	b.turnErrors.Add(1)
	b.logger.Error("turn failed", zap.String("turn", name), zap.Error(err))
	if b.onTurnError != nil {
		b.onTurnError(err)
	}
}

type turnKey struct{}

func turnContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, turnKey{}, true)
}

func onTurn(ctx context.Context) bool {
	on, _ := ctx.Value(turnKey{}).(bool)
	return on
}
