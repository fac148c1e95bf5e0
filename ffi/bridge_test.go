package ffi

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/scheduler"
)

type testEnv struct {
	ctx    context.Context
	bridge *Bridge
	guest  api.Module
}

func newTestEnv(t *testing.T, s scheduler.Scheduler, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	if s == nil {
		var err error
		s, err = scheduler.Select(scheduler.Host{}, scheduler.WithStrategy(scheduler.StrategyChannel))
		require.NoError(t, err)
	}
	b := NewBridge(s, opts...)

	r := wazero.NewRuntime(ctx)
	_, err := b.Instantiate(ctx, r)
	require.NoError(t, err)

	mod, err := r.Instantiate(ctx, wasmbin.Demo())
	require.NoError(t, err)
	require.NoError(t, b.Bind(ctx, mod))

	t.Cleanup(func() {
		_ = b.Close()
		_ = r.Close(ctx)
	})
	return &testEnv{ctx: ctx, bridge: b, guest: mod}
}

// call runs a guest export on a turn.
func (e *testEnv) call(name string, args ...uint64) ([]uint64, error) {
	var res []uint64
	err := e.bridge.Run(e.ctx, func(ctx context.Context) error {
		var err error
		res, err = e.guest.ExportedFunction(name).Call(ctx, args...)
		return err
	})
	return res, err
}

func (e *testEnv) mustCall(t *testing.T, name string, args ...uint64) []uint64 {
	t.Helper()
	res, err := e.call(name, args...)
	require.NoError(t, err)
	return res
}

// global reads a guest global. Only call once the guest is quiescent.
func (e *testEnv) global(name string) int32 {
	return int32(e.guest.ExportedGlobal(name).Get())
}

func kindOf(t *testing.T, err error) errors.Kind {
	t.Helper()
	var e *errors.Error
	require.True(t, errors.As(err, &e), "not a structured error: %v", err)
	return e.Kind
}

func TestBridge_Handles(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bridge

	h := b.NewHandle("value")
	v, err := b.Value(h)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	n := b.NewHandle(nil)
	v, err = b.Value(n)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, b.FreeHandle(h))
	_, err = b.Value(h)
	assert.ErrorIs(t, err, errors.ErrUseAfterFree)
	assert.ErrorIs(t, b.FreeHandle(h), errors.ErrDoubleFree)

	var seen []int32
	b.Handles(func(h int32, _ any) bool {
		seen = append(seen, h)
		return true
	})
	assert.Equal(t, []int32{n}, seen)
	assert.Equal(t, 1, b.Stats().Handles)
}

func TestBridge_BindTwice(t *testing.T) {
	e := newTestEnv(t, nil)
	err := e.bridge.Bind(e.ctx, e.guest)
	assert.Equal(t, errors.KindAlreadyRegistered, kindOf(t, err))
	assert.Equal(t, errors.KindInvalidInput, kindOf(t, e.bridge.Bind(e.ctx, nil)))
}

func TestBridge_Unbound(t *testing.T) {
	s, err := scheduler.Select(scheduler.Host{})
	require.NoError(t, err)
	b := NewBridge(s)
	defer b.Close()

	assert.Nil(t, b.Guest())
	assert.Equal(t, errors.KindNotInitialized, kindOf(t, b.ScheduleWork()))
	assert.Equal(t, errors.KindNotInitialized, kindOf(t, b.Post("noop", func(context.Context) error { return nil })))
}

func TestBridge_MissingExport(t *testing.T) {
	exports := DefaultExports()
	exports.SchedulerLoop = "no_such_export"
	e := newTestEnv(t, nil, WithExports(exports))

	assert.Equal(t, errors.KindNotFound, kindOf(t, e.bridge.ScheduleWork()))
}

func TestBridge_ScheduleWorkDrivesGuestLoop(t *testing.T) {
	e := newTestEnv(t, nil)

	e.mustCall(t, "start", 5)
	require.NoError(t, e.bridge.Wait(e.ctx))

	assert.Equal(t, int32(6), e.global(wasmbin.GlobalTurns))
	assert.Equal(t, int32(0), e.global(wasmbin.GlobalWork))
	assert.Equal(t, 0, e.bridge.Stats().Outstanding)
}

func TestBridge_EventLoopStrategy(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	js, err := eventloop.NewJS(loop)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = loop.Shutdown(sctx)
		cancel()
		<-done
	})

	s, err := scheduler.Select(scheduler.Host{Immediate: js})
	require.NoError(t, err)
	e := newTestEnv(t, s)

	e.mustCall(t, "start", 3)
	require.NoError(t, e.bridge.Wait(e.ctx))
	assert.Equal(t, int32(4), e.global(wasmbin.GlobalTurns))
	assert.Equal(t, scheduler.StrategyImmediate, e.bridge.Stats().Strategy)
}

func TestBridge_TurnErrorsReported(t *testing.T) {
	var mu sync.Mutex
	var got []error
	e := newTestEnv(t, nil, WithTurnErrorHandler(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))

	boom := errors.InvalidInput(errors.PhaseHost, "boom")
	require.NoError(t, e.bridge.Post("failing", func(context.Context) error { return boom }))
	require.NoError(t, e.bridge.Post("panicking", func(context.Context) error { panic("oops") }))
	require.NoError(t, e.bridge.Wait(e.ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.ErrorIs(t, got[0], boom)
	assert.Contains(t, got[1].Error(), "oops")
	assert.Equal(t, uint64(2), e.bridge.Stats().TurnErrors)
}

func TestBridge_RunCancelledBeforeTurn(t *testing.T) {
	e := newTestEnv(t, nil)

	release := make(chan struct{})
	require.NoError(t, e.bridge.Post("blocker", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := make(chan struct{}, 1)
	err := e.bridge.Run(ctx, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.bridge.Wait(e.ctx))
	assert.Empty(t, ran)
}

func TestBridge_RunInsideTurnIsImmediate(t *testing.T) {
	e := newTestEnv(t, nil)

	var order []string
	err := e.bridge.Run(e.ctx, func(ctx context.Context) error {
		order = append(order, "outer")
		err := e.bridge.Run(ctx, func(context.Context) error {
			order = append(order, "inner")
			return nil
		})
		order = append(order, "after")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "after"}, order)
}

func TestBridge_Closed(t *testing.T) {
	e := newTestEnv(t, nil)
	require.NoError(t, e.bridge.Close())
	require.NoError(t, e.bridge.Close())

	assert.ErrorIs(t, e.bridge.Run(e.ctx, func(context.Context) error { return nil }), errors.ErrClosed)
	assert.ErrorIs(t, e.bridge.ScheduleWork(), errors.ErrClosed)
}

func TestBridge_CloseReleasesWaitingRun(t *testing.T) {
	e := newTestEnv(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, e.bridge.Post("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	ran := false
	result := make(chan error, 1)
	go func() {
		result <- e.bridge.Run(context.Background(), func(context.Context) error {
			ran = true
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return e.bridge.Stats().Outstanding == 2
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, e.bridge.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, errors.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run still waiting after Close")
	}

	close(release)
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.bridge.Wait(ctx))
	assert.Equal(t, 0, e.bridge.Stats().Outstanding)
	assert.False(t, ran)
}

func TestBridge_Unbind(t *testing.T) {
	e := newTestEnv(t, nil)

	assert.False(t, e.bridge.Unbind(nil))
	assert.True(t, e.bridge.Unbind(e.guest))
	assert.False(t, e.bridge.Unbind(e.guest))
	assert.Nil(t, e.bridge.Guest())
	assert.Equal(t, errors.KindNotInitialized, kindOf(t, e.bridge.ScheduleWork()))

	require.NoError(t, e.bridge.Bind(e.ctx, e.guest))
	assert.Equal(t, e.guest, e.bridge.Guest())
}

func TestCallback_InvokePassesOwnership(t *testing.T) {
	e := newTestEnv(t, nil)

	res := e.mustCall(t, "make_callback", 77)
	h := api.DecodeI32(res[0])

	v, err := e.bridge.Value(h)
	require.NoError(t, err)
	cb, ok := v.(*Callback)
	require.True(t, ok)
	assert.Equal(t, uint32(77), cb.StablePtr())
	assert.Equal(t, h, cb.Handle())
	assert.Equal(t, 1, e.bridge.Stats().Finalizers)

	require.NoError(t, cb.Invoke(e.ctx, "payload"))
	assert.Equal(t, int32(1), e.global(wasmbin.GlobalCallbacks))

	// The guest frees the argument handle it was given.
	_, err = e.bridge.Value(e.global(wasmbin.GlobalLastArg))
	assert.ErrorIs(t, err, errors.ErrUseAfterFree)

	require.NoError(t, cb.Post(42))
	require.NoError(t, e.bridge.Wait(e.ctx))
	assert.Equal(t, int32(2), e.global(wasmbin.GlobalCallbacks))
}

func TestCallback_InvokeFromTurn(t *testing.T) {
	e := newTestEnv(t, nil)

	cb, _, err := e.bridge.NewCallback(5)
	require.NoError(t, err)

	err = e.bridge.Run(e.ctx, func(ctx context.Context) error {
		return cb.Invoke(ctx, "nested")
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), e.global(wasmbin.GlobalCallbacks))
}

func TestCallback_FreeCallback(t *testing.T) {
	e := newTestEnv(t, nil)

	h := api.DecodeI32(e.mustCall(t, "make_callback", 9)[0])
	e.mustCall(t, "drop_callback", api.EncodeI32(h))

	assert.Equal(t, 0, e.bridge.Stats().Finalizers)
	_, err := e.bridge.Value(h)
	assert.ErrorIs(t, err, errors.ErrUseAfterFree)

	_, err = e.call("drop_callback", api.EncodeI32(h))
	assert.ErrorIs(t, err, errors.ErrUseAfterFree)

	s := e.bridge.NewHandle("not a callback")
	_, err = e.call("drop_callback", api.EncodeI32(s))
	assert.Equal(t, errors.KindTypeMismatch, kindOf(t, err))
}

func TestCallback_UnregisterTwice(t *testing.T) {
	e := newTestEnv(t, nil)

	cb, h, err := e.bridge.NewCallback(3)
	require.NoError(t, err)
	require.NoError(t, e.bridge.UnregisterFinalizer(cb))
	assert.ErrorIs(t, e.bridge.UnregisterFinalizer(cb), errors.ErrDoubleFree)
	require.NoError(t, e.bridge.RegisterFinalizer(cb, 3))
	assert.Equal(t, errors.KindAlreadyRegistered, kindOf(t, e.bridge.RegisterFinalizer(cb, 3)))

	require.NoError(t, e.bridge.FreeHandle(h))
}

func TestCallback_CollectedReleasesStablePtr(t *testing.T) {
	e := newTestEnv(t, nil)

	h := api.DecodeI32(e.mustCall(t, "make_callback", 99)[0])
	e.mustCall(t, "free", api.EncodeI32(h))

	require.Eventually(t, func() bool {
		runtime.GC()
		return e.bridge.Stats().Released == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.bridge.Wait(e.ctx))
	assert.Equal(t, int32(1), e.global(wasmbin.GlobalFreed))
	assert.Equal(t, int32(99), e.global(wasmbin.GlobalLastFreed))
	assert.Equal(t, 0, e.bridge.Stats().Finalizers)
}
