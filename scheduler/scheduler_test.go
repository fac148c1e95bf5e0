package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-ffi/errors"
)

func startLoop(t *testing.T) (*eventloop.Loop, *eventloop.JS) {
	t.Helper()

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
	return loop, js
}

// schedulers returns one scheduler per strategy.
func schedulers(t *testing.T) map[Strategy]Scheduler {
	t.Helper()

	loop, js := startLoop(t)
	out := make(map[Strategy]Scheduler)

	for _, tc := range []struct {
		host     Host
		strategy Strategy
	}{
		{Host{Immediate: js}, StrategyImmediate},
		{Host{Modules: Modules{ImportSpecifier: js}}, StrategyImport},
		{Host{Tasks: LoopTasks(loop)}, StrategyTasks},
		{Host{}, StrategyChannel},
	} {
		s, err := Select(tc.host)
		require.NoError(t, err)
		require.Equal(t, tc.strategy, s.Strategy())
		t.Cleanup(func() { _ = s.Close() })
		out[tc.strategy] = s
	}
	return out
}

func TestSelect_Priority(t *testing.T) {
	loop, js := startLoop(t)
	imported := ImmediateFunc(func(fn func()) error { return loop.Submit(fn) })

	tests := []struct {
		name string
		host Host
		want Strategy
	}{
		{"all capabilities", Host{Immediate: js, Modules: Modules{ImportSpecifier: imported}, Tasks: LoopTasks(loop)}, StrategyImmediate},
		{"import and tasks", Host{Modules: Modules{ImportSpecifier: imported}, Tasks: LoopTasks(loop)}, StrategyImport},
		{"import missing module", Host{Modules: Modules{}, Tasks: LoopTasks(loop)}, StrategyTasks},
		{"import wrong shape", Host{Modules: Modules{ImportSpecifier: 42}, Tasks: LoopTasks(loop)}, StrategyTasks},
		{"tasks only", Host{Tasks: LoopTasks(loop)}, StrategyTasks},
		{"nothing", Host{}, StrategyChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Select(tt.host)
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, tt.want, s.Strategy())
		})
	}
}

func TestSelect_Forced(t *testing.T) {
	_, js := startLoop(t)

	s, err := Select(Host{Immediate: js}, WithStrategy(StrategyChannel))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, StrategyChannel, s.Strategy())

	_, err = Select(Host{}, WithStrategy(StrategyImmediate))
	assert.ErrorIs(t, err, errors.ErrUnavailable)

	_, err = Select(Host{}, WithStrategy(StrategyTasks))
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}

func TestSelect_ImportSpecifier(t *testing.T) {
	called := make(chan struct{}, 1)
	mods := Modules{"node:timers": func(fn func()) error {
		called <- struct{}{}
		go fn()
		return nil
	}}

	s, err := Select(Host{Modules: mods}, WithImportSpecifier("node:timers"))
	require.NoError(t, err)
	assert.Equal(t, StrategyImport, s.Strategy())

	require.NoError(t, s.ScheduleSoon(func() {}))
	<-called
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyAuto, StrategyImmediate, StrategyImport, StrategyTasks, StrategyChannel} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStrategy("postMessage")
	assert.Error(t, err)
}

func TestScheduleSoon_RunsOnLaterTurn(t *testing.T) {
	for strategy, s := range schedulers(t) {
		t.Run(strategy.String(), func(t *testing.T) {
			var marker atomic.Bool
			var ranInline atomic.Bool
			innerSaw := make(chan bool, 1)

			outerDone := make(chan struct{})
			require.NoError(t, s.ScheduleSoon(func() {
				defer close(outerDone)
				var innerRan atomic.Bool
				err := s.ScheduleSoon(func() {
					innerRan.Store(true)
					innerSaw <- marker.Load()
				})
				if err != nil {
					t.Errorf("inner schedule: %v", err)
					return
				}
				ranInline.Store(innerRan.Load())
				marker.Store(true)
			}))

			select {
			case saw := <-innerSaw:
				assert.True(t, saw, "inner callback ran before the scheduling turn returned")
			case <-time.After(5 * time.Second):
				t.Fatal("inner callback never ran")
			}
			<-outerDone
			assert.False(t, ranInline.Load())
		})
	}
}

func TestScheduleSoon_RunsEverything(t *testing.T) {
	for strategy, s := range schedulers(t) {
		t.Run(strategy.String(), func(t *testing.T) {
			const n = 200
			var wg sync.WaitGroup
			wg.Add(n)
			var count atomic.Int32
			for i := 0; i < n; i++ {
				require.NoError(t, s.ScheduleSoon(func() {
					count.Add(1)
					wg.Done()
				}))
			}
			wg.Wait()
			assert.Equal(t, int32(n), count.Load())
		})
	}
}

func TestScheduleSoon_NilCallback(t *testing.T) {
	for strategy, s := range schedulers(t) {
		t.Run(strategy.String(), func(t *testing.T) {
			assert.Error(t, s.ScheduleSoon(nil))
		})
	}
}

func TestScheduleSoon_ReentrantLoop(t *testing.T) {
	// A guest-style work loop: each turn does one unit and yields.
	for strategy, s := range schedulers(t) {
		t.Run(strategy.String(), func(t *testing.T) {
			remaining := 50
			done := make(chan struct{})
			var turn func()
			turn = func() {
				remaining--
				if remaining == 0 {
					close(done)
					return
				}
				if err := s.ScheduleSoon(turn); err != nil {
					t.Errorf("reschedule: %v", err)
				}
			}
			require.NoError(t, s.ScheduleSoon(turn))

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("work loop stalled")
			}
		})
	}
}

func TestEventLoopStrategies_PreserveOrder(t *testing.T) {
	all := schedulers(t)
	for _, strategy := range []Strategy{StrategyImmediate, StrategyImport, StrategyTasks} {
		s := all[strategy]
		t.Run(strategy.String(), func(t *testing.T) {
			var mu sync.Mutex
			var got []int
			var wg sync.WaitGroup
			wg.Add(10)
			for i := 0; i < 10; i++ {
				require.NoError(t, s.ScheduleSoon(func() {
					mu.Lock()
					got = append(got, i)
					mu.Unlock()
					wg.Done()
				}))
			}
			wg.Wait()
			assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
		})
	}
}

func TestChannelScheduler_Close(t *testing.T) {
	s := newChannelScheduler(Logger())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.ScheduleSoon(func() {})
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestChannelScheduler_RecoversPanics(t *testing.T) {
	s := newChannelScheduler(Logger())
	defer s.Close()

	require.NoError(t, s.ScheduleSoon(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, s.ScheduleSoon(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler stopped after panic")
	}
}

func TestEventLoopStrategy_Terminated(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	s, err := Select(Host{Tasks: LoopTasks(loop)})
	require.NoError(t, err)

	err = s.ScheduleSoon(func() {})
	assert.ErrorIs(t, err, errors.ErrClosed)
}
