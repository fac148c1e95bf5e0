package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-ffi/errors"
)

// Tracker wraps a Scheduler and counts callbacks that have been scheduled but
// have not finished. Wait blocks until that count drops to zero.
//
// Close settles every callback that has not started yet, so Wait never waits
// on work the wrapped scheduler dropped. Such callbacks are skipped if the
// scheduler runs them anyway.
type Tracker struct {
	inner       Scheduler
	idle        chan struct{}
	pending     map[uint64]struct{}
	nextID      uint64
	completed   atomic.Uint64
	outstanding int
	mu          sync.Mutex
	closed      bool
}

// NewTracker wraps s.
func NewTracker(s Scheduler) *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		inner:   s,
		idle:    idle,
		pending: make(map[uint64]struct{}),
	}
}

// ScheduleSoon schedules fn through the wrapped scheduler.
func (t *Tracker) ScheduleSoon(fn func()) error {
	if fn == nil {
		return t.inner.ScheduleSoon(nil)
	}

	id, err := t.begin()
	if err != nil {
		return err
	}
	err = t.inner.ScheduleSoon(func() {
		if !t.claim(id) {
			return
		}
		defer t.end(true)
		fn()
	})
	if err != nil && t.claim(id) {
		t.end(false)
	}
	return err
}

func (t *Tracker) Strategy() Strategy { return t.inner.Strategy() }

// Close closes the wrapped scheduler and settles callbacks that have not
// started. Callbacks already running finish normally.
func (t *Tracker) Close() error {
	err := t.inner.Close()

	t.mu.Lock()
	t.closed = true
	dropped := len(t.pending)
	clear(t.pending)
	t.mu.Unlock()

	for range dropped {
		t.end(false)
	}
	return err
}

// Outstanding returns the number of callbacks scheduled and not yet finished.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Completed returns the number of callbacks that have run.
func (t *Tracker) Completed() uint64 {
	return t.completed.Load()
}

// Wait blocks until no callbacks are outstanding or ctx is done.
// Callbacks scheduled by running callbacks keep Wait blocked.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.outstanding == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) begin() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.Closed(errors.PhaseSchedule, "scheduler")
	}
	if t.outstanding == 0 {
		t.idle = make(chan struct{})
	}
	t.outstanding++
	t.nextID++
	t.pending[t.nextID] = struct{}{}
	return t.nextID, nil
}

// claim removes id from the pending set. It reports false once Close settled
// it.
func (t *Tracker) claim(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

func (t *Tracker) end(ran bool) {
	if ran {
		t.completed.Add(1)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding--
	if t.outstanding == 0 {
		close(t.idle)
	}
}
