package scheduler

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
)

// channelScheduler is the fallback when the host offers no primitive of its
// own. Callbacks are pushed onto a stack and a wake signal crosses a channel
// to a dedicated handler goroutine, which pops one entry per iteration.
//
// Delivery is LIFO. Callers must not rely on any order.
type channelScheduler struct {
	logger *zap.Logger
	wake   chan struct{}
	done   chan struct{}
	stack  []func()
	mu     sync.Mutex
	once   sync.Once
	closed bool
}

func newChannelScheduler(logger *zap.Logger) *channelScheduler {
	s := &channelScheduler{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.handle()
	return s
}

func (s *channelScheduler) ScheduleSoon(fn func()) error {
	if fn == nil {
		return errors.InvalidInput(errors.PhaseSchedule, "callback is nil")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Closed(errors.PhaseSchedule, "channel scheduler")
	}
	s.stack = append(s.stack, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// a wake is already pending; the handler drains until empty
	}
	return nil
}

func (s *channelScheduler) Strategy() Strategy { return StrategyChannel }

// Close stops the handler. It does not wait, so it is safe to call from a
// callback.
func (s *channelScheduler) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		dropped := len(s.stack)
		s.stack = nil
		s.mu.Unlock()

		close(s.done)
		if dropped > 0 {
			s.logger.Debug("channel scheduler closed with pending callbacks", zap.Int("dropped", dropped))
		}
	})
	return nil
}

func (s *channelScheduler) handle() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			fn := s.pop()
			if fn == nil {
				break
			}
			s.run(fn)
		}
	}
}

func (s *channelScheduler) pop() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stack)
	if n == 0 || s.closed {
		return nil
	}
	fn := s.stack[n-1]
	s.stack[n-1] = nil
	s.stack = s.stack[:n-1]
	return fn
}

func (s *channelScheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled callback panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
