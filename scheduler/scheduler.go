package scheduler

import (
	"fmt"
	"strings"

	eventloop "github.com/joeycumines/go-eventloop"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
)

// Scheduler runs callbacks on a later turn of the host's event loop.
type Scheduler interface {
	// ScheduleSoon arranges for fn to run after the caller's turn ends.
	// It never runs fn synchronously and never blocks on fn.
	ScheduleSoon(fn func()) error

	// Strategy reports which host primitive backs this scheduler.
	Strategy() Strategy

	// Close releases resources owned by the scheduler. Callbacks that have
	// not started are dropped.
	Close() error
}

// Strategy identifies a scheduling primitive.
type Strategy uint8

const (
	StrategyAuto Strategy = iota
	StrategyImmediate
	StrategyImport
	StrategyTasks
	StrategyChannel
)

// probeOrder is the capability probing priority.
var probeOrder = []Strategy{StrategyImmediate, StrategyImport, StrategyTasks, StrategyChannel}

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyImmediate:
		return "immediate"
	case StrategyImport:
		return "import"
	case StrategyTasks:
		return "tasks"
	case StrategyChannel:
		return "channel"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy converts a strategy name as printed by String.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return StrategyAuto, nil
	case "immediate":
		return StrategyImmediate, nil
	case "import":
		return StrategyImport, nil
	case "tasks":
		return StrategyTasks, nil
	case "channel":
		return StrategyChannel, nil
	}
	return StrategyAuto, errors.InvalidInput(errors.PhaseSchedule, fmt.Sprintf("unknown strategy %q", name))
}

// ImmediateFunc runs fn after the current turn.
type ImmediateFunc func(fn func()) error

// PostFunc posts fn as a task to a cooperative task queue.
type PostFunc func(fn func()) error

// Importer resolves host modules by specifier at probe time.
type Importer interface {
	Import(specifier string) (any, error)
}

// Modules is an Importer backed by a fixed map.
type Modules map[string]any

// Import returns the module registered under specifier.
func (m Modules) Import(specifier string) (any, error) {
	v, ok := m[specifier]
	if !ok {
		return nil, errors.NotFound(errors.PhaseSchedule, "module", specifier)
	}
	return v, nil
}

// Host lists the scheduling capabilities the embedding process offers.
// Nil fields are absent capabilities.
type Host struct {
	// Immediate is the host's native run-after-I/O primitive.
	Immediate *eventloop.JS

	// Modules is probed for ImportSpecifier.
	Modules Importer

	// Tasks posts cooperative tasks.
	Tasks PostFunc
}

// ImportSpecifier is the module probed through Host.Modules.
const ImportSpecifier = "timers"

// LoopTasks adapts an event loop's external queue as a PostFunc.
func LoopTasks(loop *eventloop.Loop) PostFunc {
	return func(fn func()) error {
		return loop.Submit(fn)
	}
}

// Option configures Select.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	specifier string
	strategy  Strategy
}

// WithStrategy forces a strategy instead of probing.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithLogger sets the logger for selection and the channel fallback.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithImportSpecifier overrides ImportSpecifier.
func WithImportSpecifier(spec string) Option {
	return func(o *options) {
		o.specifier = spec
	}
}

// Select probes host once and returns the highest-priority scheduler it
// supports: immediate, import, tasks, then the channel fallback. The choice
// is fixed for the life of the returned scheduler.
func Select(host Host, opts ...Option) (Scheduler, error) {
	o := options{
		logger:    Logger(),
		specifier: ImportSpecifier,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.strategy != StrategyAuto {
		s, err := build(o.strategy, host, &o)
		if err != nil {
			return nil, err
		}
		o.logger.Info("scheduler selected", zap.Stringer("strategy", s.Strategy()), zap.Bool("forced", true))
		return s, nil
	}

	for _, strategy := range probeOrder {
		s, err := build(strategy, host, &o)
		if err != nil {
			if errors.Is(err, errors.ErrUnavailable) {
				o.logger.Debug("scheduler capability absent", zap.Stringer("strategy", strategy))
				continue
			}
			return nil, err
		}
		o.logger.Info("scheduler selected", zap.Stringer("strategy", s.Strategy()))
		return s, nil
	}

	// unreachable: the channel fallback is always available
	return nil, errors.Unavailable(errors.PhaseSchedule, "scheduler")
}

func build(strategy Strategy, host Host, o *options) (Scheduler, error) {
	switch strategy {
	case StrategyImmediate:
		if host.Immediate == nil {
			return nil, errors.Unavailable(errors.PhaseSchedule, "immediate")
		}
		return &funcScheduler{strategy: StrategyImmediate, post: jsImmediate(host.Immediate)}, nil

	case StrategyImport:
		if host.Modules == nil {
			return nil, errors.Unavailable(errors.PhaseSchedule, "import")
		}
		mod, err := host.Modules.Import(o.specifier)
		if err != nil {
			return nil, errors.New(errors.PhaseSchedule, errors.KindUnavailable).
				Op("import").
				Detail("module %q", o.specifier).
				Cause(err).
				Build()
		}
		post, ok := immediateFromModule(mod)
		if !ok {
			return nil, errors.New(errors.PhaseSchedule, errors.KindUnavailable).
				Op("import").
				Detail("module %q exposes %T, not an immediate primitive", o.specifier, mod).
				Build()
		}
		return &funcScheduler{strategy: StrategyImport, post: post}, nil

	case StrategyTasks:
		if host.Tasks == nil {
			return nil, errors.Unavailable(errors.PhaseSchedule, "tasks")
		}
		return &funcScheduler{strategy: StrategyTasks, post: ImmediateFunc(host.Tasks)}, nil

	case StrategyChannel:
		return newChannelScheduler(o.logger), nil
	}
	return nil, errors.InvalidInput(errors.PhaseSchedule, fmt.Sprintf("cannot build %s scheduler", strategy))
}


func immediateFromModule(mod any) (ImmediateFunc, bool) {
	switch m := mod.(type) {
	case ImmediateFunc:
		return m, m != nil
	case func(func()) error:
		return m, m != nil
	case *eventloop.JS:
		return jsImmediate(m), true
	}
	return nil, false
}

func jsImmediate(js *eventloop.JS) ImmediateFunc {
	return func(fn func()) error {
		_, err := js.SetImmediate(fn)
		return err
	}
}

// funcScheduler backs every strategy that delegates to a host primitive.
type funcScheduler struct {
	post     ImmediateFunc
	strategy Strategy
}

func (s *funcScheduler) ScheduleSoon(fn func()) error {
	if fn == nil {
		return errors.InvalidInput(errors.PhaseSchedule, "callback is nil")
	}
	if err := s.post(fn); err != nil {
		if errors.Is(err, eventloop.ErrLoopTerminated) {
			return errors.New(errors.PhaseSchedule, errors.KindClosed).
				Op(s.strategy.String()).
				Detail("event loop terminated").
				Cause(err).
				Build()
		}
		return errors.Wrap(errors.PhaseSchedule, errors.KindUnavailable, err, "post "+s.strategy.String())
	}
	return nil
}

func (s *funcScheduler) Strategy() Strategy { return s.strategy }

func (s *funcScheduler) Close() error { return nil }
