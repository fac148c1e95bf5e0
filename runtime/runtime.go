package runtime

import (
	"context"
	"io"
	"sync"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/ffi"
	"github.com/wippyai/wasm-ffi/scheduler"
)

// Options configures a Runtime.
type Options struct {
	// Logger defaults to the package logger.
	Logger *zap.Logger

	// OnTurnError receives errors from turns nobody waits on, such as the
	// guest scheduler loop and finalizer releases. They are logged either way.
	OnTurnError func(error)

	// Stdout and Stderr receive guest output when WASI is enabled.
	Stdout io.Writer
	Stderr io.Writer

	// Exports names the guest functions the bridge calls into.
	Exports ffi.Exports

	// MemoryLimitPages caps guest memory in 64KiB pages. 0 keeps the wazero
	// default.
	MemoryLimitPages uint32

	// ShutdownTimeout bounds how long Close waits for the event loop to drain.
	ShutdownTimeout time.Duration

	// Strategy forces a scheduling strategy. StrategyAuto probes.
	Strategy scheduler.Strategy

	// WASI instantiates wasi_snapshot_preview1 for guests that import it.
	WASI bool
}

// DefaultOptions returns the options New uses for a zero Options.
func DefaultOptions() Options {
	return Options{
		Exports:         ffi.DefaultExports(),
		ShutdownTimeout: 5 * time.Second,
		Strategy:        scheduler.StrategyAuto,
	}
}

// Runtime hosts a single guest together with its event loop and boundary.
type Runtime struct {
	wazero   wazero.Runtime
	loop     *eventloop.Loop
	bridge   *ffi.Bridge
	hosts    *HostRegistry
	logger   *zap.Logger
	cancel   context.CancelFunc
	loopDone chan struct{}
	instance *Instance
	opts     Options
	mu       sync.Mutex
	closed   bool
}

// New creates the wazero runtime, starts an event loop on its own goroutine,
// selects the scheduler and instantiates the "ffi" host module.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	opts = withDefaults(opts)
	log := opts.Logger

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	wr := wazero.NewRuntimeWithConfig(ctx, cfg)

	if opts.WASI {
		if err := instantiateWASI(ctx, wr); err != nil {
			_ = wr.Close(ctx)
			return nil, err
		}
	}

	loop, err := eventloop.New()
	if err != nil {
		_ = wr.Close(ctx)
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindUnavailable, err, "create event loop")
	}
	js, err := eventloop.NewJS(loop)
	if err != nil {
		_ = loop.Close()
		_ = wr.Close(ctx)
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindUnavailable, err, "create event loop timers")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			log.Error("event loop stopped", zap.Error(err))
		}
	}()

	host := scheduler.Host{
		Immediate: js,
		Modules:   scheduler.Modules{scheduler.ImportSpecifier: js},
		Tasks:     scheduler.LoopTasks(loop),
	}
	sched, err := scheduler.Select(host, scheduler.WithStrategy(opts.Strategy), scheduler.WithLogger(log))
	if err != nil {
		cancel()
		<-loopDone
		_ = wr.Close(ctx)
		return nil, err
	}

	bridge := ffi.NewBridge(sched,
		ffi.WithExports(opts.Exports),
		ffi.WithLogger(log),
		ffi.WithTurnErrorHandler(opts.OnTurnError),
	)

	rt := &Runtime{
		wazero:   wr,
		loop:     loop,
		bridge:   bridge,
		hosts:    NewHostRegistry(),
		logger:   log,
		cancel:   cancel,
		loopDone: loopDone,
		opts:     opts,
	}

	if _, err := bridge.Instantiate(ctx, wr); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	log.Info("runtime ready",
		zap.Stringer("strategy", sched.Strategy()),
		zap.Bool("wasi", opts.WASI),
		zap.Uint32("memory_limit_pages", opts.MemoryLimitPages))
	return rt, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = Logger()
	}
	if opts.Exports == (ffi.Exports{}) {
		opts.Exports = def.Exports
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = def.ShutdownTimeout
	}
	return opts
}

// Bridge returns the boundary shared with the guest.
func (r *Runtime) Bridge() *ffi.Bridge {
	return r.bridge
}

// Hosts returns the registry of additional host modules.
func (r *Runtime) Hosts() *HostRegistry {
	return r.hosts
}

// Wait blocks until no turns are pending.
func (r *Runtime) Wait(ctx context.Context) error {
	return r.bridge.Wait(ctx)
}

// Close stops scheduling, closes the guest and shuts the event loop down.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	if err := r.bridge.Close(); err != nil {
		firstErr = err
	}
	if err := r.wazero.Close(ctx); err != nil && firstErr == nil {
		firstErr = errors.Wrap(errors.PhaseRuntime, errors.KindClosed, err, "close wazero runtime")
	}

	sctx, scancel := context.WithTimeout(ctx, r.opts.ShutdownTimeout)
	defer scancel()
	if err := r.loop.Shutdown(sctx); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
		r.logger.Warn("event loop shutdown", zap.Error(err))
	}
	r.cancel()
	<-r.loopDone

	r.logger.Debug("runtime closed")
	return firstErr
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
