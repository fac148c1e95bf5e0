package runtime

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
)

type Instance struct {
	runtime *Runtime
	module  api.Module
}

// Call runs an exported function on a scheduler turn and waits for its
// results. Arguments and results are raw core values; see api.EncodeI32 and
// friends.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if i.module == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "instance")
	}
	if i.runtime.isClosed() {
		return nil, errors.Closed(errors.PhaseRuntime, "runtime")
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	if want := len(fn.Definition().ParamTypes()); want != len(args) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Op("call").
			Detail("%s takes %d arguments, got %d", name, want, len(args)).
			Build()
	}

	var results []uint64
	err := i.runtime.bridge.Run(ctx, func(ctx context.Context) error {
		var err error
		results, err = fn.Call(ctx, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Global reads an exported global on a turn.
func (i *Instance) Global(ctx context.Context, name string) (uint64, error) {
	if i.runtime.isClosed() {
		return 0, errors.Closed(errors.PhaseRuntime, "runtime")
	}
	g := i.module.ExportedGlobal(name)
	if g == nil {
		return 0, errors.NotFound(errors.PhaseRuntime, "global", name)
	}
	var v uint64
	err := i.runtime.bridge.Run(ctx, func(context.Context) error {
		v = g.Get()
		return nil
	})
	return v, err
}

// Module returns the underlying wazero module. Touch it only from a turn.
func (i *Instance) Module() api.Module {
	return i.module
}

func (i *Instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}
