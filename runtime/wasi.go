package runtime

import (
	"context"
	"crypto/rand"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/wasm-ffi/errors"
)

// instantiateWASI registers WASI preview1, which reactor guests built by
// standard toolchains import for clocks, random and stdio.
func instantiateWASI(ctx context.Context, r wazero.Runtime) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return errors.Registration(errors.PhaseHost, wasi_snapshot_preview1.ModuleName, "*", err)
	}
	return nil
}

func (r *Runtime) moduleConfig() wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName("guest").
		WithStartFunctions() // reactors: _initialize is run explicitly on a turn
	if r.opts.WASI {
		cfg = cfg.WithSysWalltime().WithSysNanotime().WithRandSource(rand.Reader)
		if r.opts.Stdout != nil {
			cfg = cfg.WithStdout(r.opts.Stdout)
		}
		if r.opts.Stderr != nil {
			cfg = cfg.WithStderr(r.opts.Stderr)
		}
	}
	return cfg
}
