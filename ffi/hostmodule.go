package ffi

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
)

// Instantiate builds the "ffi" host module into r. It must happen before
// any guest importing it is instantiated.
//
// A host function that detects a contract violation (use after free, double
// free, bad memory range, invalid UTF-8) panics with the *errors.Error, which
// traps the guest; wazero hands the error back to whoever called into it.
func (b *Bridge) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	sigs, err := ParseSignatures(Imports)
	if err != nil {
		return nil, err
	}

	handlers := b.hostFuncs()
	builder := r.NewHostModuleBuilder(ModuleName)
	for _, sig := range sigs {
		fn, ok := handlers[sig.Name]
		if !ok {
			return nil, errors.NotFound(errors.PhaseHost, "host function", sig.Name)
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, sig.Params, sig.Results).
			WithName(sig.Name).
			Export(sig.Name)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(errors.PhaseHost, ModuleName, "*", err)
	}
	b.logger.Debug("host module instantiated", zap.String("module", ModuleName), zap.Int("functions", len(sigs)))
	return mod, nil
}

func (b *Bridge) hostFuncs() map[string]api.GoModuleFunc {
	return map[string]api.GoModuleFunc{
		"free-handle":   b.hostFreeHandle,
		"schedule-work": b.hostScheduleWork,
		"new-callback":  b.hostNewCallback,
		"free-callback": b.hostFreeCallback,
		"text-decode":   b.hostTextDecode,
		"text-length":   b.hostTextLength,
		"text-encode":   b.hostTextEncode,
	}
}

func (b *Bridge) hostFreeHandle(_ context.Context, _ api.Module, stack []uint64) {
	trap(b.FreeHandle(api.DecodeI32(stack[0])))
}

func (b *Bridge) hostScheduleWork(_ context.Context, _ api.Module, _ []uint64) {
	trap(b.ScheduleWork())
}

func (b *Bridge) hostNewCallback(_ context.Context, _ api.Module, stack []uint64) {
	_, h, err := b.NewCallback(api.DecodeU32(stack[0]))
	trap(err)
	stack[0] = api.EncodeI32(h)
}

func (b *Bridge) hostFreeCallback(_ context.Context, _ api.Module, stack []uint64) {
	trap(b.FreeCallback(api.DecodeI32(stack[0])))
}

func (b *Bridge) hostTextDecode(_ context.Context, mod api.Module, stack []uint64) {
	s, err := DecodeText(mod.Memory(), api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	trap(err)
	stack[0] = api.EncodeI32(b.NewHandle(s))
}

func (b *Bridge) hostTextLength(_ context.Context, _ api.Module, stack []uint64) {
	s, err := b.text("text-length", api.DecodeI32(stack[0]))
	trap(err)
	stack[0] = api.EncodeU32(uint32(len(s)))
}

func (b *Bridge) hostTextEncode(_ context.Context, mod api.Module, stack []uint64) {
	s, err := b.text("text-encode", api.DecodeI32(stack[0]))
	trap(err)
	n, err := EncodeText(mod.Memory(), s, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	trap(err)
	stack[0] = api.EncodeU32(n)
}

func trap(err error) {
	if err != nil {
		panic(err)
	}
}
