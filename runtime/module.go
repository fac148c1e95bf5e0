package runtime

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
)

// InitializeExport is the reactor initialization entry point.
const InitializeExport = "_initialize"

type Module struct {
	runtime  *Runtime
	compiled wazero.CompiledModule
}

// LoadWASM compiles a core WebAssembly module.
func (r *Runtime) LoadWASM(ctx context.Context, wasm []byte) (*Module, error) {
	if r.isClosed() {
		return nil, errors.Closed(errors.PhaseLoad, "runtime")
	}
	if len(wasm) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "empty module")
	}

	compiled, err := r.wazero.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	return &Module{runtime: r, compiled: compiled}, nil
}

type Export struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Exports lists exported functions sorted by name.
func (m *Module) Exports() []Export {
	defs := m.compiled.ExportedFunctions()
	exports := make([]Export, 0, len(defs))
	for name, def := range defs {
		exports = append(exports, Export{Name: name, Params: def.ParamTypes(), Results: def.ResultTypes()})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	return exports
}

// Imports lists imported functions as "module#name", sorted.
func (m *Module) Imports() []string {
	var out []string
	for _, def := range m.compiled.ImportedFunctions() {
		if mod, name, ok := def.Import(); ok {
			out = append(out, mod+"#"+name)
		}
	}
	sort.Strings(out)
	return out
}

// Instantiate instantiates the guest and binds it to the runtime's bridge.
// If the guest exports _initialize, it runs on the first turn. A runtime
// holds one guest instance.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	r := m.runtime
	if r.isClosed() {
		return nil, errors.Closed(errors.PhaseRuntime, "runtime")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance != nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindAlreadyRegistered).
			Op("instantiate").
			Detail("runtime already hosts a guest instance").
			Build()
	}

	if err := r.hosts.Bind(ctx, r.wazero); err != nil {
		return nil, err
	}

	mod, err := r.wazero.InstantiateModule(ctx, m.compiled, r.moduleConfig())
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	if err := r.bridge.Bind(ctx, mod); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	inst := &Instance{runtime: r, module: mod}
	if init := mod.ExportedFunction(InitializeExport); init != nil {
		err := r.bridge.Run(ctx, func(ctx context.Context) error {
			_, err := init.Call(ctx)
			return err
		})
		if err != nil {
			r.bridge.Unbind(mod)
			_ = mod.Close(ctx)
			return nil, errors.Instantiation(err)
		}
		r.logger.Debug("guest initialized")
	}

	r.instance = inst
	r.logger.Info("guest instantiated",
		zap.Int("exports", len(m.compiled.ExportedFunctions())),
		zap.Int("imports", len(m.compiled.ImportedFunctions())))
	return inst, nil
}
