package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/ffi"
)

// HostFunc is a raw host function with its core signature.
type HostFunc struct {
	Handler api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// HostRegistry collects host functions for import modules other than "ffi".
// Each namespace becomes one wazero host module, built when the guest is
// instantiated. A namespace cannot change once built.
type HostRegistry struct {
	funcs map[string]map[string]*HostFunc
	built map[string]bool
	mu    sync.Mutex
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]*HostFunc),
		built: make(map[string]bool),
	}
}

// RegisterFunc adds a host function under namespace#name. Must be called
// before the guest that imports it is instantiated.
func (r *HostRegistry) RegisterFunc(namespace, name string, fn api.GoModuleFunc, params, results []api.ValueType) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "handler cannot be nil")
	}
	if namespace == ffi.ModuleName {
		return errors.New(errors.PhaseHost, errors.KindAlreadyRegistered).
			Op("register").
			Detail("namespace %q is reserved for the boundary", namespace).
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.built[namespace] {
		return errors.New(errors.PhaseHost, errors.KindAlreadyRegistered).
			Op("register").
			Detail("namespace %q is already instantiated", namespace).
			Build()
	}
	if r.funcs[namespace] == nil {
		r.funcs[namespace] = make(map[string]*HostFunc)
	}
	r.funcs[namespace][name] = &HostFunc{Handler: fn, Params: params, Results: results}
	return nil
}

// Namespaces lists registered namespaces in sorted order.
func (r *HostRegistry) Namespaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.funcs))
	for ns := range r.funcs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Bind instantiates every namespace not yet built into rt.
func (r *HostRegistry) Bind(ctx context.Context, rt wazero.Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for namespace, funcs := range r.funcs {
		if r.built[namespace] {
			continue
		}

		names := make([]string, 0, len(funcs))
		for name := range funcs {
			names = append(names, name)
		}
		sort.Strings(names)

		builder := rt.NewHostModuleBuilder(namespace)
		for _, name := range names {
			hf := funcs[name]
			builder.NewFunctionBuilder().
				WithGoModuleFunction(hf.Handler, hf.Params, hf.Results).
				WithName(name).
				Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Registration(errors.PhaseHost, namespace, "*", err)
		}
		r.built[namespace] = true
	}
	return nil
}
