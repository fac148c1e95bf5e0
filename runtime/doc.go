// Package runtime hosts one reactor-style wasm guest on top of the ffi
// boundary.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, runtime.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.LoadWASM(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := inst.Call(ctx, "greet")
//	greeting, _ := rt.Bridge().Value(api.DecodeI32(res[0]))
//
// # Event loop
//
// New starts an event loop on its own goroutine and selects a scheduler
// strategy against it (see scheduler.Select). Options.Strategy forces one.
// Every guest entry, including _initialize and calls made through
// Instance.Call, runs as a turn on that scheduler, so the guest is never
// entered concurrently.
//
// Work the guest schedules for itself runs after the call that scheduled
// it returns. Use Runtime.Wait to let it drain.
//
// # Host Functions
//
// The "ffi" import module is always present. Other import modules are
// registered before instantiation:
//
//	rt.Hosts().RegisterFunc("env", "now", nowFunc, nil, []api.ValueType{api.ValueTypeI64})
//
// Options.WASI adds wasi_snapshot_preview1 for guests built by standard
// toolchains.
//
// # Thread Safety
//
// Runtime, Module and Instance are safe for concurrent use. Calls are
// serialized onto turns. A runtime holds a single guest instance.
package runtime
