package wasmbin

import (
	"github.com/tetratelabs/wazero/api"
)

// Greeting is stored at offset 0 of the demo guest's memory.
const Greeting = "hello, ffi"

// ScratchOffset is where the demo guest encodes host strings.
const ScratchOffset = 1024

// Exported globals of the demo guest.
const (
	GlobalInitialized = "initialized"
	GlobalWork        = "work_remaining"
	GlobalTurns       = "turns"
	GlobalFreed       = "freed_stable_ptrs"
	GlobalLastFreed   = "last_freed"
	GlobalCallbacks   = "callback_calls"
	GlobalLastArg     = "last_arg"
)

var (
	i32  = api.ValueTypeI32
	none []api.ValueType
)

func types(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = i32
	}
	return out
}

// Demo returns a reactor guest wired to the "ffi" host module.
//
// It keeps a cooperative work counter: start(n) sets it and schedules work,
// and every rts_schedulerLoop turn decrements it and reschedules itself
// until it reaches zero. ffi_callback records its argument and frees the
// argument handle, since the guest owns it. rts_freeStablePtr records the
// released pointer. The remaining exports are thin wrappers around single
// host imports.
func Demo() []byte {
	m := New()

	freeHandle := m.ImportFunc("ffi", "free-handle", types(1), none)
	scheduleWork := m.ImportFunc("ffi", "schedule-work", none, none)
	newCallback := m.ImportFunc("ffi", "new-callback", types(1), types(1))
	freeCallback := m.ImportFunc("ffi", "free-callback", types(1), none)
	textDecode := m.ImportFunc("ffi", "text-decode", types(2), types(1))
	textLength := m.ImportFunc("ffi", "text-length", types(1), types(1))
	textEncode := m.ImportFunc("ffi", "text-encode", types(3), types(1))

	m.Memory(1, "memory")
	m.Data(0, []byte(Greeting))

	initialized := m.Global(0, GlobalInitialized)
	work := m.Global(0, GlobalWork)
	turns := m.Global(0, GlobalTurns)
	freed := m.Global(0, GlobalFreed)
	lastFreed := m.Global(0, GlobalLastFreed)
	callbacks := m.Global(0, GlobalCallbacks)
	lastArg := m.Global(0, GlobalLastArg)

	export := func(name string, params, results int, body *Code) {
		m.ExportFunc(name, m.Func(types(params), types(results), nil, body))
	}

	export("_initialize", 0, 0, Body().
		I32Const(1).GlobalSet(initialized))

	export("rts_schedulerLoop", 0, 0, Body().
		GlobalGet(turns).I32Const(1).I32Add().GlobalSet(turns).
		GlobalGet(work).If().
		GlobalGet(work).I32Const(1).I32Sub().GlobalSet(work).
		Call(scheduleWork).
		End())

	export("rts_freeStablePtr", 1, 0, Body().
		GlobalGet(freed).I32Const(1).I32Add().GlobalSet(freed).
		LocalGet(0).GlobalSet(lastFreed))

	export("ffi_callback", 2, 0, Body().
		GlobalGet(callbacks).I32Const(1).I32Add().GlobalSet(callbacks).
		LocalGet(1).GlobalSet(lastArg).
		LocalGet(1).Call(freeHandle))

	export("start", 1, 0, Body().
		LocalGet(0).GlobalSet(work).
		Call(scheduleWork))

	export("greet", 0, 1, Body().
		I32Const(0).I32Const(int32(len(Greeting))).Call(textDecode))

	export("echo", 1, 1, Body().
		I32Const(ScratchOffset).
		LocalGet(0).I32Const(ScratchOffset).LocalGet(0).Call(textLength).Call(textEncode).
		Call(textDecode))

	export("encode_into", 2, 1, Body().
		LocalGet(0).I32Const(ScratchOffset).LocalGet(1).Call(textEncode))

	export("decode", 2, 1, Body().
		LocalGet(0).LocalGet(1).Call(textDecode))

	export("length", 1, 1, Body().
		LocalGet(0).Call(textLength))

	export("read_byte", 1, 1, Body().
		LocalGet(0).I32Load8U(0))

	export("free", 1, 0, Body().
		LocalGet(0).Call(freeHandle))

	export("make_callback", 1, 1, Body().
		LocalGet(0).Call(newCallback))

	export("drop_callback", 1, 0, Body().
		LocalGet(0).Call(freeCallback))

	return m.Encode()
}
