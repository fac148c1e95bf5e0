// Package ffi is the boundary between a wasm guest that can only pass
// integers and the Go host that owns the real values.
//
// A Bridge is the per-guest context. It holds a handle table mapping small
// int32 handles to Go values, a finalizer registry that tells the guest when
// a host callback object has been collected, and a scheduler on which every
// guest entry runs as a turn.
//
// # Host module
//
// Instantiate registers the "ffi" import module (see Imports):
//
//	free-handle    release a handle
//	schedule-work  run the guest scheduler loop on a later turn
//	new-callback   wrap a guest stable pointer in a host callback object
//	free-callback  release a callback and cancel its finalizer
//	text-decode    copy UTF-8 out of guest memory into a string handle
//	text-length    byte length of a string handle
//	text-encode    copy a string handle into guest memory
//
// Contract violations trap the guest. The host function panics with an
// *errors.Error, and the error surfaces from the guest call:
//
//	_, err := inst.Call(ctx, "free", h)
//	if errors.Is(err, errors.ErrDoubleFree) {
//	    ...
//	}
//
// # Turns
//
// Guest code runs only inside turns: Run waits for one, Post does not.
// A Run or Callback.Invoke made with the context of a running turn (a host
// function calling back into the guest) executes immediately instead of
// scheduling.
package ffi
