// Package wasmbin assembles small core WebAssembly modules in binary form.
//
// It covers what the repository's guests need: i32 function imports and
// definitions, one memory with active data segments, mutable i32 globals and
// exports. Demo builds the reactor guest used by cmd/run, the example and
// the integration tests.
package wasmbin
