package ffi

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
)

// Callback is a host object wrapping a guest stable pointer. Invoking it
// calls back into the guest. Once it is collected, the guest is asked to
// release the stable pointer.
type Callback struct {
	bridge    *Bridge
	stablePtr uint32
	handle    int32
}

// NewCallback wraps stablePtr, stores the callback under a fresh handle and
// registers it for finalization with stablePtr as the token.
func (b *Bridge) NewCallback(stablePtr uint32) (*Callback, int32, error) {
	cb := &Callback{bridge: b, stablePtr: stablePtr}
	if err := b.RegisterFinalizer(cb, stablePtr); err != nil {
		return nil, 0, err
	}
	cb.handle = b.NewHandle(cb)
	return cb, cb.handle, nil
}

// FreeCallback cancels the finalizer of the callback stored under h and
// releases h. The guest keeps ownership of the stable pointer.
func (b *Bridge) FreeCallback(h int32) error {
	v, err := b.Value(h)
	if err != nil {
		return err
	}
	cb, ok := v.(*Callback)
	if !ok {
		return errors.TypeMismatch(errors.PhaseHost, "free-callback", h, "callback", v)
	}
	if err := b.UnregisterFinalizer(cb); err != nil {
		return err
	}
	return b.FreeHandle(h)
}

func (c *Callback) StablePtr() uint32 { return c.stablePtr }

func (c *Callback) Handle() int32 { return c.handle }

// Invoke stores arg under a new handle and passes it to the guest callback
// export. The guest owns the argument handle from then on. The handle is
// allocated on the turn, so nothing leaks when the turn never runs.
func (c *Callback) Invoke(ctx context.Context, arg any) error {
	return c.bridge.Run(ctx, func(ctx context.Context) error {
		return c.call(ctx, c.bridge.NewHandle(arg))
	})
}

// Post is Invoke without waiting. Failures go to the turn error handler.
func (c *Callback) Post(arg any) error {
	return c.bridge.Post("callback", func(ctx context.Context) error {
		return c.call(ctx, c.bridge.NewHandle(arg))
	})
}

func (c *Callback) call(ctx context.Context, arg int32) error {
	fn, err := c.bridge.export(c.bridge.exports.Callback)
	if err != nil {
		return err
	}
	_, err = fn.Call(ctx, api.EncodeU32(c.stablePtr), api.EncodeI32(arg))
	return err
}
