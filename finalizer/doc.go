// Package finalizer releases guest-side resources when the host objects that
// reference them are collected.
//
// A Registry attaches a runtime cleanup to each tracked object. When the
// object becomes unreachable the registration is dropped and the Sink
// receives the registration's token, typically forwarded to the guest's
// release entry point on the next scheduler turn. The registry never extends
// the lifetime of a tracked object, and there is no guarantee the cleanup
// runs before the process exits.
//
//	reg := finalizer.New[Callback](func(token uint32) {
//	    sched.ScheduleSoon(func() { releaseStablePtr(token) })
//	})
//
//	cb := &Callback{...}
//	err := reg.Register(cb, stablePtr, finalizer.KeyOf(cb))
//
//	// Explicit release path: cancel the cleanup so the token is not freed twice.
//	if !reg.Unregister(finalizer.KeyOf(cb)) {
//	    // bookkeeping diverged; treat as a double free
//	}
//
// Each registration can be cancelled at most once. Unregister reports false
// for keys that were never registered, were already cancelled, or whose
// cleanup already ran.
package finalizer
