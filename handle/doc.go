// Package handle provides the table that stands between a sandboxed guest and
// host values.
//
// A guest that can only carry integers receives a Handle for each Go value it
// needs to refer to, dereferences it as often as it likes, and releases it
// exactly once:
//
//	table := handle.New()
//
//	h := table.Allocate(conn)      // never fails
//	v, err := table.Lookup(h)      // errors.ErrUseAfterFree if h is not live
//	err = table.Release(h)         // errors.ErrDoubleFree if h is not live
//
// nil is a legitimate value: Lookup distinguishes "stored nil" from "absent"
// by presence, not by value.
//
// # Allocation
//
// Handles are chosen by a cursor scan over the int32 space. The cursor starts
// at 0; allocation probes the cursor and walks forward (wrapping from
// MaxInt32 to MinInt32) to the first free value, which becomes the new
// cursor. Two live handles can never collide, and a value is only reused
// after the cursor has passed over it again.
//
// # Observers
//
// Observers see every allocation and release:
//
//	remove := table.AddObserver(handle.ObserverFunc(func(e handle.Event) {
//	    log.Printf("handle %d %s", e.Handle, e.Type)
//	}))
//	defer remove()
package handle
