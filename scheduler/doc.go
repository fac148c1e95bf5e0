// Package scheduler provides a uniform "run this soon, but not now" primitive
// across hosts with different event loop capabilities.
//
// A guest runtime with its own cooperative scheduler uses it to yield: each
// turn does a bounded amount of work and then schedules its own re-entry,
// so the host loop keeps running in between.
//
// # Selection
//
// Select probes the host once, in priority order, and the result never
// changes afterwards:
//
//  1. Host.Immediate - the host's native immediate primitive
//     (eventloop.JS.SetImmediate).
//  2. Host.Modules   - a module imported by specifier ("timers") that
//     exposes an immediate primitive.
//  3. Host.Tasks     - a cooperative task-posting function (LoopTasks).
//  4. channel        - a built-in fallback: a stack plus a wake channel
//     drained by a dedicated goroutine.
//
// Usage:
//
//	loop, _ := eventloop.New()
//	js, _ := eventloop.NewJS(loop)
//	go loop.Run(ctx)
//
//	s, err := scheduler.Select(scheduler.Host{Immediate: js})
//	if err != nil {
//	    return err
//	}
//	s.ScheduleSoon(func() { fmt.Println("next turn") })
//
// # Ordering
//
// The eventloop-backed strategies deliver in submission order. The channel
// fallback delivers last-in first-out. Callers must not depend on either.
//
// # Waiting for quiescence
//
// Tracker counts outstanding callbacks, including the ones scheduled by
// running callbacks, and Wait returns once the count reaches zero.
package scheduler
