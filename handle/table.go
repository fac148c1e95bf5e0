package handle

import (
	"slices"
	"sync"

	"github.com/wippyai/wasm-ffi/errors"
)

// Table maps handles to arbitrary Go values.
// Thread-safe, though the boundary only ever drives it from one turn at a time.
type Table struct {
	entries   map[Handle]any
	observers []observerEntry
	nextObs   uint64
	cursor    Handle
	mu        sync.Mutex
	obsMu     sync.RWMutex
}

type observerEntry struct {
	o  Observer
	id uint64
}

// New creates an empty table whose cursor starts at 0.
func New(opts ...Option) *Table {
	t := &Table{
		entries: make(map[Handle]any, 64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allocate stores v under a fresh handle and returns it. It never fails.
//
// The search starts at the cursor and walks forward one step at a time,
// wrapping from MaxInt32 to MinInt32, until it finds a free slot. The claimed
// handle becomes the new cursor, so with low churn the first probe succeeds.
// Keys only repeat after the whole 32-bit space has been covered.
func (t *Table) Allocate(v any) Handle {
	t.mu.Lock()
	h := t.cursor
	for {
		if _, used := t.entries[h]; !used {
			break
		}
		h++ // int32 overflow wraps
	}
	t.cursor = h
	t.entries[h] = v
	t.mu.Unlock()

	t.notify(Event{Type: EventAllocated, Handle: h, Value: v})
	return h
}

// Lookup returns the value stored under h.
// A nil value is a valid entry; an absent handle is a use-after-free.
func (t *Table) Lookup(h Handle) (any, error) {
	t.mu.Lock()
	v, ok := t.entries[h]
	t.mu.Unlock()

	if !ok {
		return nil, errors.UseAfterFree("lookup", int32(h))
	}
	return v, nil
}

// Release removes h. Releasing an absent handle is a double free.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	v, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	t.mu.Unlock()

	if !ok {
		return errors.DoubleFree(errors.PhaseHandle, "release", int32(h))
	}

	t.notify(Event{Type: EventReleased, Handle: h, Value: v})
	return nil
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cursor returns the handle the next allocation will probe first.
func (t *Table) Cursor() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Each calls fn for every live handle in ascending order until fn returns false.
// fn runs on a snapshot and may call back into the table.
func (t *Table) Each(fn func(Handle, any) bool) {
	t.mu.Lock()
	handles := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		handles = append(handles, h)
	}
	values := make(map[Handle]any, len(t.entries))
	for _, h := range handles {
		values[h] = t.entries[h]
	}
	t.mu.Unlock()

	slices.Sort(handles)
	for _, h := range handles {
		if !fn(h, values[h]) {
			return
		}
	}
}

// AddObserver registers o for lifecycle events and returns a function that
// unregisters it.
func (t *Table) AddObserver(o Observer) (remove func()) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.nextObs++
	id := t.nextObs
	t.observers = append(t.observers, observerEntry{id: id, o: o})
	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		for i, e := range t.observers {
			if e.id == id {
				t.observers = append(t.observers[:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, entry := range t.observers {
		entry.o.OnHandleEvent(e)
	}
}
