package finalizer

import (
	"reflect"
	"runtime"
	"sync"
	"weak"

	"github.com/wippyai/wasm-ffi/errors"
)

// Sink receives the token of a registration whose tracked object was collected.
// It runs on the Go runtime's cleanup goroutine and must not block.
type Sink func(token uint32)

// Registry ties guest-side release tokens to the reachability of host objects.
// Thread-safe.
type Registry[T any] struct {
	sink   Sink
	byKey  map[any]*registration
	byID   map[uint64]*registration
	nextID uint64
	mu     sync.Mutex
}

type registration struct {
	key     any
	cleanup runtime.Cleanup
	id      uint64
	token   uint32
}

// New creates a registry that reports collected registrations to sink.
func New[T any](sink Sink) *Registry[T] {
	return &Registry[T]{
		sink:  sink,
		byKey: make(map[any]*registration),
		byID:  make(map[uint64]*registration),
	}
}

// KeyOf returns an unregistration key for p that does not keep p alive.
// Keys for the same pointer compare equal.
func KeyOf[T any](p *T) any {
	return weak.Make(p)
}

// Register arranges for the sink to receive token once tracked becomes
// unreachable. key identifies the registration for Unregister; it must be
// comparable and must not hold a strong reference to tracked, or the object
// never becomes unreachable. Use KeyOf for the common "keyed by itself" case.
func (r *Registry[T]) Register(tracked *T, token uint32, key any) error {
	if tracked == nil {
		return errors.InvalidInput(errors.PhaseFinalize, "tracked object is nil")
	}
	if !validKey(key) {
		return errors.InvalidInput(errors.PhaseFinalize, "unregistration key must be a non-nil comparable value")
	}
	if p, ok := key.(*T); ok && p == tracked {
		return errors.InvalidInput(errors.PhaseFinalize, "unregistration key must not reference the tracked object")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byKey[key]; dup {
		return errors.AlreadyRegistered(errors.PhaseFinalize, key)
	}

	r.nextID++
	reg := &registration{
		id:    r.nextID,
		key:   key,
		token: token,
	}
	reg.cleanup = runtime.AddCleanup(tracked, r.fire, reg.id)
	r.byKey[key] = reg
	r.byID[reg.id] = reg
	return nil
}

// Unregister cancels the registration for key. It reports false when no
// registration exists: never registered, already cancelled, or already fired.
func (r *Registry[T]) Unregister(key any) bool {
	if !validKey(key) {
		return false
	}

	r.mu.Lock()
	reg, ok := r.byKey[key]
	if ok {
		delete(r.byKey, key)
		delete(r.byID, reg.id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	reg.cleanup.Stop()
	return true
}

// Pending returns the number of registrations that have neither fired nor
// been cancelled.
func (r *Registry[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

func (r *Registry[T]) fire(id uint64) {
	r.mu.Lock()
	reg, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byKey, reg.key)
	}
	r.mu.Unlock()

	if ok && r.sink != nil {
		r.sink(reg.token)
	}
}

// validKey reports whether key can be used as a map key. A comparable type
// is not enough: a struct or array holding interfaces is only hashable when
// the dynamic values are, so the check hashes the key itself.
func validKey(key any) (ok bool) {
	if key == nil || !reflect.TypeOf(key).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[any]struct{}{key: {}}
	return true
}
