package finalizer

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-ffi/errors"
)

// tracked is large enough and pointerful enough to avoid the tiny allocator,
// whose batching can delay cleanups indefinitely.
type tracked struct {
	name string
	pad  [64]byte
}

type tokenSink struct {
	tokens []uint32
	mu     sync.Mutex
}

func (s *tokenSink) sink(token uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
}

func (s *tokenSink) snapshot() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.tokens...)
}

//go:noinline
func registerGarbage(t *testing.T, r *Registry[tracked], token uint32) {
	p := &tracked{name: "garbage"}
	require.NoError(t, r.Register(p, token, KeyOf(p)))
}

func TestRegistry_FiresWhenCollected(t *testing.T) {
	s := &tokenSink{}
	r := New[tracked](s.sink)

	registerGarbage(t, r, 77)
	assert.Equal(t, 1, r.Pending())

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(s.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint32{77}, s.snapshot())
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_UnregisterCancels(t *testing.T) {
	s := &tokenSink{}
	r := New[tracked](s.sink)

	p := &tracked{name: "kept"}
	require.NoError(t, r.Register(p, 5, KeyOf(p)))

	assert.True(t, r.Unregister(KeyOf(p)))
	assert.False(t, r.Unregister(KeyOf(p)), "second cancel must fail")
	runtime.KeepAlive(p)

	p = nil
	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, s.snapshot())
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := New[tracked](nil)

	other := &tracked{}
	assert.False(t, r.Unregister(KeyOf(other)))
	assert.False(t, r.Unregister(nil))
	assert.False(t, r.Unregister([]int{1}))
}

func TestRegistry_UnregisterAfterFire(t *testing.T) {
	s := &tokenSink{}
	r := New[tracked](s.sink)

	// A plain comparable key lets the test hold the key without the object.
	func() {
		p := &tracked{name: "transient"}
		require.NoError(t, r.Register(p, 9, "transient-key"))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(s.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, r.Unregister("transient-key"))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := New[tracked](nil)
	p := &tracked{}

	tests := []struct {
		name    string
		tracked *tracked
		key     any
		kind    errors.Kind
	}{
		{"nil tracked", nil, "k", errors.KindInvalidInput},
		{"nil key", p, nil, errors.KindInvalidInput},
		{"uncomparable key", p, []string{"k"}, errors.KindInvalidInput},
		{"key is tracked", p, p, errors.KindInvalidInput},
		{"key holds uncomparable value", p, boxedKey{v: []string{"k"}}, errors.KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.tracked, 1, tt.key)
			var e *errors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, errors.PhaseFinalize, e.Phase)
		})
	}
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Unregister(boxedKey{v: []string{"k"}}))
}

// boxedKey is a comparable type whose values may not be.
type boxedKey struct {
	v any
}

func TestRegistry_DuplicateKey(t *testing.T) {
	r := New[tracked](nil)
	p := &tracked{}

	require.NoError(t, r.Register(p, 1, KeyOf(p)))
	err := r.Register(p, 2, KeyOf(p))

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindAlreadyRegistered, e.Kind)
	assert.Equal(t, 1, r.Pending())

	assert.True(t, r.Unregister(KeyOf(p)))
	runtime.KeepAlive(p)
}

func TestRegistry_ManyObjects(t *testing.T) {
	s := &tokenSink{}
	r := New[tracked](s.sink)

	for i := uint32(0); i < 50; i++ {
		registerGarbage(t, r, i)
	}

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(s.snapshot()) == 50
	}, 10*time.Second, 10*time.Millisecond)

	seen := make(map[uint32]bool)
	for _, tok := range s.snapshot() {
		assert.False(t, seen[tok], "token %d fired twice", tok)
		seen[tok] = true
	}
}
