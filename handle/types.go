package handle

// Handle is the integer a guest holds in place of a host value.
// Every int32 value is a valid handle, including 0 and negatives.
type Handle int32

// Event types for handle lifecycle notifications.
type EventType uint8

const (
	EventAllocated EventType = iota
	EventReleased
)

func (t EventType) String() string {
	switch t {
	case EventAllocated:
		return "allocated"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event represents a handle lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	Type   EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnHandleEvent(e Event) { f(e) }

// Option configures a Table.
type Option func(*Table)

// WithCursor sets the first handle the allocator tries.
func WithCursor(h Handle) Option {
	return func(t *Table) {
		t.cursor = h
	}
}
