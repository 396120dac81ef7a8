package resource

// Handle is an opaque reference to a resource in a registry.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Event types for resource lifecycle notifications.
type EventType uint8

const (
	EventRegistered EventType = iota
	EventAddRef
	EventReleased
	EventDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventAddRef:
		return "addref"
	case EventReleased:
		return "released"
	case EventDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Event represents a resource lifecycle event.
type Event struct {
	Value  any
	Err    error // destructor failure, EventDestroyed only
	Handle Handle
	TypeID uint32
	Refs   int32 // count after the operation
	Type   EventType
	Forced bool // destroyed by Close rather than by the last Release
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Destructor releases the native side of a resource. It runs exactly once,
// synchronously, when the last reference is released or the registry closes.
type Destructor func(h Handle, value any) error

// Dropper is optionally implemented by resource values that need cleanup.
// It is used when a resource is registered without an explicit Destructor.
type Dropper interface {
	Drop()
}
