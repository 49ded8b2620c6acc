package heap

// EventType identifies a heap lifecycle notification.
type EventType uint8

const (
	EventAllocated EventType = iota
	EventFreed
	EventMoved
	EventCollected
	EventBudget
)

func (t EventType) String() string {
	switch t {
	case EventAllocated:
		return "allocated"
	case EventFreed:
		return "freed"
	case EventMoved:
		return "moved"
	case EventCollected:
		return "collected"
	case EventBudget:
		return "budget"
	default:
		return "unknown"
	}
}

// Event represents a heap lifecycle event.
type Event struct {
	Type    EventType
	Addr    Addr   // allocation, or its old address for EventMoved
	NewAddr Addr   // EventMoved only
	Size    uint32 // payload size
	Count   int    // allocations swept, EventCollected only
	Bytes   uint64 // bytes swept, or the new budget for EventBudget
}

// Observer receives notifications about heap lifecycle events.
// Observers run synchronously and must not call back into the heap.
type Observer interface {
	OnHeapEvent(Event)
}

// Subscribe adds an observer for lifecycle events.
func (h *Heap) Subscribe(o Observer) {
	h.observers = append(h.observers, o)
}

// Unsubscribe removes an observer.
func (h *Heap) Unsubscribe(o Observer) {
	for i, obs := range h.observers {
		if obs == o {
			h.observers = append(h.observers[:i], h.observers[i+1:]...)
			return
		}
	}
}

func (h *Heap) emit(e Event) {
	for _, o := range h.observers {
		o.OnHeapEvent(e)
	}
}
