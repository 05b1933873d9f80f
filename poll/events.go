package poll

import "fmt"

// Event is a readiness notification for one registered handle.
type Event struct {
	readiness Ready
	token     Token
}

func (e Event) Readiness() Ready { return e.readiness }
func (e Event) Token() Token     { return e.token }

func (e Event) String() string {
	return fmt.Sprintf("Event{token: %d, readiness: %s}", e.token, e.readiness)
}

// Events 是 Poll 填充的事件缓冲区，容量在创建时固定。
// 同一个 Events 可以在多次 Poll 调用之间复用。
type Events struct {
	inner []Event
}

// NewEvents returns a buffer able to hold up to capacity events per Poll.
func NewEvents(capacity int) *Events {
	if capacity < 1 {
		capacity = 1
	}
	return &Events{inner: make([]Event, 0, capacity)}
}

func (e *Events) Len() int      { return len(e.inner) }
func (e *Events) Capacity() int { return cap(e.inner) }
func (e *Events) IsEmpty() bool { return len(e.inner) == 0 }

// Get returns the i-th event of the last Poll.
func (e *Events) Get(i int) (Event, bool) {
	if i < 0 || i >= len(e.inner) {
		return Event{}, false
	}
	return e.inner[i], true
}

// Slice returns the collected events. The slice is reused by the next Poll.
func (e *Events) Slice() []Event { return e.inner }

func (e *Events) clear() { e.inner = e.inner[:0] }

func (e *Events) full() bool { return len(e.inner) == cap(e.inner) }

func (e *Events) remaining() int { return cap(e.inner) - len(e.inner) }

func (e *Events) push(ev Event) bool {
	if e.full() {
		return false
	}
	e.inner = append(e.inner, ev)
	return true
}
