package gateway

import "sync"

// Handler receives a session event. Handlers run on the connection's reader goroutine
// and must not block for long.
type Handler func(event *SessionEvent)

// Unsubscribe removes a registration. Calling it more than once is safe.
type Unsubscribe func()

type handlerSlot struct {
	id      uint64
	handler Handler
}

// handlerTable holds at most one handler per event type. Registering a type again
// replaces the previous handler instead of stacking a second one.
type handlerTable struct {
	mu     sync.RWMutex
	slots  map[EventType]handlerSlot
	nextID uint64
}

func newHandlerTable() *handlerTable {
	return &handlerTable{slots: make(map[EventType]handlerSlot)}
}

func (t *handlerTable) set(kind EventType, h Handler) Unsubscribe {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.slots[kind] = handlerSlot{id: id, handler: h}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			// Only drop our own registration; a later Subscribe may own the slot now
			if slot, ok := t.slots[kind]; ok && slot.id == id {
				delete(t.slots, kind)
			}
		})
	}
}

func (t *handlerTable) get(kind EventType) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, ok := t.slots[kind]
	return slot.handler, ok
}

func (t *handlerTable) clear() {
	t.mu.Lock()
	t.slots = make(map[EventType]handlerSlot)
	t.mu.Unlock()
}

func (t *handlerTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// Disposer aggregates several Unsubscribe funcs so they can be released together
type Disposer struct {
	mu  sync.Mutex
	fns []Unsubscribe
}

// Add registers an Unsubscribe to be called by Dispose
func (d *Disposer) Add(u Unsubscribe) {
	if u == nil {
		return
	}
	d.mu.Lock()
	d.fns = append(d.fns, u)
	d.mu.Unlock()
}

// Dispose calls every registered Unsubscribe in reverse order and empties the set
func (d *Disposer) Dispose() {
	d.mu.Lock()
	fns := d.fns
	d.fns = nil
	d.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
