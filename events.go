package chatsync

import "sync"

// Change notifications published by the Engine. The payload is the new
// read-only snapshot of the affected slice of state.
const (
	ChangeChannels = "channels.updated" // []Channel
	ChangeMessages = "messages.updated" // []Message of the active channel
	ChangeTyping   = "typing.updated"   // TypingChange
	ChangePresence = "presence.updated" // []int64 online user ids
	ChangeReceipts = "receipts.updated" // ReadReceipt
	ChangeState    = "state.changed"    // ConnState
)

// TypingChange is the payload of typing.updated.
type TypingChange struct {
	ChannelID int64
	Names     []string
}

// EventHandler receives engine change notifications.
type EventHandler func(event string, payload any)

type notification struct {
	event   string
	payload any
}

// ============================================================================
// Emitter
// ============================================================================

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers a handler for a change event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) flush(batch []notification) {
	for _, n := range batch {
		e.emit(n.event, n.payload)
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
