package chatsync

import (
	"context"
	"encoding/json"
	"sync"
)

// Frame is the wire envelope for every real-time event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Listener receives transport callbacks. Frames are delivered one at a time,
// in receipt order.
type Listener interface {
	OnConnect()
	OnDisconnect(reason string)
	OnFrame(f Frame)
}

// Transport owns one persistent bidirectional connection to the gateway.
//
// Connect is idempotent. Disconnect tears the connection down and releases
// every registered listener. Emit returns ErrNotConnected when the
// connection is down; there is no ack or retry at this layer. A transport
// never replays anything on reconnect.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(ctx context.Context, event string, payload any) error
	Listen(l Listener)
	Connected() bool
}

// StateReporter is implemented by transports that reconnect on their own.
// The Engine uses it to tell a retry in progress from a dead connection;
// such a transport must call OnDisconnect when it stops retrying.
type StateReporter interface {
	State() TransportState
}

// TransportState represents the connection state of a transport.
type TransportState string

const (
	TransportDisconnected TransportState = "disconnected"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
)

// listenerSet fans transport callbacks out to registered listeners. It is
// shared by the transport implementations.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

func (s *listenerSet) clear() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}

func (s *listenerSet) connected() {
	for _, l := range s.snapshot() {
		l.OnConnect()
	}
}

func (s *listenerSet) disconnected(reason string) {
	for _, l := range s.snapshot() {
		l.OnDisconnect(reason)
	}
}

func (s *listenerSet) frame(f Frame) {
	for _, l := range s.snapshot() {
		l.OnFrame(f)
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
