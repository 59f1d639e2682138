package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake transport
// ============================================================================

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	listeners listenerSet

	mu         sync.Mutex
	connected  bool
	connects   int
	connectErr error
	emits      []emitted
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = true
	f.connects++
	f.mu.Unlock()
	f.listeners.connected()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.listeners.clear()
	return nil
}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Listen(l Listener) { f.listeners.add(l) }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver pushes an inbound frame through the registered listeners.
func (f *fakeTransport) deliver(t *testing.T, event string, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	f.listeners.frame(Frame{Event: event, Data: b})
}

// drop simulates a connection loss.
func (f *fakeTransport) drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.listeners.disconnected(reason)
}

// restore simulates the transport reconnecting on its own.
func (f *fakeTransport) restore() {
	f.mu.Lock()
	f.connected = true
	f.connects++
	f.mu.Unlock()
	f.listeners.connected()
}

func (f *fakeTransport) sent(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// ============================================================================
// Fake API
// ============================================================================

type fakeAPI struct {
	mu sync.Mutex

	channels     []map[string]any
	total        int
	channelsErr  error
	channelsGate chan struct{}
	listCalls    int

	created     map[string]any
	createErr   error
	createCalls int

	// messages per channel, newest first.
	messages    map[int64][]map[string]any
	messagesErr error
	gates       map[int64]chan struct{}
	started     chan int64
	queries     []MessageQuery

	unread    map[int64]int
	unreadErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: make(map[int64][]map[string]any),
		gates:    make(map[int64]chan struct{}),
	}
}

func (a *fakeAPI) ListChannels(ctx context.Context, page, limit int) (*ChannelPage, error) {
	a.mu.Lock()
	a.listCalls++
	gate := a.channelsGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channelsErr != nil {
		return nil, a.channelsErr
	}
	start := (page - 1) * limit
	if start > len(a.channels) {
		start = len(a.channels)
	}
	end := start + limit
	if end > len(a.channels) {
		end = len(a.channels)
	}
	total := a.total
	if total == 0 {
		total = len(a.channels)
	}
	return &ChannelPage{Channels: a.channels[start:end], Total: total}, nil
}

func (a *fakeAPI) CreateChannel(ctx context.Context, req CreateChannelRequest) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls++
	if a.createErr != nil {
		return nil, a.createErr
	}
	return a.created, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, channelID int64, q MessageQuery) ([]map[string]any, error) {
	a.mu.Lock()
	a.queries = append(a.queries, q)
	gate := a.gates[channelID]
	started := a.started
	a.mu.Unlock()
	if started != nil {
		started <- channelID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.messagesErr != nil {
		return nil, a.messagesErr
	}
	var out []map[string]any
	for _, m := range a.messages[channelID] {
		if q.Before != 0 && toInt64(m["id"]) >= q.Before {
			continue
		}
		if !q.After.IsZero() && !timeOf(m, "createdAt").After(q.After) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (a *fakeAPI) UnreadSummary(ctx context.Context) (map[int64]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreadErr != nil {
		return nil, a.unreadErr
	}
	out := make(map[int64]int, len(a.unread))
	for k, v := range a.unread {
		out[k] = v
	}
	return out, nil
}

func (a *fakeAPI) lastQuery() MessageQuery {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queries) == 0 {
		return MessageQuery{}
	}
	return a.queries[len(a.queries)-1]
}

// ============================================================================
// Fixtures
// ============================================================================

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func rawMessage(id, channelID int64, created time.Time, text string) map[string]any {
	return map[string]any{
		"id":         id,
		"channelId":  channelID,
		"senderId":   2,
		"senderName": "Bob",
		"text":       text,
		"createdAt":  created.Format(time.RFC3339Nano),
	}
}

// history builds n messages for a channel, newest first, one minute apart.
func history(channelID int64, n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, rawMessage(channelID*1000+int64(i), channelID, at(i), "m"))
	}
	return out
}

func rawChannel(id int64, typ string, preview time.Time, memberIDs ...int64) map[string]any {
	members := make([]any, 0, len(memberIDs))
	for _, m := range memberIDs {
		members = append(members, map[string]any{"id": m, "name": fmt.Sprintf("user%d", m)})
	}
	c := map[string]any{"id": id, "type": typ, "members": members}
	if !preview.IsZero() {
		c["lastMessage"] = map[string]any{"id": id * 100, "text": "hello", "senderName": "Bob", "createdAt": preview.Format(time.RFC3339Nano)}
	}
	return c
}

const selfUser = int64(1)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeTransport, *fakeAPI) {
	t.Helper()
	ft := &fakeTransport{}
	api := newFakeAPI()
	if cfg.UserID == 0 {
		cfg.UserID = selfUser
	}
	e := New(api, ft, cfg)
	t.Cleanup(func() {
		_ = e.Disconnect()
		e.Wait()
	})
	return e, ft, api
}
