package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures a NATS transport.
type NATSConfig struct {
	URL           string
	Token         string
	UserID        int64
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zap.Logger
}

func (c *NATSConfig) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "chat"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// NATSTransport is a Transport over a NATS connection. Inbound frames arrive
// on <prefix>.user.<userID>; outbound events are published to
// <prefix>.out.<event>. Reconnects are handled by the NATS client.
type NATSTransport struct {
	config    NATSConfig
	log       *zap.Logger
	listeners listenerSet

	mu      sync.Mutex
	nc      *nats.Conn
	sub     *nats.Subscription
	dialing bool
	gen     uint64
}

// NewNATSTransport creates a NATS transport. No connection is made until Connect.
func NewNATSTransport(config NATSConfig) *NATSTransport {
	config.defaults()
	return &NATSTransport{config: config, log: config.Logger.Named("nats")}
}

// InboxSubject is the subject this transport subscribes to.
func (t *NATSTransport) InboxSubject() string {
	return fmt.Sprintf("%s.user.%d", t.config.SubjectPrefix, t.config.UserID)
}

// OutboundSubject is the subject an event is published to.
func (t *NATSTransport) OutboundSubject(event string) string {
	return t.config.SubjectPrefix + ".out." + event
}

func (t *NATSTransport) Listen(l Listener) { t.listeners.add(l) }

func (t *NATSTransport) Connected() bool {
	return t.State() == TransportConnected
}

// State maps the NATS client status onto a TransportState.
func (t *NATSTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialing {
		return TransportConnecting
	}
	if t.nc == nil {
		return TransportDisconnected
	}
	switch t.nc.Status() {
	case nats.CONNECTED:
		return TransportConnected
	case nats.RECONNECTING:
		return TransportReconnecting
	case nats.CONNECTING:
		return TransportConnecting
	default:
		return TransportDisconnected
	}
}

// owns reports whether nc is the connection of the current cycle. Callbacks
// from a connection replaced by Disconnect are ignored.
func (t *NATSTransport) owns(nc *nats.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nc == nc
}

func (t *NATSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.dialing || (t.nc != nil && !t.nc.IsClosed()) {
		t.mu.Unlock()
		return nil
	}
	t.dialing = true
	gen := t.gen
	t.mu.Unlock()

	opts := []nats.Option{
		nats.Name("chatsync"),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if !t.owns(nc) {
				return
			}
			reason := "disconnected"
			if err != nil {
				reason = err.Error()
			}
			t.log.Info("connection lost", zap.String("reason", reason))
			t.listeners.disconnected(reason)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if !t.owns(nc) {
				return
			}
			t.log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
			t.listeners.connected()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if !t.owns(nc) {
				return
			}
			t.log.Warn("connection closed", zap.Error(nc.LastError()))
			t.listeners.disconnected("connection closed")
		}),
	}
	if t.config.Token != "" {
		opts = append(opts, nats.Token(t.config.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		t.endDial()
		return fmt.Errorf("nats connect: %w", err)
	}
	sub, err := nc.Subscribe(t.InboxSubject(), t.handle)
	if err != nil {
		t.endDial()
		nc.Close()
		return fmt.Errorf("nats subscribe %s: %w", t.InboxSubject(), err)
	}

	t.mu.Lock()
	t.dialing = false
	if t.gen != gen {
		t.mu.Unlock()
		nc.Close()
		return ErrNotConnected
	}
	t.nc = nc
	t.sub = sub
	t.mu.Unlock()

	t.listeners.connected()
	return nil
}

func (t *NATSTransport) endDial() {
	t.mu.Lock()
	t.dialing = false
	t.mu.Unlock()
}

func (t *NATSTransport) handle(msg *nats.Msg) {
	var f Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil || f.Event == "" {
		t.log.Debug("dropping malformed frame", zap.String("subject", msg.Subject))
		return
	}
	t.listeners.frame(f)
}

// Disconnect closes the connection and releases all listeners. A dial in
// flight is abandoned.
func (t *NATSTransport) Disconnect() error {
	t.mu.Lock()
	nc, sub := t.nc, t.sub
	t.nc, t.sub = nil, nil
	t.gen++
	t.mu.Unlock()

	t.listeners.clear()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			t.log.Warn("unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	if nc != nil {
		nc.Close()
	}
	return nil
}

func (t *NATSTransport) Emit(_ context.Context, event string, payload any) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	data, err := encodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return nc.Publish(t.OutboundSubject(event), data)
}
