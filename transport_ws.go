package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the backoff for the next attempt. A connection that
// stayed up for over a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket Transport with heartbeat and auto-reconnect.
type WSTransport struct {
	config    WSConfig
	log       *zap.Logger
	listeners listenerSet

	mu       sync.Mutex
	conn     *websocket.Conn
	state    TransportState
	cur      *cycle
	cancelFn context.CancelFunc
	recon    *reconnector
}

// cycle is one Connect..Disconnect span. Dials and reconnect loops started
// in an older cycle never install a connection.
type cycle struct {
	done chan struct{}
}

// NewWSTransport creates a WebSocket transport. No connection is made until Connect.
func NewWSTransport(config WSConfig) *WSTransport {
	config.defaults()
	return &WSTransport{
		config: config,
		log:    config.Logger.Named("ws"),
		state:  TransportDisconnected,
		recon:  newReconnector(&config),
	}
}

// Listen registers a listener. Registering the same listener twice is a no-op.
func (ws *WSTransport) Listen(l Listener) { ws.listeners.add(l) }

// State returns the current connection state.
func (ws *WSTransport) State() TransportState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether the socket is up.
func (ws *WSTransport) Connected() bool { return ws.State() == TransportConnected }

// Connect dials the gateway unless already connected, connecting or
// reconnecting.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != TransportDisconnected {
		ws.mu.Unlock()
		return nil
	}
	if ws.cur != nil {
		close(ws.cur.done)
	}
	c := &cycle{done: make(chan struct{})}
	ws.cur = c
	ws.state = TransportConnecting
	ws.mu.Unlock()

	if err := ws.dial(ctx, c); err != nil {
		ws.setState(c, TransportDisconnected)
		return err
	}
	return nil
}

func (ws *WSTransport) dial(ctx context.Context, c *cycle) error {
	wsURL, err := ws.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	if ws.cur != c {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	ws.conn = conn
	ws.state = TransportConnected
	ws.cancelFn = cancel
	ws.recon.markConnected()
	ws.mu.Unlock()

	ws.log.Debug("connected", zap.String("url", redactToken(wsURL)))
	ws.listeners.connected()

	go ws.readLoop(connCtx, conn, c)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

func (ws *WSTransport) endpoint() (string, error) {
	u, err := url.Parse(ws.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if ws.config.Token != "" {
		q := u.Query()
		q.Set("token", ws.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Disconnect closes the connection, stops reconnecting and releases all listeners.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	if ws.cur != nil {
		close(ws.cur.done)
		ws.cur = nil
	}
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = TransportDisconnected
	ws.recon.reset()
	ws.mu.Unlock()

	ws.listeners.clear()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends an event. It is dropped with ErrNotConnected when the socket is down.
func (ws *WSTransport) Emit(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, c *cycle) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			if ws.cur != c || ws.conn != conn {
				ws.mu.Unlock()
				return
			}
			ws.conn = nil
			if ws.cancelFn != nil {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			// Reconnecting is entered atomically so a concurrent Connect
			// cannot start a second dial.
			retry := ws.config.AutoReconnect && ws.recon.shouldReconnect()
			if retry {
				ws.state = TransportReconnecting
			} else {
				ws.state = TransportDisconnected
			}
			ws.mu.Unlock()

			ws.log.Info("connection lost", zap.Error(err))
			ws.listeners.disconnected(err.Error())
			if retry {
				ws.reconnect(c)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			ws.log.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		ws.listeners.frame(f)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect retries the dial with backoff until it succeeds, the attempts
// run out or the cycle ends. Running out is reported to listeners as a
// final disconnect.
func (ws *WSTransport) reconnect(c *cycle) {
	for {
		ws.mu.Lock()
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.mu.Unlock()
		ws.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ws.dial(ctx, c)
		cancel()
		if err == nil {
			return
		}

		ws.mu.Lock()
		if ws.cur != c {
			ws.mu.Unlock()
			return
		}
		giveUp := !ws.recon.shouldReconnect()
		if giveUp {
			ws.state = TransportDisconnected
		}
		ws.mu.Unlock()
		if giveUp {
			ws.log.Warn("giving up reconnect", zap.Error(err))
			ws.listeners.disconnected("reconnect failed: " + err.Error())
			return
		}
	}
}

func (ws *WSTransport) setState(c *cycle, s TransportState) {
	ws.mu.Lock()
	if ws.cur == c {
		ws.state = s
	}
	ws.mu.Unlock()
}

func redactToken(u string) string {
	if i := strings.Index(u, "token="); i >= 0 {
		return u[:i] + "token=<redacted>"
	}
	return u
}
