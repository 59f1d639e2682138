// Package chatsync keeps a chat client's channels, messages, presence and
// read receipts in sync with the CRM's real-time gateway and REST API.
//
// Usage:
//
//	api := chatsync.NewHTTPClient(token, chatsync.WithBaseURL(baseURL))
//	ws := chatsync.NewWSTransport(chatsync.WSConfig{URL: wsURL, Token: token})
//	engine := chatsync.New(api, ws, chatsync.Config{UserID: me})
//	engine.On(chatsync.ChangeMessages, func(_ string, payload any) { ... })
//
//	if err := engine.Connect(ctx); err != nil { ... }
//	engine.Reload(ctx)
//	engine.SetActiveChannel(ctx, channelID)
//	defer engine.Disconnect()
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnState is the connection state of the Engine.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	// StateTerminated follows an explicit Disconnect. Connect may be
	// called again afterwards.
	StateTerminated ConnState = "terminated"
)

const (
	DefaultChannelPageSize = 20
	DefaultMessagePageSize = 50
	DefaultTypingTimeout   = 3 * time.Second
	DefaultRequestTimeout  = 15 * time.Second
)

// Config configures an Engine.
type Config struct {
	// UserID is the current user.
	UserID          int64
	ChannelPageSize int
	MessagePageSize int
	// TypingTimeout is both the idle time after which a local typing-stop
	// is emitted and the expiry of remote typing entries.
	TypingTimeout  time.Duration
	RequestTimeout time.Duration
	// ResyncOnReconnect makes the engine call Resync after every reconnect.
	ResyncOnReconnect bool
	Logger            *zap.Logger
	Cache             Cache
	Metrics           *Metrics
	Clock             func() time.Time
}

func (c *Config) defaults() {
	if c.ChannelPageSize <= 0 {
		c.ChannelPageSize = DefaultChannelPageSize
	}
	if c.MessagePageSize <= 0 {
		c.MessagePageSize = DefaultMessagePageSize
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the synchronization controller. It owns every piece of chat
// state and is the only thing that mutates it; callers get copies.
//
// All state is guarded by one mutex, so the engine behaves as a single
// actor: transport frames are applied one at a time in receipt order and
// network I/O always happens outside the lock.
type Engine struct {
	*emitter

	api       API
	transport Transport
	cfg       Config
	log       *zap.Logger
	listener  *engineListener

	mu        sync.Mutex
	state     ConnState
	connected bool // at least one connect acknowledgment seen
	active    int64
	dir       *directory
	tl        *timeline
	pres      *presence
	rcpt      *receipts

	refreshing bool

	// pending holds notifications in the order their changes were made;
	// draining marks the goroutine currently delivering them.
	pending  []notification
	draining bool

	typingTimer   *time.Timer
	typingGen     uint64
	typingChannel int64

	bg sync.WaitGroup
}

// New creates an engine. api and transport are owned by the caller but
// must not be shared with another engine.
func New(api API, transport Transport, cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		emitter:   newEmitter(),
		api:       api,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.With(zap.Int64("user_id", cfg.UserID)),
		state:     StateDisconnected,
		dir:       newDirectory(cfg.UserID, cfg.ChannelPageSize),
		tl:        newTimeline(),
		pres:      newPresence(cfg.TypingTimeout, cfg.Clock),
		rcpt:      newReceipts(),
	}
	e.listener = &engineListener{e: e}
	return e
}

// engineListener keeps the transport callbacks off the Engine's public API.
type engineListener struct{ e *Engine }

func (l *engineListener) OnConnect()                 { l.e.handleConnect() }
func (l *engineListener) OnDisconnect(reason string) { l.e.handleDisconnect(reason) }
func (l *engineListener) OnFrame(f Frame)            { l.e.handleFrame(f) }

// publishLocked queues notifications behind every change made before them.
func (e *Engine) publishLocked(batch ...notification) {
	e.pending = append(e.pending, batch...)
}

// unlock releases the engine lock and delivers queued notifications.
func (e *Engine) unlock() {
	e.mu.Unlock()
	e.drain()
}

// drain delivers queued notifications in order, one goroutine at a time.
// A caller that finds a drain in progress leaves its notifications to it,
// so a handler calling back into the engine sees its own changes after the
// current batch.
func (e *Engine) drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.pending) > 0 {
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()
		e.flush(batch)
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}

// send emits a fire-and-forget event. A dropped emit is only logged.
func (e *Engine) send(ctx context.Context, event string, payload any) {
	if err := e.transport.Emit(ctx, event, payload); err != nil {
		e.log.Debug("emit dropped", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) setStateLocked(s ConnState) []notification {
	if e.state == s {
		return nil
	}
	e.state = s
	return []notification{{ChangeState, s}}
}

func (e *Engine) goBackground(fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect registers with the transport and opens the connection. It is a
// no-op while connecting or connected. If the transport is already retrying
// on its own, the engine stays connecting until the transport reports the
// outcome. The caller is responsible for re-entering a channel after a
// reconnect.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateConnecting || e.state == StateConnected {
		e.mu.Unlock()
		return nil
	}
	e.publishLocked(e.setStateLocked(StateConnecting)...)
	e.unlock()

	e.transport.Listen(e.listener)
	if err := e.transport.Connect(ctx); err != nil {
		e.abandonConnect()
		return fmt.Errorf("connect: %w", err)
	}
	switch {
	case e.transport.Connected():
		// A transport that was already up does not call back.
		e.handleConnect()
	case !e.transportPending():
		// Neither up nor retrying, so no callback will ever arrive.
		e.abandonConnect()
	}
	return nil
}

func (e *Engine) abandonConnect() {
	e.mu.Lock()
	if e.state == StateConnecting {
		e.publishLocked(e.setStateLocked(StateDisconnected)...)
	}
	e.unlock()
}

// transportPending reports whether the transport is still dialing or
// retrying on its own and will call back when that ends.
func (e *Engine) transportPending() bool {
	r, ok := e.transport.(StateReporter)
	if !ok {
		return false
	}
	switch r.State() {
	case TransportConnecting, TransportReconnecting:
		return true
	}
	return false
}

// Disconnect terminates the session: it stops the typing timer, drops
// ephemeral state and releases the transport and its listeners. Channels,
// messages and receipts are kept.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.publishLocked(e.setStateLocked(StateTerminated)...)
	e.publishLocked(e.dropEphemeralLocked()...)
	e.mu.Unlock()

	err := e.transport.Disconnect()
	e.drain()
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close disconnects, waits for background work and drops every change
// handler. The engine's cache may be closed once Close returns.
func (e *Engine) Close() error {
	err := e.Disconnect()
	e.Wait()
	e.removeAll()
	return err
}

// Wait blocks until background refreshes started by the engine finish.
func (e *Engine) Wait() {
	e.bg.Wait()
}

func (e *Engine) handleConnect() {
	e.mu.Lock()
	if e.state == StateTerminated || e.state == StateConnected {
		e.mu.Unlock()
		return
	}
	e.publishLocked(e.setStateLocked(StateConnected)...)
	resync := e.cfg.ResyncOnReconnect && e.connected
	e.connected = true
	e.mu.Unlock()

	e.cfg.Metrics.connected()
	e.log.Info("connected")
	e.drain()
	if resync {
		e.goBackground(func() { e.Resync(context.Background()) })
	}
}

func (e *Engine) handleDisconnect(reason string) {
	e.mu.Lock()
	if e.state == StateTerminated || e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.publishLocked(e.setStateLocked(StateDisconnected)...)
	e.publishLocked(e.dropEphemeralLocked()...)
	e.mu.Unlock()

	e.cfg.Metrics.disconnected()
	e.log.Info("disconnected", zap.String("reason", reason))
	e.drain()
}

// dropEphemeralLocked clears presence and typing, and cancels the local
// typing timer. None of it can be trusted across a connection gap.
func (e *Engine) dropEphemeralLocked() []notification {
	e.cancelTypingLocked()
	var changes []notification
	for ch := range e.pres.typing {
		changes = append(changes, notification{ChangeTyping, TypingChange{ChannelID: ch}})
	}
	hadOnline := len(e.pres.online) > 0
	e.pres.reset()
	if hadOnline {
		changes = append(changes, notification{ChangePresence, []int64{}})
	}
	e.cfg.Metrics.setOnline(0)
	return changes
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleFrame(f Frame) {
	var raw map[string]any
	if err := json.Unmarshal(f.Data, &raw); err != nil || raw == nil {
		e.drop(f.Event, "undecodable payload")
		return
	}

	switch f.Event {
	case EventMessageNew:
		m := MapMessage(messageBody(raw))
		if m.ID == 0 || m.ChannelID == 0 {
			e.drop(f.Event, "message without id or channel")
			return
		}
		// Undated messages are the newest we know of.
		if m.CreatedAt.IsZero() {
			m.CreatedAt = e.cfg.Clock().UTC()
		}
		e.applyInbound(m)
	case EventMessageEdited:
		m := MapMessage(messageBody(raw))
		if m.ID == 0 {
			e.drop(f.Event, "edit without message id")
			return
		}
		e.applyEdit(m.ID, m.Text, m.UpdatedAt)
	case EventMessageDeleted:
		id := idOf(messageBody(raw), "messageId", "id", "_id")
		if id == 0 {
			e.drop(f.Event, "delete without message id")
			return
		}
		e.applyDelete(id)
	case EventReactionUpdated:
		id := idOf(raw, "messageId", "id")
		if id == 0 {
			if msg, ok := raw["message"].(map[string]any); ok {
				id = idOf(msg, "id", "messageId")
				if _, ok := raw["reactions"]; !ok {
					raw = msg
				}
			}
		}
		if id == 0 {
			e.drop(f.Event, "reaction without message id")
			return
		}
		e.applyReaction(id, MapReactions(firstPresent(raw, "reactions", "aggregate")))
	case EventTypingStart, EventTypingStop:
		ev := MapTyping(raw)
		if ev.ChannelID == 0 {
			e.drop(f.Event, "typing without channel")
			return
		}
		e.applyTyping(ev, f.Event == EventTypingStart)
	case EventPresenceOnline, EventPresenceOffline:
		id := MapPresence(raw)
		if id == 0 {
			e.drop(f.Event, "presence without user")
			return
		}
		e.applyPresence(id, f.Event == EventPresenceOnline)
	case EventReadUpdated:
		r := MapReadReceipt(raw)
		if r.ChannelID == 0 || r.UserID == 0 {
			e.drop(f.Event, "receipt without channel or user")
			return
		}
		if r.ReadAt.IsZero() {
			r.ReadAt = e.cfg.Clock().UTC()
		}
		e.applyReceipt(r)
	default:
		e.drop(f.Event, "unknown event")
		return
	}
	e.cfg.Metrics.frame(f.Event)
}

func (e *Engine) drop(event, reason string) {
	e.cfg.Metrics.dropped()
	e.log.Debug("frame dropped", zap.String("event", event), zap.String("reason", reason))
}

// messageBody unwraps payloads of the form {"message": {...}}.
func messageBody(raw map[string]any) map[string]any {
	if inner, ok := raw["message"].(map[string]any); ok {
		if _, hasID := raw["id"]; !hasID {
			return inner
		}
	}
	return raw
}

func (e *Engine) applyInbound(m Message) {
	e.mu.Lock()
	active := e.active != 0 && m.ChannelID == e.active
	if active {
		e.tl.insert(m)
		e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
	}
	known := e.dir.applyIncomingMessage(&m, active)
	if known {
		e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	}
	refresh := !known && !e.refreshing
	if refresh {
		e.refreshing = true
	}
	e.unlock()

	e.cacheMessages(m.ChannelID, []Message{m})
	if active {
		e.send(context.Background(), EventMessageRead, ChannelRefPayload{ChannelID: m.ChannelID})
	}
	if refresh {
		e.log.Debug("message for unknown channel", zap.Int64("channel_id", m.ChannelID))
		e.goBackground(e.refreshDirectory)
	}
}

func (e *Engine) applyEdit(id int64, text string, at time.Time) {
	e.mu.Lock()
	if !e.tl.edit(id, text, at) {
		e.mu.Unlock()
		return
	}
	updated := e.tl.find(id).clone()
	e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
	e.unlock()

	e.cacheMessages(updated.ChannelID, []Message{updated})
}

func (e *Engine) applyDelete(id int64) {
	e.mu.Lock()
	if e.tl.remove(id) {
		e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
	}
	e.unlock()

	if e.cfg.Cache != nil {
		if err := e.cfg.Cache.DeleteMessage(id); err != nil {
			e.log.Warn("cache delete failed", zap.Int64("message_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) applyReaction(id int64, agg []Reaction) {
	e.mu.Lock()
	if !e.tl.setReactions(id, agg) {
		e.mu.Unlock()
		return
	}
	updated := e.tl.find(id).clone()
	e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
	e.unlock()

	e.cacheMessages(updated.ChannelID, []Message{updated})
}

func (e *Engine) applyTyping(ev TypingEvent, start bool) {
	if ev.UserID != 0 && ev.UserID == e.cfg.UserID {
		return
	}
	e.mu.Lock()
	var changed bool
	if start {
		changed = e.pres.typingStart(ev)
	} else {
		changed = e.pres.typingStop(ev)
	}
	if changed {
		names := e.pres.typingNames(ev.ChannelID)
		e.publishLocked(notification{ChangeTyping, TypingChange{ChannelID: ev.ChannelID, Names: names}})
	}
	e.unlock()
}

func (e *Engine) applyPresence(userID int64, online bool) {
	e.mu.Lock()
	var changed bool
	if online {
		changed = e.pres.markOnline(userID)
	} else {
		changed = e.pres.markOffline(userID)
	}
	if changed {
		users := e.pres.onlineUsers()
		e.cfg.Metrics.setOnline(len(users))
		e.publishLocked(notification{ChangePresence, users})
	}
	e.unlock()
}

func (e *Engine) applyReceipt(r ReadReceipt) {
	e.mu.Lock()
	if !e.rcpt.record(r) {
		e.mu.Unlock()
		return
	}
	e.publishLocked(notification{ChangeReceipts, r})
	// Read on another device.
	if r.UserID == e.cfg.UserID && e.dir.markRead(r.ChannelID) {
		e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	}
	e.unlock()
}

// ============================================================================
// Channel directory
// ============================================================================

// FetchPage loads one page of the channel directory. It is a no-op while
// another directory fetch is in flight. The first successful page-1 fetch
// also makes sure the self-channel exists.
func (e *Engine) FetchPage(ctx context.Context, page int) {
	e.fetchChannels(ctx, page, false)
}

// LoadMoreChannels fetches the next directory page, if any.
func (e *Engine) LoadMoreChannels(ctx context.Context) {
	e.mu.Lock()
	if !e.dir.hasMore || e.dir.loading {
		e.mu.Unlock()
		return
	}
	next := e.dir.page + 1
	e.mu.Unlock()
	e.fetchChannels(ctx, next, false)
}

// Reload replaces the directory with a fresh first page, re-checks the
// self-channel and reconciles unread counters with the server.
func (e *Engine) Reload(ctx context.Context) {
	if e.fetchChannels(ctx, 1, true) {
		e.ReconcileUnreadSummary(ctx)
	}
}

func (e *Engine) fetchChannels(ctx context.Context, page int, replace bool) bool {
	if page < 1 {
		page = 1
	}
	e.mu.Lock()
	if e.dir.loading {
		e.mu.Unlock()
		return false
	}
	e.dir.loading = true
	e.mu.Unlock()

	rctx, cancel := e.requestContext(ctx)
	res, err := e.api.ListChannels(rctx, page, e.cfg.ChannelPageSize)
	cancel()

	e.mu.Lock()
	e.dir.loading = false
	if err != nil {
		e.mu.Unlock()
		e.cfg.Metrics.requestError("list_channels")
		e.log.Warn("channel page fetch failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	chans := e.mapChannels(res.Channels)
	if replace {
		e.dir.reset()
	}
	e.dir.merge(chans)
	e.dir.setTotal(page, res.Total)
	ensureSelf := false
	if page == 1 && !e.dir.selfChecked {
		e.dir.selfChecked = true
		ensureSelf = e.dir.selfChannelID == 0
	}
	snap := e.dir.snapshot()
	e.publishLocked(notification{ChangeChannels, snap})
	e.unlock()

	e.cfg.Metrics.setChannels(len(snap))
	e.cacheChannels(chans)
	if ensureSelf {
		e.ensureSelfChannel(ctx)
	}
	return true
}

func (e *Engine) mapChannels(raws []map[string]any) []Channel {
	out := make([]Channel, 0, len(raws))
	for _, raw := range raws {
		c := MapChannel(raw, e.cfg.UserID)
		if c.ID == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ensureSelfChannel creates the self-channel when the first page did not
// contain one. A failure is logged and left for the next Reload.
func (e *Engine) ensureSelfChannel(ctx context.Context) {
	rctx, cancel := e.requestContext(ctx)
	raw, err := e.api.CreateChannel(rctx, CreateChannelRequest{Type: ChannelDirect, MemberIDs: []int64{}})
	cancel()
	if err != nil {
		e.cfg.Metrics.requestError("create_channel")
		e.log.Warn("self-channel creation failed", zap.Error(err))
		return
	}
	c := MapChannel(raw, e.cfg.UserID)
	if c.ID == 0 {
		e.log.Warn("self-channel creation returned no id")
		return
	}
	// The create response may omit the roster.
	if !c.IsSelf(e.cfg.UserID) {
		c.Type = ChannelDirect
		c.Members = []Member{{ID: e.cfg.UserID}}
		if firstStr(raw, "name", "title") == "" {
			c.Name = SelfChannelName
		}
	}

	e.mu.Lock()
	e.dir.prependSelf(c)
	self := e.dir.get(c.ID).clone()
	e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	e.unlock()

	e.cacheChannels([]Channel{self})
}

// refreshDirectory merges a fresh first page without touching pagination.
// It shares the directory fetch guard, so it is skipped while a page fetch
// or reload is in flight.
func (e *Engine) refreshDirectory() {
	e.mu.Lock()
	if e.dir.loading {
		e.refreshing = false
		e.mu.Unlock()
		e.log.Debug("directory refresh skipped, fetch in flight")
		return
	}
	e.dir.loading = true
	e.mu.Unlock()

	ctx, cancel := e.requestContext(context.Background())
	res, err := e.api.ListChannels(ctx, 1, e.cfg.ChannelPageSize)
	cancel()

	var chans []Channel
	if err == nil {
		chans = e.mapChannels(res.Channels)
	}

	e.mu.Lock()
	e.dir.loading = false
	e.refreshing = false
	if err != nil {
		e.mu.Unlock()
		e.cfg.Metrics.requestError("list_channels")
		e.log.Warn("directory refresh failed", zap.Error(err))
		return
	}
	e.dir.merge(chans)
	e.dir.hasMore = len(e.dir.channels) < res.Total
	e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	e.unlock()

	e.cacheChannels(chans)
}

// ReconcileUnreadSummary replaces every unread counter with the server's
// snapshot. The active channel stays at zero.
func (e *Engine) ReconcileUnreadSummary(ctx context.Context) {
	rctx, cancel := e.requestContext(ctx)
	counts, err := e.api.UnreadSummary(rctx)
	cancel()
	if err != nil {
		e.cfg.Metrics.requestError("unread_summary")
		e.log.Warn("unread summary failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.dir.reconcileUnread(counts)
	if e.active != 0 {
		e.dir.markRead(e.active)
	}
	e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	e.unlock()
}

// Restore hydrates the directory from the cache. It is meant to run once,
// before the first network fetch.
func (e *Engine) Restore() error {
	if e.cfg.Cache == nil {
		return nil
	}
	chans, err := e.cfg.Cache.Channels(0)
	if err != nil {
		return fmt.Errorf("restore channels: %w", err)
	}
	e.mu.Lock()
	e.dir.merge(chans)
	e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	e.unlock()
	return nil
}

// ============================================================================
// Message timeline
// ============================================================================

// SetActiveChannel switches the timeline to channelID: it clears the
// timeline, leaves the previous channel, joins the new one, marks it read
// and loads the newest page. It returns once that page has been applied or
// dropped.
//
// A switch invalidates any page still in flight for the previous channel.
func (e *Engine) SetActiveChannel(ctx context.Context, channelID int64) {
	e.mu.Lock()
	prev := e.active
	e.active = channelID
	token := e.tl.switchTo(channelID)
	e.publishLocked(notification{ChangeMessages, []Message{}})
	if channelID == 0 {
		e.tl.hasMore = false
		e.tl.loading = false
		e.tl.state = ChannelIdle
	} else if e.dir.markRead(channelID) {
		e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	}
	e.unlock()

	if prev != 0 && prev != channelID {
		e.send(ctx, EventChannelLeave, ChannelRefPayload{ChannelID: prev})
	}
	if channelID == 0 {
		return
	}
	e.send(ctx, EventChannelJoin, ChannelRefPayload{ChannelID: channelID})
	e.send(ctx, EventMessageRead, ChannelRefPayload{ChannelID: channelID})
	e.loadPage(ctx, token, channelID, 0)
}

// LoadMore fetches the page before the oldest loaded message. After a
// failed initial load it retries that load instead.
func (e *Engine) LoadMore(ctx context.Context) {
	e.mu.Lock()
	channelID := e.active
	if channelID == 0 || e.tl.loading {
		e.mu.Unlock()
		return
	}
	token := e.tl.token
	var cursor int64
	switch e.tl.state {
	case ChannelIdle:
		e.tl.state = ChannelLoadingInitial
	case ChannelReady:
		cursor = e.tl.oldestID()
		if !e.tl.hasMore || cursor == 0 {
			e.mu.Unlock()
			return
		}
	default:
		e.mu.Unlock()
		return
	}
	e.tl.loading = true
	e.mu.Unlock()

	e.loadPage(ctx, token, channelID, cursor)
}

func (e *Engine) loadPage(ctx context.Context, token uint64, channelID, before int64) {
	rctx, cancel := e.requestContext(ctx)
	raws, err := e.api.ListMessages(rctx, channelID, MessageQuery{Before: before, Limit: e.cfg.MessagePageSize})
	cancel()

	var batch, cached []Message
	if err != nil {
		e.cfg.Metrics.requestError("list_messages")
		e.log.Warn("message page fetch failed",
			zap.Int64("channel_id", channelID), zap.Int64("before", before), zap.Error(err))
		if before == 0 {
			cached = e.cachedMessages(channelID)
		}
	} else {
		batch = make([]Message, 0, len(raws))
		// Newest-first on the wire.
		for i := len(raws) - 1; i >= 0; i-- {
			m := MapMessage(raws[i])
			if m.ID == 0 {
				continue
			}
			if m.ChannelID == 0 {
				m.ChannelID = channelID
			}
			batch = append(batch, m)
		}
	}

	e.mu.Lock()
	if e.tl.token != token {
		e.mu.Unlock()
		e.cfg.Metrics.stalePage()
		e.log.Debug("stale message page dropped", zap.Int64("channel_id", channelID))
		return
	}
	e.tl.loading = false
	if err != nil {
		if before == 0 {
			e.tl.merge(cached)
			e.tl.state = ChannelIdle
		}
		e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
		e.unlock()
		return
	}
	e.tl.merge(batch)
	e.tl.hasMore = len(raws) >= e.cfg.MessagePageSize
	e.tl.state = ChannelReady
	e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
	e.unlock()

	e.cacheMessages(channelID, batch)
}

// Resync re-joins the active channel, fetches messages newer than the
// newest one held, refreshes the first directory page and reconciles
// unread counters.
func (e *Engine) Resync(ctx context.Context) {
	e.mu.Lock()
	channelID := e.active
	token := e.tl.token
	after := e.tl.newestAt()
	e.mu.Unlock()

	if channelID != 0 {
		e.send(ctx, EventChannelJoin, ChannelRefPayload{ChannelID: channelID})
		rctx, cancel := e.requestContext(ctx)
		raws, err := e.api.ListMessages(rctx, channelID, MessageQuery{After: after, Limit: e.cfg.MessagePageSize})
		cancel()
		if err != nil {
			e.cfg.Metrics.requestError("list_messages")
			e.log.Warn("resync fetch failed", zap.Int64("channel_id", channelID), zap.Error(err))
		} else {
			e.applyResync(token, channelID, raws)
		}
	}

	e.mu.Lock()
	start := !e.refreshing
	e.refreshing = true
	e.mu.Unlock()
	if start {
		e.refreshDirectory()
	}
	e.ReconcileUnreadSummary(ctx)
}

func (e *Engine) applyResync(token uint64, channelID int64, raws []map[string]any) {
	batch := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m := MapMessage(raw)
		if m.ID == 0 {
			continue
		}
		if m.ChannelID == 0 {
			m.ChannelID = channelID
		}
		batch = append(batch, m)
	}

	e.mu.Lock()
	if e.tl.token != token {
		e.mu.Unlock()
		e.cfg.Metrics.stalePage()
		return
	}
	for _, m := range batch {
		e.tl.insert(m)
	}
	e.publishLocked(notification{ChangeMessages, e.tl.snapshot()})
	e.unlock()

	e.cacheMessages(channelID, batch)
}

// ============================================================================
// User actions
// ============================================================================

// SendMessage emits message:send. Nothing is appended locally; the
// confirmed message arrives as message:new. A channelID of 0 targets the
// active channel. When replyToID is nil the pending reply context, if any,
// is used. The reply context is cleared either way.
func (e *Engine) SendMessage(ctx context.Context, channelID int64, text string, attachments []Attachment, replyToID *int64) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	if channelID == 0 {
		channelID = e.active
	}
	if channelID == 0 {
		e.mu.Unlock()
		return ErrNoActiveChannel
	}
	if replyToID == nil && e.tl.replyTo != nil && channelID == e.active {
		id := e.tl.replyTo.ID
		replyToID = &id
	}
	e.tl.replyTo = nil
	e.mu.Unlock()

	if attachments == nil {
		attachments = []Attachment{}
	}
	e.send(ctx, EventMessageSend, SendPayload{
		ChannelID:        channelID,
		Text:             text,
		Attachments:      attachments,
		ReplyToMessageID: replyToID,
		MessageType:      KindText,
		RequestID:        uuid.NewString(),
	})
	return nil
}

// EditMessage emits message:edit. The server echo updates the timeline.
func (e *Engine) EditMessage(ctx context.Context, messageID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := e.requireConnected(); err != nil {
		return err
	}
	e.send(ctx, EventMessageEdit, EditPayload{MessageID: messageID, Text: text})
	return nil
}

// DeleteMessage emits message:delete.
func (e *Engine) DeleteMessage(ctx context.Context, messageID int64) error {
	if err := e.requireConnected(); err != nil {
		return err
	}
	e.send(ctx, EventMessageDelete, MessageRefPayload{MessageID: messageID})
	return nil
}

// React toggles emoji on a message by emitting message:reaction.
func (e *Engine) React(ctx context.Context, messageID int64, emoji string) error {
	if emoji == "" {
		return ErrEmptyReaction
	}
	if err := e.requireConnected(); err != nil {
		return err
	}
	e.send(ctx, EventReaction, ReactionPayload{MessageID: messageID, Reaction: emoji})
	return nil
}

// MarkAsRead zeroes the channel's unread counter and tells the server.
func (e *Engine) MarkAsRead(ctx context.Context, channelID int64) {
	e.mu.Lock()
	if e.dir.markRead(channelID) {
		e.publishLocked(notification{ChangeChannels, e.dir.snapshot()})
	}
	e.unlock()

	e.send(ctx, EventMessageRead, ChannelRefPayload{ChannelID: channelID})
}

func (e *Engine) requireConnected() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return ErrNotConnected
	}
	return nil
}

// SetReplyContext marks a loaded message of the active channel as the
// target of the next SendMessage.
func (e *Engine) SetReplyContext(messageID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.tl.find(messageID)
	if m == nil {
		return ErrUnknownMessage
	}
	p := m.preview()
	e.tl.replyTo = &ReplyRef{ID: m.ID, Text: p.Text, SenderName: m.SenderName}
	return nil
}

func (e *Engine) ClearReplyContext() {
	e.mu.Lock()
	e.tl.replyTo = nil
	e.mu.Unlock()
}

// ============================================================================
// Typing
// ============================================================================

// StartTyping emits typing:start and (re)arms the single local typing
// timer. When it fires without another StartTyping, typing:stop is emitted
// for the channel of the last call. Starting in another channel silently
// replaces the previous timer.
func (e *Engine) StartTyping(ctx context.Context, channelID int64) {
	e.mu.Lock()
	if e.state != StateConnected || channelID == 0 {
		e.mu.Unlock()
		return
	}
	e.cancelTypingLocked()
	gen := e.typingGen
	e.typingChannel = channelID
	e.typingTimer = time.AfterFunc(e.cfg.TypingTimeout, func() { e.typingExpired(gen) })
	e.mu.Unlock()

	e.send(ctx, EventTypingStart, ChannelRefPayload{ChannelID: channelID})
}

// StopTyping cancels the typing timer and emits typing:stop.
func (e *Engine) StopTyping(ctx context.Context, channelID int64) {
	e.mu.Lock()
	e.cancelTypingLocked()
	e.mu.Unlock()

	e.send(ctx, EventTypingStop, ChannelRefPayload{ChannelID: channelID})
}

func (e *Engine) cancelTypingLocked() {
	e.typingGen++
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
}

func (e *Engine) typingExpired(gen uint64) {
	e.mu.Lock()
	if gen != e.typingGen || e.typingTimer == nil {
		e.mu.Unlock()
		return
	}
	channelID := e.typingChannel
	e.typingTimer = nil
	e.mu.Unlock()

	e.send(context.Background(), EventTypingStop, ChannelRefPayload{ChannelID: channelID})
}

// ============================================================================
// Cache write-through
// ============================================================================

func (e *Engine) cacheChannels(chans []Channel) {
	if e.cfg.Cache == nil || len(chans) == 0 {
		return
	}
	if err := e.cfg.Cache.PutChannels(chans); err != nil {
		e.log.Warn("cache channels failed", zap.Error(err))
	}
}

func (e *Engine) cacheMessages(channelID int64, msgs []Message) {
	if e.cfg.Cache == nil || len(msgs) == 0 {
		return
	}
	if err := e.cfg.Cache.PutMessages(channelID, msgs); err != nil {
		e.log.Warn("cache messages failed", zap.Int64("channel_id", channelID), zap.Error(err))
	}
}

func (e *Engine) cachedMessages(channelID int64) []Message {
	if e.cfg.Cache == nil {
		return nil
	}
	msgs, err := e.cfg.Cache.Messages(channelID, e.cfg.MessagePageSize)
	if err != nil {
		e.log.Warn("cache read failed", zap.Int64("channel_id", channelID), zap.Error(err))
		return nil
	}
	return msgs
}

// ============================================================================
// Read-only accessors
// ============================================================================

func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) ActiveChannelID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// ChannelState is the load state of the active channel.
func (e *Engine) ChannelState() ChannelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tl.state
}

// Channels returns the directory in display order.
func (e *Engine) Channels() []Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.snapshot()
}

func (e *Engine) Channel(id int64) (Channel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.dir.get(id)
	if c == nil {
		return Channel{}, false
	}
	return c.clone(), true
}

// SelfChannelID returns the self-channel id, or 0 while unknown.
func (e *Engine) SelfChannelID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.selfChannelID
}

func (e *Engine) HasMoreChannels() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.hasMore
}

// Messages returns the active channel's timeline, oldest first.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tl.snapshot()
}

func (e *Engine) HasMoreMessages() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tl.hasMore
}

func (e *Engine) UnreadCount(channelID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.dir.get(channelID); c != nil {
		return c.UnreadCount
	}
	return 0
}

func (e *Engine) OnlineUsers() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pres.onlineUsers()
}

func (e *Engine) IsOnline(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pres.isOnline(userID)
}

// TypingNames lists who is typing in a channel, expired entries excluded.
func (e *Engine) TypingNames(channelID int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pres.typingNames(channelID)
}

func (e *Engine) ReplyContext() *ReplyRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tl.replyTo == nil {
		return nil
	}
	r := *e.tl.replyTo
	return &r
}

// SeenBy lists the members, other than the current user, who have read
// the channel at or after at.
func (e *Engine) SeenBy(channelID int64, at time.Time) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rcpt.seenBy(channelID, at, e.cfg.UserID)
}

// IsSeen reports whether anyone but its sender has read m.
func (e *Engine) IsSeen(m Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rcpt.seenBy(m.ChannelID, m.CreatedAt, m.SenderID)) > 0
}

// LastRead returns when userID last read channelID.
func (e *Engine) LastRead(channelID, userID int64) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rcpt.lastRead(channelID, userID)
}
