package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

var (
	// ErrNotConnected is returned by a Transport when an event is emitted
	// while the connection is down.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrNoActiveChannel is returned by actions that need an active channel.
	ErrNoActiveChannel = errors.New("chatsync: no active channel")
	// ErrEmptyMessage is returned when sending a message with no text and no attachments.
	ErrEmptyMessage = errors.New("chatsync: empty message")
	// ErrEmptyReaction is returned when reacting with an empty emoji.
	ErrEmptyReaction = errors.New("chatsync: empty reaction")
	// ErrUnknownMessage is returned when a reply target is not in the loaded timeline.
	ErrUnknownMessage = errors.New("chatsync: message not loaded")
)

// ============================================================================
// Channel Types
// ============================================================================

// ChannelType distinguishes two-party and multi-party channels.
type ChannelType string

const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
)

// SelfChannelName is the display name generated for the self-channel.
const SelfChannelName = "Saved Messages"

// Member is an entry of a channel roster.
type Member struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Preview is the cached last-message summary shown in the channel list.
type Preview struct {
	Text       string    `json:"text"`
	SenderName string    `json:"senderName"`
	At         time.Time `json:"createdAt"`
}

// Channel is a conversation container.
type Channel struct {
	ID          int64       `json:"id"`
	Type        ChannelType `json:"type"`
	Name        string      `json:"name"`
	Avatar      string      `json:"avatar,omitempty"`
	Members     []Member    `json:"members"`
	LastMessage *Preview    `json:"lastMessage,omitempty"`
	UnreadCount int         `json:"unreadCount"`
}

// IsSelf reports whether c is the self-channel of userID: a direct channel
// whose roster is exactly {userID}.
func (c *Channel) IsSelf(userID int64) bool {
	return c.Type == ChannelDirect && len(c.Members) == 1 && c.Members[0].ID == userID
}

func (c *Channel) clone() Channel {
	out := *c
	out.Members = append([]Member(nil), c.Members...)
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	return out
}

// ============================================================================
// Message Types
// ============================================================================

// MessageKind is the message type tag. Only text is interpreted.
type MessageKind string

const KindText MessageKind = "text"

// ReplyRef is a weak reference to the message being replied to.
type ReplyRef struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Attachment is opaque file metadata carried with a message.
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

// Reaction is the aggregate for a single emoji.
type Reaction struct {
	Emoji string  `json:"emoji"`
	Count int     `json:"count"`
	Users []int64 `json:"users"`
}

// Message is a chat message owned by exactly one channel.
type Message struct {
	ID           int64        `json:"id"`
	ChannelID    int64        `json:"channelId"`
	SenderID     int64        `json:"senderId"`
	SenderName   string       `json:"senderName"`
	SenderAvatar string       `json:"senderAvatar,omitempty"`
	Text         string       `json:"text"`
	Kind         MessageKind  `json:"messageType"`
	Edited       bool         `json:"isEdited"`
	ReplyTo      *ReplyRef    `json:"replyTo,omitempty"`
	Attachments  []Attachment `json:"attachments"`
	Reactions    []Reaction   `json:"reactions"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (m *Message) clone() Message {
	out := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.Reactions = cloneReactions(m.Reactions)
	return out
}

func cloneReactions(in []Reaction) []Reaction {
	if in == nil {
		return nil
	}
	out := make([]Reaction, len(in))
	for i, r := range in {
		out[i] = Reaction{Emoji: r.Emoji, Count: r.Count, Users: append([]int64(nil), r.Users...)}
	}
	return out
}

func (m *Message) preview() *Preview {
	text := m.Text
	if text == "" && len(m.Attachments) > 0 {
		text = m.Attachments[0].Name
	}
	return &Preview{Text: text, SenderName: m.SenderName, At: m.CreatedAt}
}

// ReadReceipt marks up to when a member has viewed a channel.
type ReadReceipt struct {
	ChannelID int64     `json:"channelId"`
	UserID    int64     `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// TypingEvent is a normalized typing:start / typing:stop payload.
type TypingEvent struct {
	ChannelID int64  `json:"channelId"`
	UserID    int64  `json:"userId"`
	Name      string `json:"name"`
}

// ============================================================================
// Wire Events
// ============================================================================

// Inbound events consumed from the gateway.
const (
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventReactionUpdated = "message:reaction:updated"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventPresenceOnline  = "presence:online"
	EventPresenceOffline = "presence:offline"
	EventReadUpdated     = "message:read:updated"
)

// Outbound events emitted to the gateway.
const (
	EventMessageSend   = "message:send"
	EventMessageEdit   = "message:edit"
	EventMessageDelete = "message:delete"
	EventReaction      = "message:reaction"
	EventMessageRead   = "message:read"
	EventChannelJoin   = "channel:join"
	EventChannelLeave  = "channel:leave"
)

// SendPayload is the body of message:send.
type SendPayload struct {
	ChannelID        int64        `json:"channelId"`
	Text             string       `json:"text"`
	Attachments      []Attachment `json:"attachments"`
	ReplyToMessageID *int64       `json:"replyToMessageId,omitempty"`
	MessageType      MessageKind  `json:"messageType"`
	RequestID        string       `json:"requestId,omitempty"`
}

// EditPayload is the body of message:edit.
type EditPayload struct {
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

// MessageRefPayload is the body of message:delete.
type MessageRefPayload struct {
	MessageID int64 `json:"messageId"`
}

// ReactionPayload is the body of message:reaction.
type ReactionPayload struct {
	MessageID int64  `json:"messageId"`
	Reaction  string `json:"reaction"`
}

// ChannelRefPayload is the body of message:read, typing:*, channel:join and channel:leave.
type ChannelRefPayload struct {
	ChannelID int64 `json:"channelId"`
}

// ============================================================================
// REST Types
// ============================================================================

// ChannelPage is one page of the channel list.
type ChannelPage struct {
	Channels []map[string]any
	Total    int
}

// CreateChannelRequest is the body of the create-channel call.
type CreateChannelRequest struct {
	Type      ChannelType `json:"type"`
	Name      string      `json:"name,omitempty"`
	MemberIDs []int64     `json:"memberIds"`
}

// MessageQuery selects a window of channel history. Before is a message id
// cursor; After restricts to messages created after the given time.
type MessageQuery struct {
	Before int64
	After  time.Time
	Limit  int
}
