package chatsync

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Event Mapper
//
// The gateway and the REST endpoints do not agree on field names. Every
// payload is translated here, once, into the canonical types; nothing past
// this file branches on wire shape. All mappers are total.
// ============================================================================

// MapMessage normalizes a wire message.
func MapMessage(raw map[string]any) Message {
	return mapMessage(raw, true)
}

func mapMessage(raw map[string]any, resolveReply bool) Message {
	m := Message{
		ID:           idOf(raw, "id", "messageId", "_id"),
		ChannelID:    channelIDOf(raw),
		SenderID:     senderIDOf(raw),
		SenderName:   senderNameOf(raw),
		SenderAvatar: senderAvatarOf(raw),
		Text:         firstStr(raw, "text", "content", "body"),
		Kind:         MessageKind(firstStr(raw, "messageType", "type")),
		Edited:       editedOf(raw),
		Attachments:  attachmentsOf(raw),
		Reactions:    MapReactions(firstPresent(raw, "reactions")),
		CreatedAt:    timeOf(raw, "createdAt", "created_at", "timestamp"),
		UpdatedAt:    timeOf(raw, "updatedAt", "updated_at"),
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if resolveReply {
		m.ReplyTo = replyOf(raw)
	}
	return m
}

// MapReactions accepts either an array of aggregates
// ([{emoji, count, users}]) or a mapping of emoji to user ids
// ({"👍": [1, 2]}) and returns the canonical aggregate.
func MapReactions(raw any) []Reaction {
	switch v := raw.(type) {
	case []any:
		var out []Reaction
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			emoji := firstStr(obj, "emoji", "reaction")
			if emoji == "" {
				continue
			}
			users := userIDs(firstPresent(obj, "users", "userIds"))
			count := int(toInt64(obj["count"]))
			if count == 0 {
				count = len(users)
			}
			if count <= 0 {
				continue
			}
			out = append(out, Reaction{Emoji: emoji, Count: count, Users: users})
		}
		return out
	case map[string]any:
		emojis := make([]string, 0, len(v))
		for k := range v {
			emojis = append(emojis, k)
		}
		sort.Strings(emojis)
		var out []Reaction
		for _, emoji := range emojis {
			users := userIDs(v[emoji])
			if len(users) == 0 {
				continue
			}
			out = append(out, Reaction{Emoji: emoji, Count: len(users), Users: users})
		}
		return out
	}
	return nil
}

// MapChannel normalizes a wire channel. selfID is the current user, used to
// generate a display name when the channel has none.
func MapChannel(raw map[string]any, selfID int64) Channel {
	c := Channel{
		ID:          idOf(raw, "id", "channelId", "_id"),
		Name:        firstStr(raw, "name", "title"),
		Avatar:      firstStr(raw, "avatar", "avatarUrl", "image"),
		Members:     membersOf(raw),
		UnreadCount: int(toInt64(firstPresent(raw, "unreadCount", "unread"))),
	}
	switch strings.ToLower(firstStr(raw, "type", "channelType")) {
	case string(ChannelDirect), "dm", "private":
		c.Type = ChannelDirect
	case string(ChannelGroup):
		c.Type = ChannelGroup
	default:
		if b, ok := raw["isGroup"].(bool); ok && !b {
			c.Type = ChannelDirect
		} else if !ok && len(c.Members) > 0 && len(c.Members) <= 2 {
			c.Type = ChannelDirect
		} else {
			c.Type = ChannelGroup
		}
	}
	if c.Name == "" {
		c.Name = generatedName(&c, selfID)
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}

	if last, ok := raw["lastMessage"].(map[string]any); ok {
		m := mapMessage(last, false)
		c.LastMessage = m.preview()
	} else if msgs, ok := raw["messages"].([]any); ok {
		var newest *Message
		for _, item := range msgs {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			m := mapMessage(obj, false)
			if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
				newest = &m
			}
		}
		if newest != nil {
			c.LastMessage = newest.preview()
		}
	}
	return c
}

// MapReadReceipt normalizes a message:read:updated payload.
func MapReadReceipt(raw map[string]any) ReadReceipt {
	return ReadReceipt{
		ChannelID: channelIDOf(raw),
		UserID:    idOf(raw, "userId", "readerId", "memberId"),
		ReadAt:    timeOf(raw, "readAt", "lastReadAt", "timestamp"),
	}
}

// MapTyping normalizes a typing:start / typing:stop payload.
func MapTyping(raw map[string]any) TypingEvent {
	ev := TypingEvent{
		ChannelID: channelIDOf(raw),
		UserID:    idOf(raw, "userId"),
		Name:      firstStr(raw, "userName", "name", "displayName"),
	}
	if user, ok := raw["user"].(map[string]any); ok {
		if ev.UserID == 0 {
			ev.UserID = idOf(user, "id")
		}
		if ev.Name == "" {
			ev.Name = personName(user)
		}
	}
	return ev
}

// MapPresence returns the user id carried by a presence payload.
func MapPresence(raw map[string]any) int64 {
	if id := idOf(raw, "userId", "id"); id != 0 {
		return id
	}
	if user, ok := raw["user"].(map[string]any); ok {
		return idOf(user, "id")
	}
	return 0
}

// MapUnreadSummary accepts {channelId: count}, [{channelId, count}] or
// either wrapped in {data: ...}.
func MapUnreadSummary(raw any) map[int64]int {
	out := make(map[int64]int)
	switch v := raw.(type) {
	case map[string]any:
		if inner, ok := v["data"]; ok {
			return MapUnreadSummary(inner)
		}
		for k, n := range v {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				continue
			}
			out[id] = clampCount(toInt64(n))
		}
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := channelIDOf(obj)
			if id == 0 {
				continue
			}
			out[id] = clampCount(toInt64(firstPresent(obj, "count", "unreadCount", "unread")))
		}
	}
	return out
}

// ============================================================================
// Field resolution
// ============================================================================

func channelIDOf(raw map[string]any) int64 {
	if id := idOf(raw, "channelId", "channel_id", "conversationId"); id != 0 {
		return id
	}
	if ch, ok := raw["channel"].(map[string]any); ok {
		return idOf(ch, "id")
	}
	return 0
}

func senderIDOf(raw map[string]any) int64 {
	if id := idOf(raw, "senderId", "sender_id", "userId"); id != 0 {
		return id
	}
	for _, key := range []string{"sender", "user"} {
		if u, ok := raw[key].(map[string]any); ok {
			if id := idOf(u, "id"); id != 0 {
				return id
			}
		}
	}
	return 0
}

func senderNameOf(raw map[string]any) string {
	if name := firstStr(raw, "senderName"); name != "" {
		return name
	}
	for _, key := range []string{"sender", "user"} {
		if u, ok := raw[key].(map[string]any); ok {
			if name := personName(u); name != "" {
				return name
			}
		}
	}
	return ""
}

func senderAvatarOf(raw map[string]any) string {
	if a := firstStr(raw, "senderAvatar"); a != "" {
		return a
	}
	for _, key := range []string{"sender", "user"} {
		if u, ok := raw[key].(map[string]any); ok {
			if a := firstStr(u, "avatar", "avatarUrl"); a != "" {
				return a
			}
		}
	}
	return ""
}

// personName resolves a display name from a user object:
// name, then "first last", then email, then username.
func personName(u map[string]any) string {
	if name := firstStr(u, "name", "displayName"); name != "" {
		return name
	}
	full := strings.TrimSpace(firstStr(u, "firstName", "first_name") + " " + firstStr(u, "lastName", "last_name"))
	if full != "" {
		return full
	}
	return firstStr(u, "email", "username")
}

func editedOf(raw map[string]any) bool {
	for _, key := range []string{"isEdited", "edited"} {
		if b, ok := raw[key].(bool); ok && b {
			return true
		}
	}
	v, ok := raw["editedAt"]
	return ok && v != nil && v != ""
}

func replyOf(raw map[string]any) *ReplyRef {
	for _, key := range []string{"replyTo", "replyToMessage", "parentMessage"} {
		obj, ok := raw[key].(map[string]any)
		if !ok {
			continue
		}
		parent := mapMessage(obj, false)
		if parent.ID == 0 {
			continue
		}
		return &ReplyRef{ID: parent.ID, Text: parent.Text, SenderName: parent.SenderName}
	}
	if id := idOf(raw, "replyToId", "replyToMessageId", "parentId"); id != 0 {
		return &ReplyRef{ID: id}
	}
	return nil
}

func attachmentsOf(raw map[string]any) []Attachment {
	list, ok := firstPresent(raw, "attachments", "files").([]any)
	if !ok {
		return nil
	}
	var out []Attachment
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Attachment{
			Name:     firstStr(obj, "name", "fileName", "originalName"),
			Size:     toInt64(firstPresent(obj, "size", "fileSize")),
			MimeType: firstStr(obj, "mimeType", "mimetype", "type"),
			URL:      firstStr(obj, "url", "fileUrl", "path"),
		})
	}
	return out
}

func membersOf(raw map[string]any) []Member {
	list, ok := firstPresent(raw, "members", "memberships", "participants").([]any)
	if !ok {
		return nil
	}
	var out []Member
	seen := make(map[int64]bool)
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		m := Member{
			ID:     idOf(obj, "userId", "id"),
			Name:   personName(obj),
			Avatar: firstStr(obj, "avatar", "avatarUrl"),
		}
		if u, ok := obj["user"].(map[string]any); ok {
			if id := idOf(u, "id"); id != 0 {
				m.ID = id
			}
			if name := personName(u); name != "" {
				m.Name = name
			}
			if a := firstStr(u, "avatar", "avatarUrl"); a != "" {
				m.Avatar = a
			}
		}
		if m.ID == 0 || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

func generatedName(c *Channel, selfID int64) string {
	if c.IsSelf(selfID) {
		return SelfChannelName
	}
	var names []string
	for _, m := range c.Members {
		if m.ID != selfID && m.Name != "" {
			names = append(names, m.Name)
		}
	}
	if c.Type == ChannelDirect {
		if len(names) > 0 {
			return names[0]
		}
		return "Direct chat"
	}
	if len(names) == 0 {
		return "Group"
	}
	return strings.Join(names, ", ")
}

// ============================================================================
// Helpers
// ============================================================================

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func idOf(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if id := toInt64(m[k]); id != 0 {
			return id
		}
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i
	case map[string]any:
		return toInt64(n["id"])
	}
	return 0
}

func userIDs(v any) []int64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []int64
	for _, item := range list {
		if id := toInt64(item); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func timeOf(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC()
			}
		case float64:
			if v > 0 && !math.IsInf(v, 0) {
				return time.UnixMilli(int64(v)).UTC()
			}
		}
	}
	return time.Time{}
}

func clampCount(n int64) int {
	if n < 0 {
		return 0
	}
	return int(n)
}
