package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRaw(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestMapMessageVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "flat gateway shape",
			raw: `{"id":7,"channelId":3,"senderId":2,"senderName":"Bob","text":"pour at 7",
				"messageType":"text","isEdited":true,"createdAt":"2024-03-01T09:01:00Z"}`,
			want: Message{ID: 7, ChannelID: 3, SenderID: 2, SenderName: "Bob", Text: "pour at 7",
				Kind: KindText, Edited: true, CreatedAt: at(1)},
		},
		{
			name: "nested REST shape",
			raw: `{"id":"8","channel":{"id":3},"user":{"id":4,"firstName":"Ana","lastName":"Ruiz","avatarUrl":"a.png"},
				"content":"rebar delivered","editedAt":"2024-03-01T09:03:00Z","created_at":"2024-03-01T09:02:00Z"}`,
			want: Message{ID: 8, ChannelID: 3, SenderID: 4, SenderName: "Ana Ruiz", SenderAvatar: "a.png",
				Text: "rebar delivered", Kind: KindText, Edited: true, CreatedAt: at(2)},
		},
		{
			name: "sender falls back to email",
			raw:  `{"id":9,"channelId":3,"sender":{"id":5,"email":"pm@site.io"},"text":"ok","timestamp":1709283780000}`,
			want: Message{ID: 9, ChannelID: 3, SenderID: 5, SenderName: "pm@site.io", Text: "ok",
				Kind: KindText, CreatedAt: at(3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapMessage(decodeRaw(t, tt.raw))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapMessageReplyAndAttachments(t *testing.T) {
	raw := decodeRaw(t, `{
		"id": 11, "channelId": 3, "text": "",
		"replyTo": {"id": 10, "text": "which crane?", "sender": {"id": 2, "name": "Bob"}, "replyTo": {"id": 1}},
		"files": [{"fileName": "plan.pdf", "fileSize": 2048, "mimetype": "application/pdf", "fileUrl": "/f/1"}, "junk"]
	}`)
	m := MapMessage(raw)

	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, ReplyRef{ID: 10, Text: "which crane?", SenderName: "Bob"}, *m.ReplyTo)
	assert.Equal(t, []Attachment{{Name: "plan.pdf", Size: 2048, MimeType: "application/pdf", URL: "/f/1"}}, m.Attachments)
	assert.Equal(t, "plan.pdf", m.preview().Text)

	bare := MapMessage(decodeRaw(t, `{"id":12,"replyToMessageId":10}`))
	require.NotNil(t, bare.ReplyTo)
	assert.Equal(t, int64(10), bare.ReplyTo.ID)
}

func TestMapReactions(t *testing.T) {
	t.Run("aggregate list", func(t *testing.T) {
		var raw any
		require.NoError(t, json.Unmarshal([]byte(`[
			{"emoji":"👍","count":2,"users":[1,2]},
			{"reaction":"🔥","userIds":[3]},
			{"emoji":"","count":4},
			{"emoji":"👀","count":0,"users":[]}
		]`), &raw))
		assert.Equal(t, []Reaction{
			{Emoji: "👍", Count: 2, Users: []int64{1, 2}},
			{Emoji: "🔥", Count: 1, Users: []int64{3}},
		}, MapReactions(raw))
	})

	t.Run("emoji to users mapping", func(t *testing.T) {
		var raw any
		require.NoError(t, json.Unmarshal([]byte(`{"🔥":[3],"👍":[1,"2"],"👀":[]}`), &raw))
		got := MapReactions(raw)
		require.Len(t, got, 2)
		for _, r := range got {
			assert.Equal(t, len(r.Users), r.Count, r.Emoji)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Nil(t, MapReactions("nope"))
		assert.Nil(t, MapReactions(nil))
	})
}

func TestMapChannel(t *testing.T) {
	t.Run("direct channel named after peer", func(t *testing.T) {
		c := MapChannel(decodeRaw(t, `{"id":3,"type":"dm","members":[
			{"userId":1,"user":{"id":1,"name":"Me"}},
			{"userId":2,"user":{"id":2,"firstName":"Bob","lastName":"Stone"}}
		]}`), selfUser)
		assert.Equal(t, ChannelDirect, c.Type)
		assert.Equal(t, "Bob Stone", c.Name)
		assert.Len(t, c.Members, 2)
		assert.Nil(t, c.LastMessage)
	})

	t.Run("self-channel", func(t *testing.T) {
		c := MapChannel(decodeRaw(t, `{"id":4,"type":"direct","members":[{"id":1,"name":"Me"},{"id":1}]}`), selfUser)
		assert.True(t, c.IsSelf(selfUser))
		assert.Equal(t, SelfChannelName, c.Name)
	})

	t.Run("group inferred and preview from messages", func(t *testing.T) {
		c := MapChannel(decodeRaw(t, `{"channelId":5,"title":"Site North","unread":-3,
			"participants":[{"id":1},{"id":2},{"id":3}],
			"messages":[
				{"id":1,"text":"first","createdAt":"2024-03-01T09:01:00Z"},
				{"id":2,"text":"latest","senderName":"Bob","createdAt":"2024-03-01T09:05:00Z"}
			]}`), selfUser)
		assert.Equal(t, int64(5), c.ID)
		assert.Equal(t, ChannelGroup, c.Type)
		assert.Equal(t, "Site North", c.Name)
		assert.Equal(t, 0, c.UnreadCount)
		require.NotNil(t, c.LastMessage)
		assert.Equal(t, Preview{Text: "latest", SenderName: "Bob", At: at(5)}, *c.LastMessage)
	})

	t.Run("isGroup false", func(t *testing.T) {
		c := MapChannel(decodeRaw(t, `{"id":6,"isGroup":false,"members":[{"id":1},{"id":2},{"id":3}]}`), selfUser)
		assert.Equal(t, ChannelDirect, c.Type)
		assert.Equal(t, "Direct chat", c.Name)
	})
}

func TestMapSmallPayloads(t *testing.T) {
	r := MapReadReceipt(decodeRaw(t, `{"channelId":"3","readerId":2,"lastReadAt":"2024-03-01T09:04:00Z"}`))
	assert.Equal(t, ReadReceipt{ChannelID: 3, UserID: 2, ReadAt: at(4)}, r)

	ev := MapTyping(decodeRaw(t, `{"conversationId":3,"user":{"id":2,"username":"bstone"}}`))
	assert.Equal(t, TypingEvent{ChannelID: 3, UserID: 2, Name: "bstone"}, ev)

	assert.Equal(t, int64(2), MapPresence(decodeRaw(t, `{"userId":2}`)))
	assert.Equal(t, int64(4), MapPresence(decodeRaw(t, `{"user":{"id":4}}`)))
	assert.Equal(t, int64(0), MapPresence(decodeRaw(t, `{}`)))
}

func TestMapUnreadSummary(t *testing.T) {
	var obj, list, wrapped any
	require.NoError(t, json.Unmarshal([]byte(`{"3":2,"4":-1,"x":9}`), &obj))
	require.NoError(t, json.Unmarshal([]byte(`[{"channelId":3,"count":2},{"channelId":0,"count":1},{"channel":{"id":5},"unreadCount":7}]`), &list))
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"3":2}}`), &wrapped))

	assert.Equal(t, map[int64]int{3: 2, 4: 0}, MapUnreadSummary(obj))
	assert.Equal(t, map[int64]int{3: 2, 5: 7}, MapUnreadSummary(list))
	assert.Equal(t, map[int64]int{3: 2}, MapUnreadSummary(wrapped))
	assert.Empty(t, MapUnreadSummary(42))
}

// A canonical message written back to the wire maps to itself.
func TestMapMessageFixedPoint(t *testing.T) {
	orig := Message{
		ID: 20, ChannelID: 3, SenderID: 2, SenderName: "Bob", Text: "done",
		Kind: KindText, Edited: true,
		ReplyTo:     &ReplyRef{ID: 19, Text: "status?", SenderName: "Ana"},
		Attachments: []Attachment{{Name: "a.jpg", Size: 10, MimeType: "image/jpeg", URL: "/a"}},
		Reactions:   []Reaction{{Emoji: "👍", Count: 1, Users: []int64{1}}},
		CreatedAt:   at(7),
		UpdatedAt:   at(8),
	}
	b, err := json.Marshal(orig)
	require.NoError(t, err)

	got := MapMessage(decodeRaw(t, string(b)))
	assert.Equal(t, orig, got)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
}
