package chatsync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheImpls() map[string]func(t *testing.T) Cache {
	return map[string]func(t *testing.T) Cache{
		"memory": func(t *testing.T) Cache { return NewMemoryCache() },
		"pebble": func(t *testing.T) Cache {
			c, err := OpenPebbleCache(filepath.Join(t.TempDir(), "cache"))
			require.NoError(t, err)
			return c
		},
	}
}

func TestCacheChannels(t *testing.T) {
	for name, open := range cacheImpls() {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			defer c.Close()

			require.NoError(t, c.PutChannels([]Channel{
				{ID: 3, Name: "idle"},
				{ID: 1, Name: "old", LastMessage: &Preview{Text: "a", At: at(1)}},
				{ID: 2, Name: "new", LastMessage: &Preview{Text: "b", At: at(5)}},
			}))
			// Re-put updates in place.
			require.NoError(t, c.PutChannels([]Channel{{ID: 1, Name: "old", LastMessage: &Preview{Text: "c", At: at(9)}}}))

			got, err := c.Channels(0)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2, 3}, channelIDs(got))
			assert.Equal(t, "c", got[0].LastMessage.Text)

			got, err = c.Channels(2)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, channelIDs(got))
		})
	}
}

func TestCacheMessages(t *testing.T) {
	for name, open := range cacheImpls() {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			defer c.Close()

			require.NoError(t, c.PutMessages(5, []Message{
				{ID: 3, Text: "third", CreatedAt: at(3)},
				{ID: 1, Text: "first", CreatedAt: at(1)},
				{ID: 2, Text: "second", CreatedAt: at(2)},
			}))
			require.NoError(t, c.PutMessages(6, []Message{{ID: 10, CreatedAt: at(4)}}))

			got, err := c.Messages(5, 0)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2, 3}, ids(got))
			for _, m := range got {
				assert.Equal(t, int64(5), m.ChannelID)
			}

			got, err = c.Messages(5, 2)
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 3}, ids(got), "limit keeps the newest")

			// An edit re-puts the same id; it must not duplicate.
			require.NoError(t, c.PutMessages(5, []Message{{ID: 2, Text: "edited", Edited: true, CreatedAt: at(2)}}))
			got, err = c.Messages(5, 0)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "edited", got[1].Text)

			require.NoError(t, c.DeleteMessage(2))
			require.NoError(t, c.DeleteMessage(404))
			got, err = c.Messages(5, 0)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 3}, ids(got))

			other, err := c.Messages(6, 0)
			require.NoError(t, err)
			assert.Equal(t, []int64{10}, ids(other))
		})
	}
}

func TestPebbleCacheReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := OpenPebbleCache(dir)
	require.NoError(t, err)
	require.NoError(t, c.PutMessages(5, []Message{{ID: 1, Text: "kept", CreatedAt: at(1)}}))
	require.NoError(t, c.Close())

	c, err = OpenPebbleCache(dir)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Messages(5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Text)
	assert.True(t, got[0].CreatedAt.Equal(at(1)))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ch;"), prefixEnd([]byte("ch:")))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff}))
}

func channelIDs(chs []Channel) []int64 {
	out := make([]int64, len(chs))
	for i, c := range chs {
		out[i] = c.ID
	}
	return out
}
