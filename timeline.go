package chatsync

import (
	"sort"
	"time"
)

// ChannelState is the load state of the active channel.
type ChannelState string

const (
	ChannelIdle           ChannelState = "idle"
	ChannelLoadingInitial ChannelState = "loading-initial"
	ChannelReady          ChannelState = "ready"
)

// timeline holds the messages of the active channel in non-decreasing
// creation-time order. It is owned by the Engine.
type timeline struct {
	channelID int64
	// token increases on every channel switch; page responses captured
	// under an older token are stale.
	token    uint64
	messages []*Message
	hasMore  bool
	loading  bool
	state    ChannelState
	replyTo  *ReplyRef
}

func newTimeline() *timeline {
	return &timeline{state: ChannelIdle}
}

// switchTo clears the timeline for channelID and returns the new token.
func (t *timeline) switchTo(channelID int64) uint64 {
	t.token++
	t.channelID = channelID
	t.messages = nil
	t.hasMore = true
	t.loading = true
	t.state = ChannelLoadingInitial
	t.replyTo = nil
	return t.token
}

func (t *timeline) indexOf(id int64) int {
	for i, m := range t.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (t *timeline) find(id int64) *Message {
	if i := t.indexOf(id); i >= 0 {
		return t.messages[i]
	}
	return nil
}

// insert adds m at its chronological position. A message already present
// is updated in place and keeps its position.
func (t *timeline) insert(m Message) {
	if i := t.indexOf(m.ID); i >= 0 {
		m.CreatedAt = t.messages[i].CreatedAt
		*t.messages[i] = m
		return
	}
	pos := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(m.CreatedAt)
	})
	t.messages = append(t.messages, nil)
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = &m
}

// merge combines a fetched batch (any order) with what is already loaded.
// Messages already in the timeline win over the batch copy.
func (t *timeline) merge(batch []Message) {
	seen := make(map[int64]bool, len(t.messages)+len(batch))
	combined := make([]*Message, 0, len(t.messages)+len(batch))
	for _, m := range t.messages {
		seen[m.ID] = true
		combined = append(combined, m)
	}
	for i := range batch {
		m := batch[i]
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		combined = append(combined, &m)
	}
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].CreatedAt.Before(combined[j].CreatedAt)
	})
	t.messages = combined
}

func (t *timeline) edit(id int64, text string, at time.Time) bool {
	m := t.find(id)
	if m == nil {
		return false
	}
	m.Text = text
	m.Edited = true
	if !at.IsZero() {
		m.UpdatedAt = at
	}
	return true
}

func (t *timeline) remove(id int64) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	if t.replyTo != nil && t.replyTo.ID == id {
		t.replyTo = nil
	}
	return true
}

func (t *timeline) setReactions(id int64, agg []Reaction) bool {
	m := t.find(id)
	if m == nil {
		return false
	}
	m.Reactions = cloneReactions(agg)
	return true
}

// oldestID is the backward pagination cursor.
func (t *timeline) oldestID() int64 {
	if len(t.messages) == 0 {
		return 0
	}
	return t.messages[0].ID
}

func (t *timeline) newestAt() time.Time {
	if len(t.messages) == 0 {
		return time.Time{}
	}
	return t.messages[len(t.messages)-1].CreatedAt
}

func (t *timeline) snapshot() []Message {
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}
