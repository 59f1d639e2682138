package chatsync

import (
	"sort"
	"strconv"
	"time"
)

type typingEntry struct {
	key     string
	name    string
	expires time.Time
}

// presence tracks who is online and who is typing where. Nothing here
// survives a disconnect.
type presence struct {
	online map[int64]struct{}
	typing map[int64][]typingEntry
	expiry time.Duration
	now    func() time.Time
}

func newPresence(expiry time.Duration, now func() time.Time) *presence {
	p := &presence{expiry: expiry, now: now}
	p.reset()
	return p
}

func (p *presence) reset() {
	p.online = make(map[int64]struct{})
	p.typing = make(map[int64][]typingEntry)
}

func (p *presence) markOnline(userID int64) bool {
	if userID == 0 {
		return false
	}
	if _, ok := p.online[userID]; ok {
		return false
	}
	p.online[userID] = struct{}{}
	return true
}

func (p *presence) markOffline(userID int64) bool {
	if _, ok := p.online[userID]; !ok {
		return false
	}
	delete(p.online, userID)
	return true
}

func (p *presence) isOnline(userID int64) bool {
	_, ok := p.online[userID]
	return ok
}

func (p *presence) onlineUsers() []int64 {
	out := make([]int64, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// typingKey identifies a remote typist. The user id is preferred so that a
// stop carrying no display name still matches its start.
func typingKey(userID int64, name string) string {
	if userID != 0 {
		return "u:" + strconv.FormatInt(userID, 10)
	}
	return "n:" + name
}

func (p *presence) typingStart(ev TypingEvent) bool {
	if ev.ChannelID == 0 || (ev.UserID == 0 && ev.Name == "") {
		return false
	}
	p.prune(ev.ChannelID)
	key := typingKey(ev.UserID, ev.Name)
	name := ev.Name
	if name == "" {
		name = "User " + strconv.FormatInt(ev.UserID, 10)
	}
	expires := p.now().Add(p.expiry)
	entries := p.typing[ev.ChannelID]
	for i := range entries {
		if entries[i].key == key {
			entries[i].expires = expires
			entries[i].name = name
			return false
		}
	}
	p.typing[ev.ChannelID] = append(entries, typingEntry{key: key, name: name, expires: expires})
	return true
}

func (p *presence) typingStop(ev TypingEvent) bool {
	entries := p.typing[ev.ChannelID]
	if len(entries) == 0 {
		return false
	}
	byID := typingKey(ev.UserID, "")
	byName := typingKey(0, ev.Name)
	kept := entries[:0]
	removed := false
	for _, e := range entries {
		if (ev.UserID != 0 && e.key == byID) || (ev.Name != "" && (e.key == byName || e.name == ev.Name)) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	p.setTyping(ev.ChannelID, kept)
	return removed
}

// prune drops expired typists of one channel. It reports whether anything expired.
func (p *presence) prune(channelID int64) bool {
	entries := p.typing[channelID]
	if len(entries) == 0 {
		return false
	}
	now := p.now()
	kept := entries[:0]
	for _, e := range entries {
		if now.Before(e.expires) {
			kept = append(kept, e)
		}
	}
	expired := len(kept) != len(entries)
	p.setTyping(channelID, kept)
	return expired
}

func (p *presence) setTyping(channelID int64, entries []typingEntry) {
	if len(entries) == 0 {
		delete(p.typing, channelID)
		return
	}
	p.typing[channelID] = entries
}

func (p *presence) typingNames(channelID int64) []string {
	p.prune(channelID)
	entries := p.typing[channelID]
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}
