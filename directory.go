package chatsync

import "sort"

// directory is the ordered, paginated list of channels the user belongs to.
// It is owned by the Engine and only mutated under the engine lock.
type directory struct {
	selfID   int64
	pageSize int

	channels []*Channel
	byID     map[int64]*Channel

	// selfChannelID is the id of the self-channel once known, 0 before.
	selfChannelID int64
	selfChecked   bool

	page    int
	total   int
	hasMore bool
	loading bool
}

func newDirectory(selfID int64, pageSize int) *directory {
	d := &directory{selfID: selfID, pageSize: pageSize}
	d.reset()
	return d
}

func (d *directory) reset() {
	d.channels = nil
	d.byID = make(map[int64]*Channel)
	d.selfChannelID = 0
	d.selfChecked = false
	d.page = 0
	d.total = 0
	d.hasMore = true
}

// merge adds or updates channels from a fetched page. Existing entries keep
// their place in the slice; new ones are appended in server order.
func (d *directory) merge(page []Channel) {
	for i := range page {
		c := page[i]
		if c.ID == 0 {
			continue
		}
		if existing, ok := d.byID[c.ID]; ok {
			*existing = c
		} else {
			cp := c
			d.channels = append(d.channels, &cp)
			d.byID[c.ID] = &cp
		}
		if d.selfChannelID == 0 && c.IsSelf(d.selfID) {
			d.selfChannelID = c.ID
		}
	}
	d.sort()
}

// setTotal records the server-reported total and derives hasMore from it.
func (d *directory) setTotal(page, total int) {
	if page > d.page {
		d.page = page
	}
	d.total = total
	d.hasMore = len(d.channels) < total
}

// prependSelf installs the self-channel at the head of the directory.
func (d *directory) prependSelf(c Channel) {
	if len(c.Members) == 0 {
		c.Members = []Member{{ID: d.selfID}}
	}
	if c.Type == "" {
		c.Type = ChannelDirect
	}
	if c.Name == "" {
		c.Name = SelfChannelName
	}
	d.selfChannelID = c.ID
	if existing, ok := d.byID[c.ID]; ok {
		*existing = c
	} else {
		cp := c
		d.channels = append([]*Channel{&cp}, d.channels...)
		d.byID[c.ID] = &cp
	}
	d.sort()
}

func (d *directory) get(id int64) *Channel {
	return d.byID[id]
}

// applyIncomingMessage updates the owning channel's preview, bumps its
// unread counter when it is not the active channel and re-sorts. It reports
// false when the channel is unknown.
func (d *directory) applyIncomingMessage(m *Message, active bool) bool {
	c, ok := d.byID[m.ChannelID]
	if !ok {
		return false
	}
	if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.At) {
		c.LastMessage = m.preview()
	}
	if !active {
		c.UnreadCount++
	}
	d.sort()
	return true
}

// reconcileUnread replaces every unread counter with the server snapshot.
// Channels missing from the snapshot have nothing unread.
func (d *directory) reconcileUnread(counts map[int64]int) {
	for _, c := range d.channels {
		n := counts[c.ID]
		if n < 0 {
			n = 0
		}
		c.UnreadCount = n
	}
}

func (d *directory) markRead(id int64) bool {
	c, ok := d.byID[id]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

// sort orders the directory: self-channel first, then channels with a
// preview by descending preview time, then channels without a preview in
// their existing (server) order.
func (d *directory) sort() {
	sort.SliceStable(d.channels, func(i, j int) bool {
		a, b := d.channels[i], d.channels[j]
		if d.selfChannelID != 0 {
			if a.ID == d.selfChannelID {
				return b.ID != d.selfChannelID
			}
			if b.ID == d.selfChannelID {
				return false
			}
		}
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			return a.LastMessage.At.After(b.LastMessage.At)
		case a.LastMessage != nil:
			return true
		default:
			return false
		}
	})
}

func (d *directory) snapshot() []Channel {
	out := make([]Channel, len(d.channels))
	for i, c := range d.channels {
		out[i] = c.clone()
	}
	return out
}
