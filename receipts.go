package chatsync

import (
	"sort"
	"time"
)

// receipts is the read-receipt ledger: channel -> member -> last read.
// It only feeds unread counts and "seen" markers.
type receipts struct {
	byChannel map[int64]map[int64]time.Time
}

func newReceipts() *receipts {
	return &receipts{byChannel: make(map[int64]map[int64]time.Time)}
}

// record stores r unless the ledger already has a later read for that member.
func (l *receipts) record(r ReadReceipt) bool {
	if r.ChannelID == 0 || r.UserID == 0 {
		return false
	}
	members := l.byChannel[r.ChannelID]
	if members == nil {
		members = make(map[int64]time.Time)
		l.byChannel[r.ChannelID] = members
	}
	if prev, ok := members[r.UserID]; ok && !r.ReadAt.After(prev) {
		return false
	}
	members[r.UserID] = r.ReadAt
	return true
}

func (l *receipts) lastRead(channelID, userID int64) (time.Time, bool) {
	t, ok := l.byChannel[channelID][userID]
	return t, ok
}

// seenBy lists members other than exclude whose last read is at or after at.
func (l *receipts) seenBy(channelID int64, at time.Time, exclude int64) []int64 {
	var out []int64
	for userID, readAt := range l.byChannel[channelID] {
		if userID == exclude {
			continue
		}
		if !readAt.Before(at) {
			out = append(out, userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
