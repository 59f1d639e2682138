package chatsync

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestPresenceOnline(t *testing.T) {
	p := newPresence(3*time.Second, time.Now)

	if !p.markOnline(4) || !p.markOnline(2) {
		t.Fatal("expected first markOnline to report a change")
	}
	if p.markOnline(2) {
		t.Fatal("duplicate markOnline should be a no-op")
	}
	if p.markOnline(0) {
		t.Fatal("user 0 must be ignored")
	}
	if got := p.onlineUsers(); len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("expected [2 4], got %v", got)
	}

	if !p.markOffline(2) || p.markOffline(2) {
		t.Fatal("markOffline should change state exactly once")
	}
	if p.isOnline(2) || !p.isOnline(4) {
		t.Fatal("unexpected online set")
	}

	p.reset()
	if len(p.onlineUsers()) != 0 {
		t.Fatal("reset should clear presence")
	}
}

func TestPresenceTyping(t *testing.T) {
	t.Run("start refresh and stop", func(t *testing.T) {
		clock := &fakeClock{now: t0}
		p := newPresence(3*time.Second, clock.Now)

		if !p.typingStart(TypingEvent{ChannelID: 1, UserID: 2, Name: "Bob"}) {
			t.Fatal("expected new typist")
		}
		clock.advance(2 * time.Second)
		if p.typingStart(TypingEvent{ChannelID: 1, UserID: 2, Name: "Bob"}) {
			t.Fatal("repeat start should only refresh")
		}
		clock.advance(2 * time.Second)
		if got := p.typingNames(1); len(got) != 1 || got[0] != "Bob" {
			t.Fatalf("refresh should extend expiry, got %v", got)
		}

		// Stop without a name still matches by id.
		if !p.typingStop(TypingEvent{ChannelID: 1, UserID: 2}) {
			t.Fatal("expected stop to remove typist")
		}
		if got := p.typingNames(1); len(got) != 0 {
			t.Fatalf("expected no typists, got %v", got)
		}
	})

	t.Run("expiry", func(t *testing.T) {
		clock := &fakeClock{now: t0}
		p := newPresence(3*time.Second, clock.Now)
		p.typingStart(TypingEvent{ChannelID: 1, UserID: 2, Name: "Bob"})
		p.typingStart(TypingEvent{ChannelID: 1, UserID: 3, Name: "Ana"})

		clock.advance(3 * time.Second)
		if !p.prune(1) {
			t.Fatal("expected entries to expire")
		}
		if len(p.typingNames(1)) != 0 {
			t.Fatal("expired typists still listed")
		}
	})

	t.Run("name only and synthetic names", func(t *testing.T) {
		p := newPresence(time.Minute, time.Now)
		p.typingStart(TypingEvent{ChannelID: 1, Name: "Guest"})
		p.typingStart(TypingEvent{ChannelID: 1, UserID: 9})
		if p.typingStart(TypingEvent{ChannelID: 1}) {
			t.Fatal("anonymous typing must be ignored")
		}

		got := p.typingNames(1)
		if len(got) != 2 || got[0] != "Guest" || got[1] != "User 9" {
			t.Fatalf("unexpected names %v", got)
		}
		if !p.typingStop(TypingEvent{ChannelID: 1, Name: "Guest"}) {
			t.Fatal("expected name-keyed stop to match")
		}
		if p.typingStop(TypingEvent{ChannelID: 2, UserID: 9}) {
			t.Fatal("stop in another channel should not match")
		}
	})
}

func TestReceiptsLedger(t *testing.T) {
	l := newReceipts()

	if !l.record(ReadReceipt{ChannelID: 1, UserID: 2, ReadAt: at(5)}) {
		t.Fatal("expected first receipt to be stored")
	}
	if l.record(ReadReceipt{ChannelID: 1, UserID: 2, ReadAt: at(3)}) {
		t.Fatal("older receipt must not move the ledger backwards")
	}
	if l.record(ReadReceipt{ChannelID: 1, UserID: 0, ReadAt: at(9)}) {
		t.Fatal("receipt without a user must be ignored")
	}
	l.record(ReadReceipt{ChannelID: 1, UserID: 3, ReadAt: at(2)})
	l.record(ReadReceipt{ChannelID: 1, UserID: selfUser, ReadAt: at(9)})

	if got, ok := l.lastRead(1, 2); !ok || !got.Equal(at(5)) {
		t.Fatalf("unexpected last read %v %v", got, ok)
	}
	if _, ok := l.lastRead(2, 2); ok {
		t.Fatal("unknown channel should have no receipt")
	}

	seen := l.seenBy(1, at(2), selfUser)
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Fatalf("expected [2 3], got %v", seen)
	}
	seen = l.seenBy(1, at(4), selfUser)
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("expected [2], got %v", seen)
	}
}
