package chatsync

import (
	"math/rand"
	"testing"
)

func TestTimelineInsert(t *testing.T) {
	t.Run("random arrival stays sorted and unique", func(t *testing.T) {
		tl := newTimeline()
		tl.switchTo(5)
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 500; i++ {
			id := int64(rng.Intn(100) + 1)
			tl.insert(Message{ID: id, ChannelID: 5, CreatedAt: at(rng.Intn(60))})
		}

		seen := make(map[int64]bool)
		for i, m := range tl.messages {
			if seen[m.ID] {
				t.Fatalf("duplicate id %d", m.ID)
			}
			seen[m.ID] = true
			if i > 0 && m.CreatedAt.Before(tl.messages[i-1].CreatedAt) {
				t.Fatalf("out of order at %d", i)
			}
		}
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		tl := newTimeline()
		tl.insert(Message{ID: 2, CreatedAt: at(1)})
		tl.insert(Message{ID: 1, CreatedAt: at(1)})
		if tl.messages[0].ID != 2 || tl.messages[1].ID != 1 {
			t.Fatalf("expected [2 1], got %v", ids(tl.snapshot()))
		}
	})

	t.Run("duplicate keeps position", func(t *testing.T) {
		tl := newTimeline()
		tl.insert(Message{ID: 1, Text: "a", CreatedAt: at(1)})
		tl.insert(Message{ID: 2, Text: "b", CreatedAt: at(2)})
		tl.insert(Message{ID: 1, Text: "a2", CreatedAt: at(9)})

		if got := ids(tl.snapshot()); !equalIDs(got, []int64{1, 2}) {
			t.Fatalf("expected [1 2], got %v", got)
		}
		if tl.messages[0].Text != "a2" || !tl.messages[0].CreatedAt.Equal(at(1)) {
			t.Fatalf("unexpected entry: %+v", tl.messages[0])
		}
	})
}

func TestTimelineMerge(t *testing.T) {
	tl := newTimeline()
	tl.switchTo(5)
	tl.insert(Message{ID: 9, Text: "live", CreatedAt: at(9)})

	tl.merge([]Message{
		{ID: 7, CreatedAt: at(7)},
		{ID: 8, CreatedAt: at(8)},
		{ID: 9, Text: "stale copy", CreatedAt: at(9)},
	})
	if got := ids(tl.snapshot()); !equalIDs(got, []int64{7, 8, 9}) {
		t.Fatalf("expected [7 8 9], got %v", got)
	}
	if tl.find(9).Text != "live" {
		t.Fatal("loaded entry should win over fetched copy")
	}

	tl.merge([]Message{{ID: 5, CreatedAt: at(5)}, {ID: 6, CreatedAt: at(6)}})
	if got := ids(tl.snapshot()); !equalIDs(got, []int64{5, 6, 7, 8, 9}) {
		t.Fatalf("expected older page prepended, got %v", got)
	}
	if tl.oldestID() != 5 {
		t.Fatalf("expected cursor 5, got %d", tl.oldestID())
	}
}

func TestTimelineMutations(t *testing.T) {
	tl := newTimeline()
	tl.merge([]Message{{ID: 1, CreatedAt: at(1)}, {ID: 2, CreatedAt: at(2)}, {ID: 3, CreatedAt: at(3)}})
	tl.replyTo = &ReplyRef{ID: 2}

	if !tl.edit(2, "edited", at(5)) {
		t.Fatal("expected edit to apply")
	}
	if m := tl.find(2); !m.Edited || m.Text != "edited" || !m.UpdatedAt.Equal(at(5)) {
		t.Fatalf("unexpected edit result: %+v", m)
	}
	if got := ids(tl.snapshot()); !equalIDs(got, []int64{1, 2, 3}) {
		t.Fatalf("edit reordered: %v", got)
	}
	if tl.edit(42, "x", at(5)) {
		t.Fatal("edit of unknown id should be a no-op")
	}

	if !tl.setReactions(1, []Reaction{{Emoji: "👍", Count: 1, Users: []int64{3}}}) {
		t.Fatal("expected reaction to apply")
	}
	if tl.setReactions(42, nil) {
		t.Fatal("reaction on unknown id should be a no-op")
	}

	if !tl.remove(2) {
		t.Fatal("expected remove to apply")
	}
	if tl.replyTo != nil {
		t.Fatal("removing the reply target should clear the reply context")
	}
	if tl.remove(2) {
		t.Fatal("second remove should be a no-op")
	}
	if got := ids(tl.snapshot()); !equalIDs(got, []int64{1, 3}) {
		t.Fatalf("expected [1 3], got %v", got)
	}
}

func TestTimelineSwitch(t *testing.T) {
	tl := newTimeline()
	first := tl.switchTo(5)
	tl.insert(Message{ID: 1, CreatedAt: at(1)})
	tl.hasMore = false
	tl.replyTo = &ReplyRef{ID: 1}

	second := tl.switchTo(6)
	if second <= first {
		t.Fatalf("token must increase: %d -> %d", first, second)
	}
	if len(tl.messages) != 0 || !tl.hasMore || tl.replyTo != nil || tl.state != ChannelLoadingInitial {
		t.Fatalf("switch did not reset timeline: %+v", tl)
	}
}

func TestTimelineSnapshotIsolation(t *testing.T) {
	tl := newTimeline()
	tl.insert(Message{ID: 1, Text: "orig", Reactions: []Reaction{{Emoji: "👍", Count: 1, Users: []int64{2}}}, CreatedAt: at(1)})

	snap := tl.snapshot()
	snap[0].Text = "changed"
	snap[0].Reactions[0].Users[0] = 99

	if tl.messages[0].Text != "orig" || tl.messages[0].Reactions[0].Users[0] != 2 {
		t.Fatal("snapshot shares memory with the timeline")
	}
}
