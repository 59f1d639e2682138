package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleCache is a Cache persisted in a pebble database, so a restarted
// client can render its channel list and recent history before the network
// answers.
//
// Key layout:
//
//	ch:<channel>                     JSON Channel
//	msg:<channel>:<createdAt>:<id>   JSON Message
//	mid:<id>                         msg: key of that message
//
// Numbers are zero-padded so lexical order is numeric order.
type PebbleCache struct {
	db *pebble.DB
}

// OpenPebbleCache opens (creating if needed) a cache rooted at dir.
func OpenPebbleCache(dir string) (*PebbleCache, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &PebbleCache{db: db}, nil
}

func (s *PebbleCache) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func channelKey(id int64) []byte {
	return []byte(fmt.Sprintf("ch:%020d", id))
}

func messagePrefix(channelID int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:", channelID))
}

func messageKey(m *Message) []byte {
	return []byte(fmt.Sprintf("msg:%020d:%020d:%020d", m.ChannelID, sortNanos(m.CreatedAt), m.ID))
}

func messageIndexKey(id int64) []byte {
	return []byte(fmt.Sprintf("mid:%020d", id))
}

func sortNanos(t time.Time) int64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return t.UnixNano()
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleCache) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleCache) PutChannels(channels []Channel) error {
	b := s.db.NewBatch()
	defer b.Close()
	for i := range channels {
		data, err := json.Marshal(&channels[i])
		if err != nil {
			return fmt.Errorf("encode channel %d: %w", channels[i].ID, err)
		}
		if err := b.Set(channelKey(channels[i].ID), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleCache) Channels(limit int) ([]Channel, error) {
	prefix := []byte("ch:")
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var result []Channel
	for ok := it.First(); ok; ok = it.Next() {
		var c Channel
		if err := json.Unmarshal(it.Value(), &c); err != nil {
			continue
		}
		result = append(result, c)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortByActivity(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *PebbleCache) PutMessages(channelID int64, msgs []Message) error {
	b := s.db.NewBatch()
	defer b.Close()
	for i := range msgs {
		m := msgs[i]
		m.ChannelID = channelID
		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("encode message %d: %w", m.ID, err)
		}
		key := messageKey(&m)
		idx := messageIndexKey(m.ID)
		old, err := s.get(idx)
		switch {
		case err == nil:
			if string(old) != string(key) {
				if err := b.Delete(old, nil); err != nil {
					return err
				}
			}
		case !errors.Is(err, pebble.ErrNotFound):
			return err
		}
		if err := b.Set(key, data, nil); err != nil {
			return err
		}
		if err := b.Set(idx, key, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleCache) Messages(channelID int64, limit int) ([]Message, error) {
	prefix := messagePrefix(channelID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var newestFirst []Message
	for ok := it.Last(); ok; ok = it.Prev() {
		var m Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		newestFirst = append(newestFirst, m)
		if limit > 0 && len(newestFirst) >= limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

func (s *PebbleCache) DeleteMessage(id int64) error {
	idx := messageIndexKey(id)
	key, err := s.get(idx)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	if err := b.Delete(idx, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}
