package chatsync

import (
	"sort"
	"sync"
)

// Cache is a local snapshot of channels and message history. The engine
// writes through to it and reads from it only to hydrate before the network
// answers or when a history fetch fails.
type Cache interface {
	PutChannels(channels []Channel) error
	// Channels returns up to limit channels by descending preview time.
	// A limit <= 0 returns everything.
	Channels(limit int) ([]Channel, error)
	PutMessages(channelID int64, msgs []Message) error
	// Messages returns the newest limit messages of a channel in
	// chronological order.
	Messages(channelID int64, limit int) ([]Message, error)
	DeleteMessage(id int64) error
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu       sync.RWMutex
	channels map[int64]Channel
	messages map[int64]Message
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		channels: make(map[int64]Channel),
		messages: make(map[int64]Message),
	}
}

func (s *MemoryCache) PutChannels(channels []Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range channels {
		s.channels[channels[i].ID] = channels[i].clone()
	}
	return nil
}

func (s *MemoryCache) Channels(limit int) ([]Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		result = append(result, c.clone())
	}
	sortByActivity(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryCache) PutMessages(channelID int64, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		m := msgs[i].clone()
		m.ChannelID = channelID
		s.messages[m.ID] = m
	}
	return nil
}

func (s *MemoryCache) Messages(channelID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			result = append(result, m.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryCache) DeleteMessage(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *MemoryCache) Close() error { return nil }

// sortByActivity orders channels by descending preview time; channels with
// no preview go last, by id.
func sortByActivity(chs []Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		a, b := chs[i].LastMessage, chs[j].LastMessage
		switch {
		case a != nil && b != nil:
			if a.At.Equal(b.At) {
				return chs[i].ID < chs[j].ID
			}
			return a.At.After(b.At)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return chs[i].ID < chs[j].ID
		}
	})
}
