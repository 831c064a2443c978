// Package conversation keeps the per-user message history between turns.
// Buffers live for the process only; the durable record is the memory
// engine, not this cache.
package conversation

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// DefaultMaxTurns bounds one buffer at 2x this many entries, enough for
// the model to keep short-term context without unbounded growth.
const DefaultMaxTurns = 20

// DefaultMaxConversations caps how many (channel, user) buffers are held
// before the least recently used one is evicted.
const DefaultMaxConversations = 512

// Store maps (channel, user) to a bounded message buffer. Append-on-write;
// once a buffer exceeds 2x maxTurns the oldest entries fall off.
type Store struct {
	mu       sync.Mutex
	buffers  *lru.Cache[string, []models.Message]
	maxTurns int
	logger   *slog.Logger
}

// NewStore builds the cache. maxTurns <= 0 selects DefaultMaxTurns.
func NewStore(maxTurns int, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	buffers, err := lru.New[string, []models.Message](DefaultMaxConversations)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &Store{
		buffers:  buffers,
		maxTurns: maxTurns,
		logger:   logger.With("component", "conversation"),
	}
}

func key(channel models.ChannelType, userID string) string {
	return fmt.Sprintf("%s/%s", channel, userID)
}

// History returns a copy of the buffer for one user. Never nil.
func (s *Store) History(channel models.ChannelType, userID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers.Get(key(channel, userID))
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, len(buf))
	copy(out, buf)
	return out
}

// Append adds messages to a user's buffer, evicting the oldest entries
// once the buffer passes twice the configured turn count.
func (s *Store) Append(channel models.ChannelType, userID string, messages ...models.Message) {
	if len(messages) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(channel, userID)
	buf, _ := s.buffers.Get(k)
	buf = append(buf, messages...)

	limit := 2 * s.maxTurns
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	s.buffers.Add(k, buf)
}

// Clear drops one user's buffer.
func (s *Store) Clear(channel models.ChannelType, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers.Remove(key(channel, userID))
}

// FlushAll drops every buffer. Wired to registry change events: once the
// tool catalog shifts, old transcripts reference tools the model can no
// longer see.
func (s *Store) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.buffers.Len()
	s.buffers.Purge()
	if n > 0 {
		s.logger.Info("conversation buffers flushed", "count", n)
	}
}

// Len reports how many buffers are live.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers.Len()
}
