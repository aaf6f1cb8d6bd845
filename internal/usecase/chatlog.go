package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"relay-ai/internal/domain"
)

// Chat log limits.
const (
	DefaultChatLogCapacity = 500
	DefaultHistoryReplay   = 200
)

// ChatLog is the shared, human-facing chat history. It keeps the most recent
// entries up to its capacity.
type ChatLog struct {
	mu       sync.RWMutex
	entries  []domain.ChatEntry
	capacity int
	now      func() time.Time
}

// NewChatLog creates a chat log. A non-positive capacity selects the default.
func NewChatLog(capacity int) *ChatLog {
	if capacity <= 0 {
		capacity = DefaultChatLogCapacity
	}
	return &ChatLog{capacity: capacity, now: time.Now}
}

// Append records text under role and returns the stored entry.
func (c *ChatLog) Append(role domain.ChatRole, text string) domain.ChatEntry {
	e := domain.ChatEntry{
		ID:   uuid.NewString(),
		Text: text,
		TS:   c.now().UnixMilli(),
		Role: role,
	}

	c.mu.Lock()
	c.entries = append(c.entries, e)
	if over := len(c.entries) - c.capacity; over > 0 {
		c.entries = append([]domain.ChatEntry(nil), c.entries[over:]...)
	}
	c.mu.Unlock()
	return e
}

// Recent returns up to n of the newest entries, oldest first.
func (c *ChatLog) Recent(n int) []domain.ChatEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.entries) {
		n = len(c.entries)
	}
	out := make([]domain.ChatEntry, n)
	copy(out, c.entries[len(c.entries)-n:])
	return out
}

// Len returns the number of stored entries.
func (c *ChatLog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
