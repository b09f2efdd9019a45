package rlm

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionStore persists conversation logs evicted from the in-memory cache.
// store/sqlite provides a local implementation, store/postgres a shared one.
type SessionStore interface {
	SaveSession(ctx context.Context, sessionID string, messages []ChatMessage) error
	LoadSession(ctx context.Context, sessionID string) ([]ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Init(ctx context.Context) error
	Close() error
}

// ConversationCache is a bounded LRU map of session id → message log.
// Any access, read or write, promotes the key to most-recently-used; an
// insert over capacity evicts exactly the least-recently-used entry.
//
// When a SessionStore is attached, evicted entries are written through to it
// asynchronously. Eviction from memory is unconditional and immediate —
// persistence never blocks the evicting caller and failures are only logged.
type ConversationCache struct {
	mu      sync.Mutex
	cap     int
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	store        SessionStore
	storeTimeout time.Duration
	logger       *slog.Logger
}

type cacheEntry struct {
	sessionID string
	messages  []ChatMessage
}

// CacheOption configures a ConversationCache.
type CacheOption func(*ConversationCache)

// CacheStore attaches a write-through sink for evicted sessions.
func CacheStore(s SessionStore) CacheOption {
	return func(c *ConversationCache) { c.store = s }
}

// CacheLogger sets a structured logger. Default: silent.
func CacheLogger(l *slog.Logger) CacheOption {
	return func(c *ConversationCache) { c.logger = l }
}

// NewConversationCache creates a cache holding at most capacity sessions
// (default 100 when capacity <= 0).
func NewConversationCache(capacity int, opts ...CacheOption) *ConversationCache {
	if capacity <= 0 {
		capacity = 100
	}
	c := &ConversationCache{
		cap:          capacity,
		order:        list.New(),
		entries:      make(map[string]*list.Element),
		storeTimeout: 5 * time.Second,
		logger:       slog.New(discardLogHandler{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the message log for sessionID and promotes it to MRU.
func (c *ConversationCache) Get(sessionID string) ([]ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*cacheEntry)
	out := make([]ChatMessage, len(e.messages))
	copy(out, e.messages)
	return out, true
}

// Put stores (or replaces) the message log for sessionID, promoting it to
// MRU and evicting the LRU entry when over capacity.
func (c *ConversationCache) Put(sessionID string, messages []ChatMessage) {
	msgs := make([]ChatMessage, len(messages))
	copy(msgs, messages)

	c.mu.Lock()
	if el, ok := c.entries[sessionID]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).messages = msgs
		c.mu.Unlock()
		return
	}
	el := c.order.PushFront(&cacheEntry{sessionID: sessionID, messages: msgs})
	c.entries[sessionID] = el

	var evicted *cacheEntry
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		evicted = oldest.Value.(*cacheEntry)
		delete(c.entries, evicted.sessionID)
	}
	c.mu.Unlock()

	if evicted != nil && c.store != nil {
		go c.persistEvicted(evicted)
	}
}

// Append adds messages to a session's log, creating the session if needed.
func (c *ConversationCache) Append(sessionID string, messages ...ChatMessage) {
	c.mu.Lock()
	if el, ok := c.entries[sessionID]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*cacheEntry)
		e.messages = append(e.messages, messages...)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Put(sessionID, messages)
}

// Len returns the number of cached sessions.
func (c *ConversationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ConversationCache) persistEvicted(e *cacheEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := c.store.SaveSession(ctx, e.sessionID, e.messages); err != nil {
		c.logger.Warn("rlm: evicted session not persisted",
			"session", e.sessionID, "error", err)
	}
}
