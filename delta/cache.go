// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"sync"

	"github.com/collabwire/deltasync/protocol"
)

// ContentCache holds recently received content chunks awaiting their
// envelope, or locally split contents awaiting their sequenced echo.
// Entries are evicted oldest-first once capacity is reached; eviction
// is tolerated by the fetch fallback in the reassembly path, so the
// capacity is a tuning parameter rather than a correctness limit.
type ContentCache struct {
	mu        sync.Mutex
	capacity  int
	order     []*protocol.ContentMessage
	byClient  map[string][]*protocol.ContentMessage
	listeners map[int]func(clientID string)
	nextID    int
}

// NewContentCache creates a cache bounded to the given capacity.
// A non-positive capacity falls back to the default buffer size.
func NewContentCache(capacity int) *ContentCache {
	if capacity <= 0 {
		capacity = protocol.DefaultContentBufferSize
	}
	return &ContentCache{
		capacity:  capacity,
		byClient:  make(map[string][]*protocol.ContentMessage),
		listeners: make(map[int]func(string)),
	}
}

// Set inserts a content message, evicting the oldest entry when the
// cache is full, and notifies listeners with the inserted client ID.
func (c *ContentCache) Set(content *protocol.ContentMessage) {
	c.mu.Lock()
	if len(c.order) >= c.capacity {
		c.evictOldest()
	}
	c.order = append(c.order, content)
	c.byClient[content.ClientID] = append(c.byClient[content.ClientID], content)
	listeners := make([]func(string), 0, len(c.listeners))
	for _, cb := range c.listeners {
		listeners = append(listeners, cb)
	}
	c.mu.Unlock()

	for _, cb := range listeners {
		cb(content.ClientID)
	}
}

// Peek returns the oldest cached content for the client without
// removing it, or nil.
func (c *ContentCache) Peek(clientID string) *protocol.ContentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byClient[clientID]
	if len(entries) == 0 {
		return nil
	}
	return entries[0]
}

// Get removes and returns the oldest cached content for the client,
// or nil.
func (c *ContentCache) Get(clientID string) *protocol.ContentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byClient[clientID]
	if len(entries) == 0 {
		return nil
	}
	content := entries[0]
	c.removeLocked(content)
	return content
}

// Len returns the number of cached entries.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// OnContent registers a listener called with the client ID of every
// inserted content message. The returned function deregisters it.
func (c *ContentCache) OnContent(cb func(clientID string)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *ContentCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	c.removeLocked(c.order[0])
}

func (c *ContentCache) removeLocked(content *protocol.ContentMessage) {
	for i, entry := range c.order {
		if entry == content {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	entries := c.byClient[content.ClientID]
	for i, entry := range entries {
		if entry == content {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.byClient, content.ClientID)
	} else {
		c.byClient[content.ClientID] = entries
	}
}
