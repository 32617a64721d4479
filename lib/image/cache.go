// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"container/list"
	"sync"
)

// blockCache is an LRU of decoded blocks bounded by decoded bytes. A
// block is charged its full decoded size on insertion, even while a
// zstd block is only partially decoded.
type blockCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List // front is most recently used
	entries  map[uint32]*list.Element

	hits, misses, evictions uint64
}

// cachedBlock holds one block's decoded bytes. Its mutex serialises
// decoding; readers copy out under it.
type cachedBlock struct {
	index uint32
	size  int64

	mu       sync.Mutex
	verified bool
	complete bool
	data     []byte
	stream   *streamDecoder
}

func newBlockCache(capacity int64) *blockCache {
	return &blockCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[uint32]*list.Element),
	}
}

// get returns the cached block for index, inserting an empty one of
// the given decoded size on a miss. The returned block stays usable
// after eviction.
func (c *blockCache) get(index uint32, size int64) *cachedBlock {
	c.mu.Lock()
	if element, ok := c.entries[index]; ok {
		c.order.MoveToFront(element)
		c.hits++
		c.mu.Unlock()
		return element.Value.(*cachedBlock)
	}
	c.misses++
	block := &cachedBlock{index: index, size: size}
	c.entries[index] = c.order.PushFront(block)
	c.used += size
	evicted := c.evictLocked()
	c.mu.Unlock()

	for _, old := range evicted {
		old.drop()
	}
	return block
}

// evictLocked removes least recently used blocks until the cache fits,
// always keeping the newest entry.
func (c *blockCache) evictLocked() []*cachedBlock {
	var evicted []*cachedBlock
	for c.used > c.capacity && c.order.Len() > 1 {
		element := c.order.Back()
		block := element.Value.(*cachedBlock)
		c.order.Remove(element)
		delete(c.entries, block.index)
		c.used -= block.size
		c.evictions++
		evicted = append(evicted, block)
	}
	return evicted
}

// drop releases a partially decoded block's decoder. A reader still
// holding the block restarts decoding from the beginning.
func (b *cachedBlock) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		b.stream.close()
		b.stream = nil
		b.data = nil
	}
}

// clear drops every block.
func (c *blockCache) clear() {
	c.mu.Lock()
	var dropped []*cachedBlock
	for element := c.order.Front(); element != nil; element = element.Next() {
		dropped = append(dropped, element.Value.(*cachedBlock))
	}
	c.order.Init()
	clear(c.entries)
	c.used = 0
	c.mu.Unlock()

	for _, block := range dropped {
		block.drop()
	}
}

// CacheStats is a snapshot of block cache counters.
type CacheStats struct {
	Blocks    int
	Bytes     int64
	Capacity  int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func (c *blockCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Blocks:    c.order.Len(),
		Bytes:     c.used,
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
