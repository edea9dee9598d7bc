// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package dexfile

import (
	"sync"
	"weak"
)

// cacheKey identifies a realized DEX image by backing identity.
type cacheKey struct {
	path   string
	offset uint64
	size   uint64
}

// Cache deduplicates expensive DEX realizations across the threads of a
// process. It holds weak pointers so each file's lifetime stays tied to the
// mappings that use it; dead entries are collected opportunistically.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]weak.Pointer[File]
}

// NewCache returns an empty weak cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]weak.Pointer[File])}
}

// GetOrCreate returns the cached file for (path, offset, size), or realizes
// one with create and publishes it. Only one realization per key wins.
func (c *Cache) GetOrCreate(path string, offset, size uint64,
	create func() (*File, error)) (*File, error) {
	key := cacheKey{path: path, offset: offset, size: size}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ptr, ok := c.entries[key]; ok {
		if f := ptr.Value(); f != nil {
			return f, nil
		}
		delete(c.entries, key)
	}

	f, err := create()
	if err != nil {
		return nil, err
	}
	c.entries[key] = weak.Make(f)

	// Sweep entries whose files have been collected.
	for k, ptr := range c.entries {
		if ptr.Value() == nil {
			delete(c.entries, k)
		}
	}
	return f, nil
}
