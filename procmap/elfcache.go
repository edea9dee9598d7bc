// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package procmap

import (
	"fmt"
	"sync"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/unwindkit/unwindkit/elfx"
)

// elfCacheSize bounds the number of distinct images kept alive by the
// cache; processes rarely map more shared objects than this.
const elfCacheSize = 512

type cacheEntry struct {
	im             *elfx.Image
	elfStartOffset uint64
}

// ElfCache deduplicates ELF images across mappings (and across Maps of the
// same process) by file identity. Entries are shared by pointer; images are
// read-only after construction so sharing is safe.
type ElfCache struct {
	mu      sync.Mutex
	entries *lru.LRU[string, cacheEntry]
}

func hashCacheKey(key string) uint32 {
	return uint32(xxh3.HashString(key))
}

// NewElfCache creates an empty cache. Use Maps.SetElfCache to opt in.
func NewElfCache() *ElfCache {
	entries, err := lru.New[string, cacheEntry](elfCacheSize, hashCacheKey)
	if err != nil {
		panic(err)
	}
	return &ElfCache{entries: entries}
}

func cacheKey(name string, elfStartOffset uint64) string {
	return fmt.Sprintf("%s:%x", name, elfStartOffset)
}

// get looks an image up under each plausible ELF start offset for the
// mapping: its own file offset, and the offset of a preceding read-only
// mapping holding the ELF start of a split mapping.
func (c *ElfCache) get(name string, offsets ...uint64) (cacheEntry, bool) {
	if name == "" {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, offset := range offsets {
		if entry, ok := c.entries.Get(cacheKey(name, offset)); ok {
			return entry, true
		}
	}
	return cacheEntry{}, false
}

func (c *ElfCache) put(name string, elfStartOffset uint64, entry cacheEntry) {
	if name == "" || entry.im == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(cacheKey(name, elfStartOffset), entry)
}
