// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package memio

import (
	lru "github.com/elastic/go-freelru"

	"github.com/unwindkit/unwindkit/libpf"
)

const (
	// cachePageShift sets the page granularity of the read-through cache.
	cachePageShift = 12
	cachePageSize  = 1 << cachePageShift

	// cacheBypassSize is the threshold above which reads skip the cache.
	// A read below it touches at most two pages, which bounds the work
	// done per call.
	cacheBypassSize = cachePageSize

	cachePageCount = 512
)

func hashPageNumber(page uint64) uint32 {
	return libpf.Address(page).Hash32()
}

// Cache is a page-granularity read-through cache over another Memory. It
// serves the many small reads the unwind engines issue against the same
// stack and unwind-table pages.
type Cache struct {
	mem   Memory
	pages *lru.SyncedLRU[uint64, []byte]
}

// NewCache wraps mem with a page cache.
func NewCache(mem Memory) *Cache {
	pages, err := lru.NewSynced[uint64, []byte](cachePageCount, hashPageNumber)
	if err != nil {
		// Only reachable with an invalid capacity constant.
		panic(err)
	}
	return &Cache{mem: mem, pages: pages}
}

// Clear drops all cached pages.
func (c *Cache) Clear() {
	c.pages.Purge()
}

// page returns the cached content of page number pn, populating it with a
// full-page read on miss. A page that cannot be read fully is not cached.
func (c *Cache) page(pn uint64) []byte {
	if data, ok := c.pages.Get(pn); ok {
		return data
	}
	data := make([]byte, cachePageSize)
	if !ReadFully(c.mem, pn<<cachePageShift, data) {
		return nil
	}
	c.pages.Add(pn, data)
	return data
}

func (c *Cache) Read(addr uint64, p []byte) int {
	if len(p) == 0 || overflows(addr, len(p)) {
		return 0
	}
	if len(p) > cacheBypassSize {
		return c.mem.Read(addr, p)
	}

	total := 0
	for total < len(p) {
		a := addr + uint64(total)
		data := c.page(a >> cachePageShift)
		if data == nil {
			// Page populate failed; delegate the remainder as a
			// plain read.
			return total + c.mem.Read(a, p[total:])
		}
		total += copy(p[total:], data[a&(cachePageSize-1):])
	}
	return total
}
