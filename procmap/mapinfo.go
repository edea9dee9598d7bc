// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package procmap models the address space of a process as an ordered set
// of mappings, each lazily associated with an ELF image and a computed load
// bias under a per-entry lock. The textual format parsed and produced is
// the /proc/<pid>/maps format.
package procmap

import (
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/unwindkit/unwindkit/elfx"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

// Flags are the protection bits of a mapping.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExec
	FlagShared
)

func (f Flags) String() string {
	var sb [4]byte
	perms := []struct {
		bit Flags
		ch  byte
	}{{FlagRead, 'r'}, {FlagWrite, 'w'}, {FlagExec, 'x'}}
	for i, p := range perms {
		if f&p.bit != 0 {
			sb[i] = p.ch
		} else {
			sb[i] = '-'
		}
	}
	if f&FlagShared != 0 {
		sb[3] = 's'
	} else {
		sb[3] = 'p'
	}
	return string(sb[:])
}

// loadBiasUnset is the atomic sentinel for "not yet computed".
const loadBiasUnset = ^uint64(0)

const noLink = -1

// MapInfo is a single address-range descriptor of a process's virtual
// address space.
type MapInfo struct {
	Start  uint64
	End    uint64
	Offset uint64
	Flags  Flags

	name libpf.String

	// elfOffset is the distance from the ELF file start to this
	// mapping's file offset; elfStartOffset is the file offset the ELF
	// starts at. Both diverge from 0/Offset when one ELF is split
	// across two mappings.
	elfOffset      uint64
	elfStartOffset uint64

	loadBias atomic.Uint64
	buildID  atomic.Pointer[string]

	// mu serializes ELF materialization; after construction the attached
	// image is read-only and shared freely.
	mu       sync.Mutex
	elf      *elfx.Image
	elfTried bool

	maps     *Maps
	index    int
	prevReal int
	nextReal int
}

func (mi *MapInfo) Name() string {
	return mi.name.String()
}

// IsBlank reports whether the mapping is an anonymous gap: no name and no
// file offset.
func (mi *MapInfo) IsBlank() bool {
	return mi.name.IsEmpty() && mi.Offset == 0
}

// hasFileName reports whether the name is a real filesystem path rather
// than a synthetic label like [stack] or <anonymous:...>.
func (mi *MapInfo) hasFileName() bool {
	name := mi.name.String()
	return name != "" && !strings.HasPrefix(name, "[") &&
		!strings.HasPrefix(name, "<")
}

// PrevRealMap returns the closest preceding mapping that is not an
// anonymous gap, or nil.
func (mi *MapInfo) PrevRealMap() *MapInfo {
	if mi.prevReal == noLink {
		return nil
	}
	return mi.maps.entries[mi.prevReal]
}

// NextRealMap returns the closest following mapping that is not an
// anonymous gap, or nil.
func (mi *MapInfo) NextRealMap() *MapInfo {
	if mi.nextReal == noLink {
		return nil
	}
	return mi.maps.entries[mi.nextReal]
}

// ElfOffset returns the distance from the ELF file start to this mapping's
// file offset, valid after GetElf.
func (mi *MapInfo) ElfOffset() uint64 {
	return mi.elfOffset
}

// AttachElf pre-binds an image that was materialized elsewhere to the
// mapping; GetElf then returns it without building one.
func (mi *MapInfo) AttachElf(im *elfx.Image) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.elf = im
	mi.elfTried = true
}

// Elf returns the attached image without materializing one.
func (mi *MapInfo) Elf() *elfx.Image {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.elf
}

// GetElf is the single serialized materialization point for the mapping's
// ELF. Returns nil when no ELF can be realized; the failure is remembered
// and not retried.
func (mi *MapInfo) GetElf(processMem memio.Memory, expectedArch libpf.Arch) *elfx.Image {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.elf != nil || mi.elfTried {
		return mi.elf
	}
	mi.elfTried = true

	cacheOffsets := []uint64{mi.Offset}
	if prev := mi.PrevRealMap(); prev != nil && prev.name == mi.name {
		cacheOffsets = append(cacheOffsets, prev.Offset)
	}
	cache := mi.maps.elfCache
	if cache != nil {
		if entry, ok := cache.get(mi.Name(), cacheOffsets...); ok {
			mi.adopt(entry)
			return mi.elf
		}
	}

	mem := mi.buildElfMemory(processMem)
	if mem == nil {
		return nil
	}

	// The memory construction can take long enough that another thread
	// may have populated the cache for this file meanwhile.
	if cache != nil {
		if entry, ok := cache.get(mi.Name(), cacheOffsets...); ok {
			mi.adopt(entry)
			return mi.elf
		}
	}

	im, err := elfx.NewImage(mem)
	if err != nil {
		log.Debugf("Mapping %s: no ELF: %v", mi.Name(), err)
		return nil
	}
	if expectedArch != libpf.ArchUnknown && im.Arch() != expectedArch {
		// Keep the invalidated image attached so the mapping does not
		// reattempt materialization.
		im.Invalidate()
	}
	mi.elf = im

	// When a predecessor mapping already realized the same file at the
	// same ELF start, share its image instead.
	if prev := mi.PrevRealMap(); prev != nil && mi.elfStartOffset != mi.Offset {
		prev.mu.Lock()
		if prev.elf != nil && prev.name == mi.name &&
			prev.elfStartOffset == mi.elfStartOffset {
			mi.elf = prev.elf
		}
		prev.mu.Unlock()
	}

	if cache != nil && im.Valid() {
		cache.put(mi.Name(), mi.elfStartOffset, cacheEntry{
			im:             mi.elf,
			elfStartOffset: mi.elfStartOffset,
		})
	}
	return mi.elf
}

func (mi *MapInfo) adopt(entry cacheEntry) {
	mi.elf = entry.im
	mi.elfStartOffset = entry.elfStartOffset
	if mi.Offset >= entry.elfStartOffset {
		mi.elfOffset = mi.Offset - entry.elfStartOffset
	}
}

// buildElfMemory constructs the Memory an ELF for this mapping is read
// through, setting elfOffset/elfStartOffset. Preference order: file-backed,
// in-process single range, stitched ranges across a preceding mapping.
func (mi *MapInfo) buildElfMemory(processMem memio.Memory) memio.Memory {
	mi.elfOffset = 0
	mi.elfStartOffset = mi.Offset

	if mi.hasFileName() {
		if mem := mi.buildFileMemory(); mem != nil {
			return mem
		}
	}

	if processMem == nil {
		return nil
	}

	// In-memory ELF mapped at this address
	size := mi.End - mi.Start
	rangeMem := memio.NewRange(processMem, mi.Start, 0, size)
	if _, valid := elfx.Info(rangeMem); valid {
		mi.elfOffset = 0
		mi.elfStartOffset = mi.Offset
		return rangeMem
	}

	// Stitched ranges: a preceding read-only mapping of the same file
	// holds the ELF headers, this mapping the executable part.
	prev := mi.PrevRealMap()
	if mi.Offset != 0 && prev != nil && prev.Flags == FlagRead &&
		prev.name == mi.name {
		ranges := memio.NewRanges()
		ranges.Insert(processMem, prev.Start, 0, prev.End-prev.Start)
		ranges.Insert(processMem, mi.Start, mi.Offset, size)
		if _, valid := elfx.Info(ranges); valid {
			mi.elfOffset = mi.Offset - prev.Offset
			mi.elfStartOffset = prev.Offset
			return ranges
		}
	}
	return nil
}

// buildFileMemory maps the backing file. With a non-zero file offset the
// mapping either starts at the embedded ELF, or at the executable segment
// of an ELF whose start lives in a preceding read-only mapping.
func (mi *MapInfo) buildFileMemory() memio.Memory {
	name := mi.Name()
	if mi.Offset == 0 {
		mem, err := memio.NewFile(name, 0, 0)
		if err != nil {
			return nil
		}
		return mem
	}

	// Probe whether the map offset is the start of an embedded ELF.
	if probe, err := memio.NewFile(name, mi.Offset, mi.End-mi.Start); err == nil {
		if _, valid := elfx.Info(probe); valid {
			probe.Close()
			mem, err := memio.NewFile(name, mi.Offset, 0)
			if err != nil {
				return nil
			}
			mi.elfOffset = 0
			mi.elfStartOffset = mi.Offset
			return mem
		}
		probe.Close()
	}

	// One last attempt: the previous map may be read-only with the same
	// name and stretch across this map.
	prev := mi.PrevRealMap()
	if prev == nil || prev.Flags != FlagRead || prev.name != mi.name ||
		prev.Offset >= mi.Offset {
		return nil
	}
	mem, err := memio.NewFile(name, prev.Offset, 0)
	if err != nil {
		return nil
	}
	maxSize, valid := elfx.Info(mem)
	if !valid || maxSize < mi.Offset-prev.Offset {
		mem.Close()
		return nil
	}
	mi.elfOffset = mi.Offset - prev.Offset
	mi.elfStartOffset = prev.Offset
	return mem
}

// GetLoadBias returns the load bias of the mapping's ELF, computing it on
// first use. The fast path is an atomic read; the slow path avoids full ELF
// instantiation by reading only the program headers when no image is
// attached yet.
func (mi *MapInfo) GetLoadBias(processMem memio.Memory) uint64 {
	if bias := mi.loadBias.Load(); bias != loadBiasUnset {
		return bias
	}

	mi.mu.Lock()
	var bias uint64
	if mi.elf != nil {
		bias = mi.elf.LoadBias()
	} else if mem := mi.buildElfMemory(processMem); mem != nil {
		bias, _ = elfx.ParseLoadBias(mem)
		if closer, ok := mem.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	mi.mu.Unlock()

	mi.loadBias.CompareAndSwap(loadBiasUnset, bias)
	return mi.loadBias.Load()
}

// GetBuildID returns the build-id of the mapping's ELF. The result is
// published with a compare-and-swap so exactly one allocation wins on
// concurrent first access.
func (mi *MapInfo) GetBuildID(processMem memio.Memory) string {
	if id := mi.buildID.Load(); id != nil {
		return *id
	}

	var id string
	mi.mu.Lock()
	im := mi.elf
	mi.mu.Unlock()
	if im != nil {
		id = im.BuildID()
	} else if mi.hasFileName() {
		if mem, err := memio.NewFile(mi.Name(), mi.elfStartOffset, 0); err == nil {
			if tmp, err := elfx.NewImage(mem); err == nil {
				id = tmp.BuildID()
			}
			mem.Close()
		}
	} else if processMem != nil {
		if im := mi.GetElf(processMem, libpf.ArchUnknown); im != nil {
			id = im.BuildID()
		}
	}

	mi.buildID.CompareAndSwap(nil, &id)
	return *mi.buildID.Load()
}

// RelPC converts an absolute PC to the link address space of the mapping's
// ELF: relative to the map start, adjusted for a split ELF and the load
// bias.
func (mi *MapInfo) RelPC(pc uint64, processMem memio.Memory) uint64 {
	return pc - mi.Start + mi.elfOffset + mi.GetLoadBias(processMem)
}
