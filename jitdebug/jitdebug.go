// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package jitdebug reads the process-global JIT compilation-interface
// descriptor (the GDB JIT interface) to discover dynamically produced code
// and data: in-memory ELF objects published by a JIT, and DEX files
// published by the runtime through the parallel __dex_debug_descriptor.
//
// See https://sourceware.org/gdb/onlinedocs/gdb/JIT-Interface.html
package jitdebug

import (
	"encoding/binary"
	"path"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/unwindkit/unwindkit/dexfile"
	"github.com/unwindkit/unwindkit/elfx"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
	"github.com/unwindkit/unwindkit/procmap"
)

// JitDescriptorName is the global variable the JIT interface publishes.
const JitDescriptorName = "__jit_debug_descriptor"

// DexDescriptorName is the DEX equivalent used by the ART runtime.
const DexDescriptorName = "__dex_debug_descriptor"

// Entry is one discovered symfile: an in-memory ELF or DEX image at
// [Addr, Addr+Size). Entries are append-only once discovered.
type Entry struct {
	Addr uint64
	Size uint64
	Elf  *elfx.Image
	Dex  *dexfile.File
}

type kind uint8

const (
	kindElf kind = iota
	kindDex
)

// Debug walks one descriptor's linked entry list. One mutex spans list
// traversal and entry materialization; the reader assumes the target
// runtime publishes append-only and tolerates a partial node by validating
// what it reads.
type Debug struct {
	mem        memio.Memory
	arch       libpf.Arch
	variable   string
	searchLibs []string
	kind       kind

	mu          sync.Mutex
	initialized bool
	entryAddr   uint64
	entries     []*Entry
}

// NewJit creates a reader for __jit_debug_descriptor. searchLibs restricts
// which mappings are scanned for the descriptor symbol; empty means all.
func NewJit(mem memio.Memory, arch libpf.Arch, searchLibs []string) *Debug {
	return &Debug{mem: mem, arch: arch, variable: JitDescriptorName,
		searchLibs: searchLibs, kind: kindElf}
}

// NewDex creates a reader for __dex_debug_descriptor.
func NewDex(mem memio.Memory, arch libpf.Arch, searchLibs []string) *Debug {
	return &Debug{mem: mem, arch: arch, variable: DexDescriptorName,
		searchLibs: searchLibs, kind: kindDex}
}

func (d *Debug) ptrSize() uint64 {
	return uint64(d.arch.PointerSize())
}

// entrySizeOffset returns the offset of the 64-bit symfile size field in a
// list node. The field is packed on x86 and 8-byte aligned elsewhere.
func (d *Debug) entrySizeOffset() uint64 {
	switch {
	case d.ptrSize() == 8:
		return 24
	case d.arch == libpf.ArchX86:
		return 12
	default:
		return 16
	}
}

func (d *Debug) readPointer(addr uint64) (uint64, bool) {
	return memio.ReadPointer(d.mem, addr, int(d.ptrSize()), binary.LittleEndian)
}

// matchesSearchLibs checks the mapping name against the allowlist.
func (d *Debug) matchesSearchLibs(name string) bool {
	if len(d.searchLibs) == 0 {
		return true
	}
	base := path.Base(name)
	for _, lib := range d.searchLibs {
		if base == lib {
			return true
		}
	}
	return false
}

// init locates the descriptor by scanning the dynamic symbols of matching
// mappings, then reads it once to acquire the list head. Caller holds d.mu.
func (d *Debug) init(maps *procmap.Maps) {
	d.initialized = true

	var descAddr uint64
	for i := 0; i < maps.Len(); i++ {
		mi := maps.Get(i)
		if mi.Flags&procmap.FlagExec == 0 || !d.matchesSearchLibs(mi.Name()) {
			continue
		}
		im := mi.GetElf(d.mem, d.arch)
		if im == nil || !im.Valid() {
			continue
		}
		vaddr, ok := im.DynamicSymbol(d.variable)
		if !ok {
			continue
		}
		descAddr = vaddr - im.LoadBias() - mi.ElfOffset() + mi.Start
		break
	}
	if descAddr == 0 {
		return
	}

	// JITDescriptor: version, action_flag, relevant_entry, first_entry
	version, ok := memio.ReadUint32(d.mem, descAddr, binary.LittleEndian)
	if !ok || version != 1 {
		log.Debugf("JIT descriptor %s version %d not supported",
			d.variable, version)
		return
	}
	first, ok := d.readPointer(descAddr + 8 + d.ptrSize())
	if !ok || first == 0 {
		return
	}
	d.entryAddr = first
}

// readEntry reads the node at addr, returning the next pointer and the
// symfile range.
func (d *Debug) readEntry(addr uint64) (next, start, size uint64, ok bool) {
	p := d.ptrSize()
	if next, ok = d.readPointer(addr); !ok {
		return 0, 0, 0, false
	}
	if start, ok = d.readPointer(addr + 2*p); !ok {
		return 0, 0, 0, false
	}
	size, ok = memio.ReadUint64(d.mem, addr+d.entrySizeOffset(), binary.LittleEndian)
	return next, start, size, ok
}

// materialize realizes the symfile of one node.
func (d *Debug) materialize(start, size uint64) *Entry {
	entry := &Entry{Addr: start, Size: size}
	switch d.kind {
	case kindElf:
		im, err := elfx.NewImage(memio.NewRange(d.mem, start, 0, size))
		if err != nil {
			log.Debugf("JIT entry at 0x%x: %v", start, err)
			return nil
		}
		entry.Elf = im
	case kindDex:
		dex, err := dexfile.NewFromMemory(d.mem, start, size)
		if err != nil {
			log.Debugf("DEX entry at 0x%x: %v", start, err)
			return nil
		}
		entry.Dex = dex
	}
	return entry
}

// covers reports whether the entry's symfile is valid at pc.
func (e *Entry) covers(pc uint64) bool {
	if e.Elf != nil {
		return e.Elf.IsValidPC(pc)
	}
	return pc >= e.Addr && pc < e.Addr+e.Size
}

// Find returns the entry whose symfile covers pc, advancing the linked list
// one node at a time on misses. A node that fails to parse terminates the
// walk permanently.
func (d *Debug) Find(maps *procmap.Maps, pc uint64) *Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		d.init(maps)
	}

	for _, entry := range d.entries {
		if entry.covers(pc) {
			return entry
		}
	}

	for d.entryAddr != 0 {
		next, start, size, ok := d.readEntry(d.entryAddr)
		if !ok {
			d.entryAddr = 0
			break
		}
		d.entryAddr = next
		entry := d.materialize(start, size)
		if entry == nil {
			d.entryAddr = 0
			break
		}
		d.entries = append(d.entries, entry)
		if entry.covers(pc) {
			return entry
		}
	}
	return nil
}

// GetFunctionName resolves pc through the DEX entries.
func (d *Debug) GetFunctionName(maps *procmap.Maps, pc uint64) (string, uint64, bool) {
	entry := d.Find(maps, pc)
	if entry == nil || entry.Dex == nil {
		return "", 0, false
	}
	return entry.Dex.GetFunctionName(pc - entry.Addr)
}
