// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package dexfile realizes Dalvik executable images found in process memory
// and resolves program counters inside them to method names. Only the
// tables needed for that — strings, types, methods, class data and code
// items — are decoded.
package dexfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/unwindkit/unwindkit/memio"
)

// maxDexSize bounds a single realized DEX image.
const maxDexSize = 256 * 1024 * 1024

const dexHeaderSize = 0x70

var errTruncated = errors.New("truncated dex file")

// header field offsets
const (
	offFileSize      = 32
	offHeaderSize    = 36
	offEndianTag     = 40
	offStringIdsSize = 56
	offStringIdsOff  = 60
	offTypeIdsSize   = 64
	offTypeIdsOff    = 68
	offMethodIdsSize = 88
	offMethodIdsOff  = 92
	offClassDefsSize = 96
	offClassDefsOff  = 100
)

const endianConstant = 0x12345678

// File is one realized DEX image with its lazily grown method cache.
type File struct {
	data []byte

	stringIDsOff, stringIDsCount uint32
	typeIDsOff, typeIDsCount     uint32
	methodIDsOff, methodIDsCount uint32
	classDefsOff, classDefsCount uint32

	mu sync.Mutex
	// methods found so far, sorted by code end offset for upper-bound
	// lookup
	methods []methodEntry
	// classesScanned tracks how many class defs the lazy scan consumed
	classesScanned uint32
}

// methodEntry caches one resolved method's code range and name.
type methodEntry struct {
	codeStart uint64
	codeEnd   uint64
	name      string
}

// NewFromMemory realizes a DEX file by copying size bytes at base from mem.
func NewFromMemory(mem memio.Memory, base, size uint64) (*File, error) {
	if size < dexHeaderSize || size > maxDexSize {
		return nil, fmt.Errorf("implausible dex size %d", size)
	}
	data := make([]byte, size)
	if !memio.ReadFully(mem, base, data) {
		return nil, errors.New("dex bytes unreadable")
	}
	return NewFromBytes(data)
}

// NewFromBytes parses an in-memory DEX file.
func NewFromBytes(data []byte) (*File, error) {
	if len(data) < dexHeaderSize {
		return nil, errTruncated
	}
	if !isDexMagic(data) {
		return nil, errors.New("bad dex magic")
	}
	if binary.LittleEndian.Uint32(data[offEndianTag:]) != endianConstant {
		return nil, errors.New("unsupported dex endianness")
	}
	fileSize := binary.LittleEndian.Uint32(data[offFileSize:])
	if uint64(fileSize) > uint64(len(data)) {
		return nil, errTruncated
	}

	f := &File{
		data:          data[:fileSize],
		stringIDsOff:  binary.LittleEndian.Uint32(data[offStringIdsOff:]),
		stringIDsCount: binary.LittleEndian.Uint32(data[offStringIdsSize:]),
		typeIDsOff:    binary.LittleEndian.Uint32(data[offTypeIdsOff:]),
		typeIDsCount:  binary.LittleEndian.Uint32(data[offTypeIdsSize:]),
		methodIDsOff:  binary.LittleEndian.Uint32(data[offMethodIdsOff:]),
		methodIDsCount: binary.LittleEndian.Uint32(data[offMethodIdsSize:]),
		classDefsOff:  binary.LittleEndian.Uint32(data[offClassDefsOff:]),
		classDefsCount: binary.LittleEndian.Uint32(data[offClassDefsSize:]),
	}
	return f, nil
}

// isDexMagic accepts dex versions 035 through 040.
func isDexMagic(data []byte) bool {
	if string(data[0:4]) != "dex\n" || data[7] != 0 {
		return false
	}
	version := string(data[4:7])
	return version >= "035" && version <= "040"
}

// SizeAt validates the header of a DEX image at base and returns the file
// size it declares. Used to realize DEX mappings whose extent is not known
// from the mapping itself.
func SizeAt(mem memio.Memory, base uint64) (uint64, bool) {
	var hdr [dexHeaderSize]byte
	if !memio.ReadFully(mem, base, hdr[:]) {
		return 0, false
	}
	if !isDexMagic(hdr[:]) ||
		binary.LittleEndian.Uint32(hdr[offEndianTag:]) != endianConstant {
		return 0, false
	}
	return uint64(binary.LittleEndian.Uint32(hdr[offFileSize:])), true
}

// Size returns the size the header declares.
func (f *File) Size() uint64 {
	return uint64(len(f.data))
}

func (f *File) u16(off uint64) (uint16, bool) {
	if off+2 > uint64(len(f.data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(f.data[off:]), true
}

func (f *File) u32(off uint64) (uint32, bool) {
	if off+4 > uint64(len(f.data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(f.data[off:]), true
}

// uleb decodes an unsigned LEB128 at off, returning the value and the
// position past it.
func (f *File) uleb(off uint64) (uint64, uint64, bool) {
	var val uint64
	for shift := 0; shift < 64; shift += 7 {
		if off >= uint64(len(f.data)) {
			return 0, 0, false
		}
		b := f.data[off]
		off++
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, off, true
		}
	}
	return 0, 0, false
}

// stringAt reads string id n: an offset to a uleb-prefixed MUTF-8 string.
func (f *File) stringAt(n uint32) (string, bool) {
	if n >= f.stringIDsCount {
		return "", false
	}
	off, ok := f.u32(uint64(f.stringIDsOff) + uint64(n)*4)
	if !ok {
		return "", false
	}
	// skip the utf16 length
	_, pos, ok := f.uleb(uint64(off))
	if !ok {
		return "", false
	}
	end := pos
	for end < uint64(len(f.data)) && f.data[end] != 0 {
		end++
	}
	return string(f.data[pos:end]), true
}

// typeDescriptor returns the descriptor string of type id n.
func (f *File) typeDescriptor(n uint32) (string, bool) {
	if n >= f.typeIDsCount {
		return "", false
	}
	strIdx, ok := f.u32(uint64(f.typeIDsOff) + uint64(n)*4)
	if !ok {
		return "", false
	}
	return f.stringAt(strIdx)
}

// methodName renders method id n as Class.method with the class descriptor
// converted to dotted form.
func (f *File) methodName(n uint32) (string, bool) {
	if n >= f.methodIDsCount {
		return "", false
	}
	base := uint64(f.methodIDsOff) + uint64(n)*8
	classIdx, ok1 := f.u16(base)
	nameIdx, ok2 := f.u32(base + 4)
	if !ok1 || !ok2 {
		return "", false
	}
	descriptor, ok := f.typeDescriptor(uint32(classIdx))
	if !ok {
		return "", false
	}
	name, ok := f.stringAt(nameIdx)
	if !ok {
		return "", false
	}
	return descriptorToDotted(descriptor) + "." + name, true
}

// descriptorToDotted converts "Lcom/foo/Bar;" to "com.foo.Bar".
func descriptorToDotted(descriptor string) string {
	s := strings.TrimSuffix(strings.TrimPrefix(descriptor, "L"), ";")
	return strings.ReplaceAll(s, "/", ".")
}

// codeRange returns the instruction byte range of the code item at off.
func (f *File) codeRange(codeOff uint64) (start, end uint64, ok bool) {
	insnsSize, ok := f.u32(codeOff + 12)
	if !ok {
		return 0, 0, false
	}
	start = codeOff + 16
	end = start + uint64(insnsSize)*2
	if end > uint64(len(f.data)) {
		return 0, 0, false
	}
	return start, end, true
}

// scanClass walks one class_data_item and appends every method whose code
// range is known. Returns false on malformed data.
func (f *File) scanClass(classDef uint32, found func(methodEntry)) bool {
	classDataOff, ok := f.u32(uint64(f.classDefsOff) + uint64(classDef)*32 + 24)
	if !ok {
		return false
	}
	if classDataOff == 0 {
		// Class without code
		return true
	}
	pos := uint64(classDataOff)
	var staticFields, instanceFields, directMethods, virtualMethods uint64
	if staticFields, pos, ok = f.uleb(pos); !ok {
		return false
	}
	if instanceFields, pos, ok = f.uleb(pos); !ok {
		return false
	}
	if directMethods, pos, ok = f.uleb(pos); !ok {
		return false
	}
	if virtualMethods, pos, ok = f.uleb(pos); !ok {
		return false
	}
	for range staticFields + instanceFields {
		if _, pos, ok = f.uleb(pos); !ok { // field_idx_diff
			return false
		}
		if _, pos, ok = f.uleb(pos); !ok { // access_flags
			return false
		}
	}

	for _, count := range []uint64{directMethods, virtualMethods} {
		var methodIdx uint64
		for range count {
			var diff, codeOff uint64
			if diff, pos, ok = f.uleb(pos); !ok {
				return false
			}
			if _, pos, ok = f.uleb(pos); !ok { // access_flags
				return false
			}
			if codeOff, pos, ok = f.uleb(pos); !ok {
				return false
			}
			methodIdx += diff
			if codeOff == 0 {
				// abstract or native
				continue
			}
			start, end, okRange := f.codeRange(codeOff)
			if !okRange {
				continue
			}
			name, okName := f.methodName(uint32(methodIdx))
			if !okName {
				continue
			}
			found(methodEntry{codeStart: start, codeEnd: end, name: name})
		}
	}
	return true
}

// lookupCached does the upper-bound search on the method cache, which is
// kept sorted by code end offset. Caller holds f.mu.
func (f *File) lookupCached(offset uint64) (methodEntry, bool) {
	idx := sort.Search(len(f.methods), func(i int) bool {
		return f.methods[i].codeEnd > offset
	})
	if idx < len(f.methods) && offset >= f.methods[idx].codeStart {
		return f.methods[idx], true
	}
	return methodEntry{}, false
}

func (f *File) insertCached(entry methodEntry) {
	idx := sort.Search(len(f.methods), func(i int) bool {
		return f.methods[i].codeEnd > entry.codeEnd
	})
	f.methods = append(f.methods, methodEntry{})
	copy(f.methods[idx+1:], f.methods[idx:])
	f.methods[idx] = entry
}

// GetFunctionName resolves the method containing the given offset into the
// DEX file, returning the dotted method name and the offset of the pc into
// the method. The per-file cache is consulted first; on a miss the class
// defs are scanned lazily until the covering method appears.
func (f *File) GetFunctionName(offset uint64) (string, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.lookupCached(offset); ok {
		return entry.name, offset - entry.codeStart, true
	}

	for f.classesScanned < f.classDefsCount {
		classDef := f.classesScanned
		f.classesScanned++
		var hit *methodEntry
		ok := f.scanClass(classDef, func(entry methodEntry) {
			f.insertCached(entry)
			if offset >= entry.codeStart && offset < entry.codeEnd {
				e := entry
				hit = &e
			}
		})
		if !ok {
			return "", 0, false
		}
		if hit != nil {
			return hit.name, offset - hit.codeStart, true
		}
	}
	return "", 0, false
}
