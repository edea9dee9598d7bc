// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package elfx

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/libpf/xsync"
	"github.com/unwindkit/unwindkit/memio"
)

// parseBuildID walks .note.gnu.build-id for the NT_GNU_BUILD_ID note and
// returns the id as lowercase hex. An image without the note has the empty
// string as its printable build-id.
func (im *Image) parseBuildID() (string, error) {
	sh := im.Section(".note.gnu.build-id")
	if sh == nil {
		sh = im.Section(".notes")
	}
	if sh == nil {
		return "", nil
	}
	data, err := im.sectionData(sh, maxBytesSmallSection)
	if err != nil {
		return "", err
	}
	return parseBuildIDFromNotes(data, im.order)
}

func parseBuildIDFromNotes(data []byte, order binary.ByteOrder) (string, error) {
	// Note format: namesz, descsz, type, name (4-aligned), desc (4-aligned)
	const ntGnuBuildID = 3
	pos := 0
	align4 := func(x int) int { return (x + 3) &^ 3 }
	for pos+12 <= len(data) {
		namesz := int(order.Uint32(data[pos:]))
		descsz := int(order.Uint32(data[pos+4:]))
		noteType := order.Uint32(data[pos+8:])
		pos += 12
		nameEnd := pos + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if namesz < 0 || descsz < 0 || descEnd > len(data) {
			return "", errors.New("corrupt note section")
		}
		if noteType == ntGnuBuildID && namesz == 4 &&
			string(data[pos:pos+4]) == "GNU\x00" {
			return hex.EncodeToString(data[nameEnd : nameEnd+descsz]), nil
		}
		pos = descEnd
	}
	return "", nil
}

// BuildID returns the hex build-id, or the empty string when absent.
func (im *Image) BuildID() string {
	id, err := im.buildID.GetOrInit(im.parseBuildID)
	if err != nil {
		return ""
	}
	return *id
}

func (im *Image) parseSoname() (string, error) {
	dynamic := im.Section(".dynamic")
	dynstr := im.Section(".dynstr")
	if dynamic == nil && im.dynamicPhdr != nil {
		dynamic = &SectionHeader{
			Offset:  im.dynamicPhdr.Off,
			Size:    im.dynamicPhdr.Filesz,
			Entsize: uint64(2 * im.addrSize()),
		}
	}
	if dynamic == nil || dynstr == nil {
		return "", nil
	}
	data, err := im.sectionData(dynamic, maxBytesLargeSection)
	if err != nil {
		return "", err
	}
	entSize := 2 * im.addrSize()
	for pos := 0; pos+entSize <= len(data); pos += entSize {
		var tag, val uint64
		if im.class == elf.ELFCLASS32 {
			tag = uint64(im.order.Uint32(data[pos:]))
			val = uint64(im.order.Uint32(data[pos+4:]))
		} else {
			tag = im.order.Uint64(data[pos:])
			val = im.order.Uint64(data[pos+8:])
		}
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
		if elf.DynTag(tag) != elf.DT_SONAME {
			continue
		}
		if val >= dynstr.Size {
			return "", errors.New("DT_SONAME index out of range")
		}
		name, ok := memio.ReadString(im.mem, dynstr.Offset+val, 4096)
		if !ok {
			return "", errors.New("DT_SONAME string unreadable")
		}
		return name, nil
	}
	return "", nil
}

// Soname returns the DT_SONAME of the image, or the empty string.
func (im *Image) Soname() string {
	name, err := im.soname.GetOrInit(im.parseSoname)
	if err != nil {
		return ""
	}
	return *name
}

// loadSymbolMap reads one symbol table section into a SymbolMap holding the
// function-typed symbols.
func (im *Image) loadSymbolMap(name string) (*libpf.SymbolMap, error) {
	symTab := im.Section(name)
	if symTab == nil {
		return nil, errors.New("section not present")
	}
	sections := im.Sections()
	if symTab.Link >= uint32(len(sections)) {
		return nil, errors.New("symbol table string link out of range")
	}
	strs, err := im.sectionData(&sections[symTab.Link], maxBytesLargeSection)
	if err != nil {
		return nil, err
	}
	syms, err := im.sectionData(symTab, maxBytesLargeSection)
	if err != nil {
		return nil, err
	}

	symMap := &libpf.SymbolMap{}
	im.visitSymbols(syms, func(nameOff uint32, info uint8, value, size uint64) {
		if elf.ST_TYPE(info) != elf.STT_FUNC || size == 0 {
			return
		}
		symName, ok := getString(strs, int(nameOff))
		if !ok || symName == "" {
			return
		}
		symMap.Add(libpf.Symbol{
			Name:    libpf.SymbolName(symName),
			Address: libpf.SymbolValue(value),
			Size:    size,
		})
	})
	symMap.Finalize()
	return symMap, nil
}

// visitSymbols decodes the raw symbol table bytes of either ELF class.
func (im *Image) visitSymbols(syms []byte,
	fn func(nameOff uint32, info uint8, value, size uint64)) {
	if im.class == elf.ELFCLASS32 {
		const symSz = 16
		for pos := 0; pos+symSz <= len(syms); pos += symSz {
			fn(im.order.Uint32(syms[pos:]),
				syms[pos+12],
				uint64(im.order.Uint32(syms[pos+4:])),
				uint64(im.order.Uint32(syms[pos+8:])))
		}
		return
	}
	const symSz = 24
	for pos := 0; pos+symSz <= len(syms); pos += symSz {
		fn(im.order.Uint32(syms[pos:]),
			syms[pos+4],
			im.order.Uint64(syms[pos+8:]),
			im.order.Uint64(syms[pos+16:]))
	}
}

// FunctionName resolves the function symbol containing the given
// section-relative address, preferring .symtab over .dynsym. Returns the
// name and the offset of the address into the function.
func (im *Image) FunctionName(addr uint64) (string, uint64, bool) {
	for _, table := range []struct {
		once *xsync.Once[*libpf.SymbolMap]
		name string
	}{
		{&im.symbols, ".symtab"},
		{&im.dynsyms, ".dynsym"},
	} {
		symMap, err := table.once.GetOrInit(func() (*libpf.SymbolMap, error) {
			return im.loadSymbolMap(table.name)
		})
		if err != nil {
			continue
		}
		if name, offset, ok := (*symMap).LookupByAddress(libpf.SymbolValue(addr)); ok {
			return string(name), uint64(offset), true
		}
	}
	return "", 0, false
}

// DynamicSymbol looks up a named symbol in .dynsym, returning its virtual
// address. Used to locate the JIT debug descriptor globals.
func (im *Image) DynamicSymbol(name string) (uint64, bool) {
	symTab := im.Section(".dynsym")
	if symTab == nil {
		return 0, false
	}
	sections := im.Sections()
	if symTab.Link >= uint32(len(sections)) {
		return 0, false
	}
	strs, err := im.sectionData(&sections[symTab.Link], maxBytesLargeSection)
	if err != nil {
		return 0, false
	}
	syms, err := im.sectionData(symTab, maxBytesLargeSection)
	if err != nil {
		return 0, false
	}
	var found uint64
	ok := false
	im.visitSymbols(syms, func(nameOff uint32, _ uint8, value, _ uint64) {
		if ok {
			return
		}
		symName, valid := getString(strs, int(nameOff))
		if valid && symName == name {
			found = value
			ok = true
		}
	})
	return found, ok
}
