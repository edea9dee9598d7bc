// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package testelf builds small synthetic ELF images and eh_frame sections
// for tests. The produced images keep file offsets equal to virtual
// addresses so translations stay easy to reason about in test expectations.
package testelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Builder assembles a minimal ELF64 little-endian image.
type Builder struct {
	Machine elf.Machine

	sections []section
	symbols  []symbolEntry
	dynsyms  []symbolEntry
}

type section struct {
	name    string
	typ     elf.SectionType
	addr    uint64
	data    []byte
	link    uint32
	entsize uint64
}

type symbolEntry struct {
	name  string
	value uint64
	size  uint64
	info  uint8
}

// New returns a builder for the given machine.
func New(machine elf.Machine) *Builder {
	return &Builder{Machine: machine}
}

// AddSection registers a section with the given content at addr.
func (b *Builder) AddSection(name string, addr uint64, data []byte) {
	b.sections = append(b.sections, section{
		name: name, typ: elf.SHT_PROGBITS, addr: addr, data: data,
	})
}

// AddFuncSymbol registers a function symbol emitted into .symtab.
func (b *Builder) AddFuncSymbol(name string, value, size uint64) {
	b.symbols = append(b.symbols, symbolEntry{
		name: name, value: value, size: size,
		info: uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
	})
}

// AddDynSymbol registers a symbol emitted into .dynsym.
func (b *Builder) AddDynSymbol(name string, value, size uint64) {
	b.dynsyms = append(b.dynsyms, symbolEntry{
		name: name, value: value, size: size,
		info: uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_OBJECT),
	})
}

// AddBuildID registers a .note.gnu.build-id section with the given id.
func (b *Builder) AddBuildID(id []byte) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	var hdr [12]byte
	le.PutUint32(hdr[0:], 4)               // namesz "GNU\0"
	le.PutUint32(hdr[4:], uint32(len(id))) // descsz
	le.PutUint32(hdr[8:], 3)               // NT_GNU_BUILD_ID
	buf.Write(hdr[:])
	buf.WriteString("GNU\x00")
	buf.Write(id)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	b.AddSection(".note.gnu.build-id", 0, buf.Bytes())
}

func buildSymtab(syms []symbolEntry) (symData, strData []byte) {
	le := binary.LittleEndian
	var strs bytes.Buffer
	var tab bytes.Buffer

	// index 0 is the null symbol
	strs.WriteByte(0)
	tab.Write(make([]byte, 24))

	for _, sym := range syms {
		nameOff := uint32(strs.Len())
		strs.WriteString(sym.name)
		strs.WriteByte(0)

		var entry [24]byte
		le.PutUint32(entry[0:], nameOff)
		entry[4] = sym.info
		le.PutUint16(entry[6:], 1) // section index, anything defined
		le.PutUint64(entry[8:], sym.value)
		le.PutUint64(entry[16:], sym.size)
		tab.Write(entry[:])
	}
	return tab.Bytes(), strs.Bytes()
}

// Build assembles the image bytes.
func (b *Builder) Build() []byte {
	sections := append([]section{}, b.sections...)

	if len(b.symbols) > 0 {
		symData, strData := buildSymtab(b.symbols)
		strIdx := uint32(len(sections) + 1) // +1 for null section
		sections = append(sections,
			section{name: ".strtab", typ: elf.SHT_STRTAB, data: strData},
			section{name: ".symtab", typ: elf.SHT_SYMTAB, data: symData,
				link: strIdx, entsize: 24})
	}
	if len(b.dynsyms) > 0 {
		symData, strData := buildSymtab(b.dynsyms)
		strIdx := uint32(len(sections) + 1)
		sections = append(sections,
			section{name: ".dynstr", typ: elf.SHT_STRTAB, data: strData},
			section{name: ".dynsym", typ: elf.SHT_DYNSYM, data: symData,
				link: strIdx, entsize: 24})
	}

	// Build .shstrtab
	var shstr bytes.Buffer
	shstr.WriteByte(0)
	nameOffsets := make([]uint32, len(sections))
	for i, sec := range sections {
		nameOffsets[i] = uint32(shstr.Len())
		shstr.WriteString(sec.name)
		shstr.WriteByte(0)
	}
	shstrNameOff := uint32(shstr.Len())
	shstr.WriteString(".shstrtab")
	shstr.WriteByte(0)

	le := binary.LittleEndian
	const ehsize = 64
	const phentsize = 56
	const shentsize = 64

	// Layout: header, one PT_LOAD phdr, section contents, .shstrtab,
	// section headers. Section file offsets equal their declared addr
	// when the addr is non-zero; content is placed at its offset.
	contentStart := uint64(ehsize + phentsize)
	image := make([]byte, contentStart)

	place := func(data []byte, addr uint64) uint64 {
		offset := uint64(len(image))
		if addr != 0 {
			if addr < offset {
				panic("testelf: section addr overlaps earlier content")
			}
			image = append(image, make([]byte, addr-offset)...)
			offset = addr
		}
		image = append(image, data...)
		return offset
	}

	offsets := make([]uint64, len(sections))
	for i, sec := range sections {
		offsets[i] = place(sec.data, sec.addr)
	}
	shstrOff := place(shstr.Bytes(), 0)

	// Section header table: null section first.
	shoff := uint64(len(image))
	shnum := len(sections) + 2
	writeShdr := func(nameOff uint32, typ elf.SectionType, flags uint64,
		addr, offset, size uint64, link uint32, entsize uint64) {
		var sh [shentsize]byte
		le.PutUint32(sh[0:], nameOff)
		le.PutUint32(sh[4:], uint32(typ))
		le.PutUint64(sh[8:], flags)
		le.PutUint64(sh[16:], addr)
		le.PutUint64(sh[24:], offset)
		le.PutUint64(sh[32:], size)
		le.PutUint32(sh[40:], link)
		le.PutUint64(sh[56:], entsize)
		image = append(image, sh[:]...)
	}
	writeShdr(0, elf.SHT_NULL, 0, 0, 0, 0, 0, 0)
	for i, sec := range sections {
		addr := sec.addr
		if addr == 0 {
			addr = offsets[i]
		}
		writeShdr(nameOffsets[i], sec.typ, uint64(elf.SHF_ALLOC),
			addr, offsets[i], uint64(len(sec.data)), sec.link, sec.entsize)
	}
	writeShdr(shstrNameOff, elf.SHT_STRTAB, 0, 0, shstrOff,
		uint64(shstr.Len()), 0, 0)

	// ELF header
	hdr := image[:ehsize]
	copy(hdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(hdr[16:], uint16(elf.ET_DYN))
	le.PutUint16(hdr[18:], uint16(b.Machine))
	le.PutUint32(hdr[20:], 1)
	le.PutUint64(hdr[32:], ehsize) // phoff
	le.PutUint64(hdr[40:], shoff)
	le.PutUint16(hdr[52:], ehsize)
	le.PutUint16(hdr[54:], phentsize)
	le.PutUint16(hdr[56:], 1) // phnum
	le.PutUint16(hdr[58:], shentsize)
	le.PutUint16(hdr[60:], uint16(shnum))
	le.PutUint16(hdr[62:], uint16(shnum-1)) // shstrndx

	// One PT_LOAD r-x segment covering the whole image with vaddr equal
	// to file offset, so the load bias is zero.
	ph := image[ehsize : ehsize+phentsize]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(ph[8:], 0)                  // offset
	le.PutUint64(ph[16:], 0)                 // vaddr
	le.PutUint64(ph[32:], uint64(len(image))) // filesz
	le.PutUint64(ph[40:], uint64(len(image))) // memsz

	return image
}
