// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfx provides the ELF introspection the unwinder needs: header
// and segment parsing for 32- and 64-bit ELF in either byte order, section
// lookup, build-id and soname extraction, function symbols, and lazy access
// to the unwind tables including the XZ-compressed mini-debug inner ELF.
//
// The loader reads only the portions of the file it is asked about, through
// a memio.Memory addressed by file offset, and works on images that have no
// section headers at all.
package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/libpf/xsync"
	"github.com/unwindkit/unwindkit/memio"
)

// ErrNotElf is returned when the magic or header checks fail.
var ErrNotElf = errors.New("not an ELF file")

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	// maxSectionCount guards against forged headers.
	maxSectionCount = 8192
	maxPhdrCount    = 1024

	// maxBytesSmallSection is the maximum size for small parsed sections
	// (e.g. notes).
	maxBytesSmallSection = 4 * 1024

	// maxBytesLargeSection is the maximum size for large parsed sections
	// (e.g. symbol and string tables).
	maxBytesLargeSection = 16 * 1024 * 1024
)

// ProgHeader is the class-independent program header representation.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// SectionHeader is the class-independent section header representation.
type SectionHeader struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Entsize uint64
}

// Image is one parsed ELF image. It is created once per mapping (or cache
// entry), then shared read-only; the lazily derived tables are guarded by
// their own Once slots.
type Image struct {
	mem     memio.Memory
	order   binary.ByteOrder
	class   elf.Class
	machine elf.Machine
	arch    libpf.Arch
	valid   bool

	phdrs    []ProgHeader
	loadBias uint64
	textVaddr, textSize uint64

	ehFramePhdr *ProgHeader
	exidxPhdr   *ProgHeader
	dynamicPhdr *ProgHeader

	shoff     uint64
	shentsize uint64
	shnum     int
	shstrndx  int

	sections  xsync.Once[[]SectionHeader]
	buildID   xsync.Once[string]
	soname    xsync.Once[string]
	symbols   xsync.Once[*libpf.SymbolMap]
	dynsyms   xsync.Once[*libpf.SymbolMap]
	unwind    unwindData
}

// NewImage parses the ELF headers from mem. The returned image is valid
// unless an error is returned.
func NewImage(mem memio.Memory) (*Image, error) {
	im := &Image{mem: mem}
	if err := im.parseHeaders(); err != nil {
		return nil, err
	}
	im.valid = true
	return im, nil
}

// Valid reports whether the image passed header checks and was not
// invalidated since.
func (im *Image) Valid() bool {
	return im != nil && im.valid
}

// Invalidate marks the image unusable. Used when the image's architecture
// does not match the process being unwound; the image object is kept so the
// mapping does not retry materialization.
func (im *Image) Invalidate() {
	im.valid = false
}

func (im *Image) Machine() elf.Machine   { return im.machine }
func (im *Image) Class() elf.Class      { return im.class }
func (im *Image) Arch() libpf.Arch      { return im.arch }
func (im *Image) ByteOrder() binary.ByteOrder { return im.order }
func (im *Image) Memory() memio.Memory  { return im.mem }

// LoadBias returns the difference between the virtual address and the file
// offset of the first loadable executable segment.
func (im *Image) LoadBias() uint64 { return im.loadBias }

// TextRange returns the virtual address range of the executable segment.
func (im *Image) TextRange() (start, size uint64) {
	return im.textVaddr, im.textSize
}

// addrSize returns the pointer width of the image.
func (im *Image) addrSize() int {
	if im.class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func (im *Image) u16(addr uint64) uint16 {
	v, _ := memio.ReadUint16(im.mem, addr, im.order)
	return v
}

func (im *Image) u32(addr uint64) uint32 {
	v, _ := memio.ReadUint32(im.mem, addr, im.order)
	return v
}

func (im *Image) u64(addr uint64) uint64 {
	v, _ := memio.ReadUint64(im.mem, addr, im.order)
	return v
}

// addr reads a class-sized word.
func (im *Image) addr(a uint64) uint64 {
	if im.class == elf.ELFCLASS32 {
		return uint64(im.u32(a))
	}
	return im.u64(a)
}

func (im *Image) parseHeaders() error {
	var ident [16]byte
	if !memio.ReadFully(im.mem, 0, ident[:]) {
		return ErrNotElf
	}
	if !bytes.Equal(ident[:4], elfMagic) {
		return ErrNotElf
	}
	im.class = elf.Class(ident[elf.EI_CLASS])
	if im.class != elf.ELFCLASS32 && im.class != elf.ELFCLASS64 {
		return fmt.Errorf("unsupported ELF class %v", im.class)
	}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		im.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		im.order = binary.BigEndian
	default:
		return fmt.Errorf("unsupported ELF data encoding %d", ident[elf.EI_DATA])
	}
	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return fmt.Errorf("unsupported ELF version %d", ident[elf.EI_VERSION])
	}

	im.machine = elf.Machine(im.u16(18))
	im.arch = libpf.ArchFromElf(im.machine, im.class)
	if im.arch == libpf.ArchUnknown {
		return fmt.Errorf("unsupported ELF machine %v", im.machine)
	}

	var phoff uint64
	var phentsize, phnum int
	if im.class == elf.ELFCLASS32 {
		phoff = uint64(im.u32(28))
		im.shoff = uint64(im.u32(32))
		phentsize = int(im.u16(42))
		phnum = int(im.u16(44))
		im.shentsize = uint64(im.u16(46))
		im.shnum = int(im.u16(48))
		im.shstrndx = int(im.u16(50))
	} else {
		phoff = im.u64(32)
		im.shoff = im.u64(40)
		phentsize = int(im.u16(54))
		phnum = int(im.u16(56))
		im.shentsize = uint64(im.u16(58))
		im.shnum = int(im.u16(60))
		im.shstrndx = int(im.u16(62))
	}
	if phnum == 0 || phnum > maxPhdrCount {
		return fmt.Errorf("implausible program header count %d", phnum)
	}
	if im.shnum > maxSectionCount {
		return fmt.Errorf("implausible section count %d", im.shnum)
	}

	im.phdrs = make([]ProgHeader, 0, phnum)
	biasFound := false
	for i := range phnum {
		ph, err := im.parsePhdr(phoff + uint64(i)*uint64(phentsize))
		if err != nil {
			return err
		}
		im.phdrs = append(im.phdrs, ph)
		switch ph.Type {
		case elf.PT_LOAD:
			if ph.Flags&elf.PF_X != 0 {
				if !biasFound {
					im.loadBias = ph.Vaddr - ph.Off
					im.textVaddr = ph.Vaddr
					im.textSize = ph.Memsz
					biasFound = true
				}
			}
		case elf.PT_GNU_EH_FRAME:
			im.ehFramePhdr = &im.phdrs[len(im.phdrs)-1]
		case elf.PT_ARM_EXIDX:
			im.exidxPhdr = &im.phdrs[len(im.phdrs)-1]
		case elf.PT_DYNAMIC:
			im.dynamicPhdr = &im.phdrs[len(im.phdrs)-1]
		}
	}
	return nil
}

func (im *Image) parsePhdr(off uint64) (ProgHeader, error) {
	var ph ProgHeader
	if im.class == elf.ELFCLASS32 {
		var buf [32]byte
		if !memio.ReadFully(im.mem, off, buf[:]) {
			return ph, errors.New("program headers unreadable")
		}
		ph.Type = elf.ProgType(im.order.Uint32(buf[0:]))
		ph.Off = uint64(im.order.Uint32(buf[4:]))
		ph.Vaddr = uint64(im.order.Uint32(buf[8:]))
		ph.Filesz = uint64(im.order.Uint32(buf[16:]))
		ph.Memsz = uint64(im.order.Uint32(buf[20:]))
		ph.Flags = elf.ProgFlag(im.order.Uint32(buf[24:]))
	} else {
		var buf [56]byte
		if !memio.ReadFully(im.mem, off, buf[:]) {
			return ph, errors.New("program headers unreadable")
		}
		ph.Type = elf.ProgType(im.order.Uint32(buf[0:]))
		ph.Flags = elf.ProgFlag(im.order.Uint32(buf[4:]))
		ph.Off = im.order.Uint64(buf[8:])
		ph.Vaddr = im.order.Uint64(buf[16:])
		ph.Filesz = im.order.Uint64(buf[32:])
		ph.Memsz = im.order.Uint64(buf[40:])
	}
	return ph, nil
}

// VaddrToOffset translates a link-time virtual address to its file offset
// via the loadable segments.
func (im *Image) VaddrToOffset(vaddr uint64) (uint64, bool) {
	for i := range im.phdrs {
		ph := &im.phdrs[i]
		if ph.Type == elf.PT_LOAD && vaddr >= ph.Vaddr &&
			vaddr < ph.Vaddr+ph.Filesz {
			return vaddr - ph.Vaddr + ph.Off, true
		}
	}
	return 0, false
}

// loadSections parses the section header table and the name string table.
func (im *Image) loadSections() ([]SectionHeader, error) {
	if im.shnum == 0 || im.shoff == 0 {
		// Images mapped from process memory typically have no usable
		// section headers; not an error.
		return nil, nil
	}
	if im.shstrndx >= im.shnum {
		return nil, fmt.Errorf("invalid section string table index (%d / %d)",
			im.shstrndx, im.shnum)
	}
	sections := make([]SectionHeader, im.shnum)
	nameOffsets := make([]uint32, im.shnum)
	for i := range im.shnum {
		off := im.shoff + uint64(i)*im.shentsize
		sh := &sections[i]
		if im.class == elf.ELFCLASS32 {
			var buf [40]byte
			if !memio.ReadFully(im.mem, off, buf[:]) {
				return nil, errors.New("section headers unreadable")
			}
			nameOffsets[i] = im.order.Uint32(buf[0:])
			sh.Type = elf.SectionType(im.order.Uint32(buf[4:]))
			sh.Flags = elf.SectionFlag(im.order.Uint32(buf[8:]))
			sh.Addr = uint64(im.order.Uint32(buf[12:]))
			sh.Offset = uint64(im.order.Uint32(buf[16:]))
			sh.Size = uint64(im.order.Uint32(buf[20:]))
			sh.Link = im.order.Uint32(buf[24:])
			sh.Entsize = uint64(im.order.Uint32(buf[36:]))
		} else {
			var buf [64]byte
			if !memio.ReadFully(im.mem, off, buf[:]) {
				return nil, errors.New("section headers unreadable")
			}
			nameOffsets[i] = im.order.Uint32(buf[0:])
			sh.Type = elf.SectionType(im.order.Uint32(buf[4:]))
			sh.Flags = elf.SectionFlag(im.order.Uint64(buf[8:]))
			sh.Addr = im.order.Uint64(buf[16:])
			sh.Offset = im.order.Uint64(buf[24:])
			sh.Size = im.order.Uint64(buf[32:])
			sh.Link = im.order.Uint32(buf[40:])
			sh.Entsize = im.order.Uint64(buf[56:])
		}
	}

	strsh := &sections[im.shstrndx]
	if strsh.Size > maxBytesLargeSection {
		return nil, fmt.Errorf("section name table too large (%d)", strsh.Size)
	}
	strtab := make([]byte, strsh.Size)
	if !memio.ReadFully(im.mem, strsh.Offset, strtab) {
		return nil, errors.New("section name table unreadable")
	}
	for i := range sections {
		name, ok := getString(strtab, int(nameOffsets[i]))
		if !ok {
			return nil, fmt.Errorf("bad section name index (section %d)", i)
		}
		sections[i].Name = name
	}
	return sections, nil
}

// Sections returns the parsed section headers, or nil when the image has
// none it can trust.
func (im *Image) Sections() []SectionHeader {
	sections, err := im.sections.GetOrInit(im.loadSections)
	if err != nil {
		return nil
	}
	return *sections
}

// Section returns the named section, or nil.
func (im *Image) Section(name string) *SectionHeader {
	sections := im.Sections()
	for i := range sections {
		if sections[i].Name == name {
			return &sections[i]
		}
	}
	return nil
}

// sectionData loads a whole section, bounded by maxSize.
func (im *Image) sectionData(sh *SectionHeader, maxSize uint64) ([]byte, error) {
	if sh.Type == elf.SHT_NOBITS {
		return nil, errors.New("section has no file data")
	}
	if sh.Size > maxSize {
		return nil, fmt.Errorf("section %s too large (%d)", sh.Name, sh.Size)
	}
	data := make([]byte, sh.Size)
	if !memio.ReadFully(im.mem, sh.Offset, data) {
		return nil, fmt.Errorf("section %s unreadable", sh.Name)
	}
	return data, nil
}

// getString extracts a null terminated string from an ELF string table.
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+slen]), true
}

// ParseLoadBias computes the load bias of the ELF in mem by reading only
// the identity and program headers, without building an Image.
func ParseLoadBias(mem memio.Memory) (uint64, bool) {
	im := &Image{mem: mem}
	if err := im.parseHeaders(); err != nil {
		return 0, false
	}
	return im.loadBias, true
}

// Info validates the ELF in mem and reports the file extent its headers
// describe: the maximum end offset of the loadable segments and the section
// header table. Used to decide whether a preceding read-only mapping covers
// the whole ELF this mapping belongs to.
func Info(mem memio.Memory) (maxSize uint64, valid bool) {
	im := &Image{mem: mem}
	if err := im.parseHeaders(); err != nil {
		return 0, false
	}
	for i := range im.phdrs {
		ph := &im.phdrs[i]
		if end := ph.Off + ph.Filesz; end > maxSize {
			maxSize = end
		}
	}
	if end := im.shoff + uint64(im.shnum)*im.shentsize; end > maxSize {
		maxSize = end
	}
	return maxSize, true
}
