// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarf implements the call-frame-information engine: CIE/FDE
// parsing, the CFA instruction virtual machine producing a register-location
// table for a target PC, and the expression evaluator the location rules can
// reference. It operates on a Section description and never loads a whole
// unwind section into memory.
package dwarf

import (
	"encoding/binary"
	"fmt"

	"github.com/unwindkit/unwindkit/memio"
)

// Section describes where a CFI section lives: the Memory it is read
// through (addressed by file offset), its extent, and the virtual address
// it is linked at, which anchors pc-relative and data-relative pointer
// encodings.
type Section struct {
	Mem      memio.Memory
	Offset   uint64
	Size     uint64
	Vaddr    uint64
	Order    binary.ByteOrder
	AddrSize int

	// DebugFrame selects the .debug_frame flavor of the CIE-pointer
	// convention; false means .eh_frame.
	DebugFrame bool

	// ExprBias is added to DW_OP_addr operands so absolute addresses in
	// expressions land in the mapped address space.
	ExprBias int64
}

// DWARF Exception Header pointer encodings
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// reader is a bounds-checked cursor over a byte range of a Section. Short
// reads latch the failed flag instead of propagating errors through every
// arithmetic helper; callers check isValid() at decision points.
type reader struct {
	sec    *Section
	pos    uint64
	end    uint64
	failed bool
}

func (s *Section) reader() reader {
	return reader{sec: s, pos: s.Offset, end: s.Offset + s.Size}
}

// readerAt returns a cursor at the given section-relative offset.
func (s *Section) readerAt(offs uint64) reader {
	r := s.reader()
	r.pos += offs
	if r.pos > r.end {
		r.failed = true
	}
	return r
}

// vaddr returns the virtual address the cursor position is linked at.
func (r *reader) vaddr() uint64 {
	return r.sec.Vaddr + (r.pos - r.sec.Offset)
}

// sectionOffset returns the cursor position relative to the section start.
func (r *reader) sectionOffset() uint64 {
	return r.pos - r.sec.Offset
}

func (r *reader) hasData() bool {
	return !r.failed && r.pos < r.end
}

func (r *reader) isValid() bool {
	return !r.failed && r.pos <= r.end
}

func (r *reader) skip(num uint64) {
	r.pos += num
	if r.pos > r.end {
		r.failed = true
	}
}

// bytes splits off a sub-cursor over the next num bytes and advances past
// them.
func (r *reader) bytes(num uint64) reader {
	pos := r.pos
	r.skip(num)
	return reader{sec: r.sec, pos: pos, end: pos + num, failed: r.failed}
}

func (r *reader) read(to []byte) bool {
	if r.failed || r.pos+uint64(len(to)) > r.end ||
		!memio.ReadFully(r.sec.Mem, r.pos, to) {
		r.failed = true
		return false
	}
	r.pos += uint64(len(to))
	return true
}

func (r *reader) u8() uint8 {
	var buf [1]byte
	if !r.read(buf[:]) {
		return 0
	}
	return buf[0]
}

func (r *reader) u16() uint16 {
	var buf [2]byte
	if !r.read(buf[:]) {
		return 0
	}
	return r.sec.Order.Uint16(buf[:])
}

func (r *reader) u32() uint32 {
	var buf [4]byte
	if !r.read(buf[:]) {
		return 0
	}
	return r.sec.Order.Uint32(buf[:])
}

func (r *reader) u64() uint64 {
	var buf [8]byte
	if !r.read(buf[:]) {
		return 0
	}
	return r.sec.Order.Uint64(buf[:])
}

// uleb reads one unsigned little endian base-128 encoded value.
func (r *reader) uleb() uint64 {
	b := uint8(0x80)
	val := uint64(0)
	for shift := 0; b&0x80 != 0 && shift < 64; shift += 7 {
		b = r.u8()
		val |= uint64(b&0x7f) << shift
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value.
func (r *reader) sleb() int64 {
	b := uint8(0x80)
	val := int64(0)
	shift := 0
	for ; b&0x80 != 0 && shift < 64; shift += 7 {
		b = r.u8()
		val |= int64(b&0x7f) << shift
	}
	if shift < 64 && b&0x40 != 0 {
		// Sign extend
		val |= int64(-1) << shift
	}
	return val
}

// str reads one zero-terminated string. Only used for the short CIE
// augmentation string.
func (r *reader) str() string {
	var buf [32]byte
	res := make([]byte, 0, 8)
	for {
		n := int(min(uint64(len(buf)), r.end-r.pos))
		if n == 0 || r.sec.Mem.Read(r.pos, buf[:n]) != n {
			r.failed = true
			return ""
		}
		for i := range n {
			if buf[i] == 0 {
				r.pos += uint64(i + 1)
				return string(append(res, buf[:i]...))
			}
		}
		res = append(res, buf[:n]...)
		r.pos += uint64(n)
	}
}

// ptr reads one pointer value with the given encoding. The indirect flag is
// resolved with an address-sized read through the section memory.
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pcrelBase := r.vaddr()
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatNative:
		if r.sec.AddrSize == 4 {
			val = uint64(r.u32())
		} else {
			val = r.u64()
		}
	case encFormatNative | encSignedMask:
		if r.sec.AddrSize == 4 {
			val = uint64(int64(int32(r.u32())))
		} else {
			val = r.u64()
		}
	case encFormatLeb128:
		val = r.uleb()
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", uint8(enc))
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pcrelBase
	case encAdjustDataRel:
		val += r.sec.Vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", uint8(enc))
	}

	if enc&encIndirect != 0 {
		// The value is the address of the actual value.
		offs, ok := r.sec.vaddrToOffset(val)
		if !ok {
			r.failed = true
			return 0, fmt.Errorf("indirect pointer 0x%x outside section", val)
		}
		deref, ok := memio.ReadPointer(r.sec.Mem, offs, r.sec.AddrSize, r.sec.Order)
		if !ok {
			r.failed = true
			return 0, fmt.Errorf("indirect pointer 0x%x unreadable", val)
		}
		val = deref
	}

	return val, nil
}

// vaddrToOffset translates a virtual address inside the section back to the
// file-offset address space of the section memory.
func (s *Section) vaddrToOffset(vaddr uint64) (uint64, bool) {
	if vaddr < s.Vaddr || vaddr-s.Vaddr >= s.Size {
		return 0, false
	}
	return s.Offset + (vaddr - s.Vaddr), true
}
