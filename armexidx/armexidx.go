// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package armexidx implements the 32-bit ARM exception-index unwinder over
// the compact EHABI encoding of .ARM.exidx/.ARM.extab. Its output contract
// matches the DWARF engine: caller registers, or a terminal condition.
//
// Reference: "Exception Handling ABI for the ARM Architecture", EHABI32.
package armexidx

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

// cantUnwind is the second-word sentinel marking a function that must not
// be unwound through.
const cantUnwind = 0x1

const exidxEntrySize = 8

// Translate maps a link-time virtual address to an offset in the image
// memory. Needed to follow prel31 references out of .ARM.exidx into
// .ARM.extab.
type Translate func(vaddr uint64) (uint64, bool)

// Table interprets the exception index of one ELF image.
type Table struct {
	mem    memio.Memory
	offset uint64
	size   uint64
	vaddr  uint64
	xlate  Translate

	mu      sync.Mutex
	lastErr libpf.Error
}

// New creates a Table over the .ARM.exidx section at the given file offset
// and link address. xlate resolves extab references.
func New(mem memio.Memory, offset, size, vaddr uint64, xlate Translate) *Table {
	return &Table{mem: mem, offset: offset, size: size, vaddr: vaddr, xlate: xlate}
}

func (t *Table) entryCount() int {
	return int(t.size / exidxEntrySize)
}

func (t *Table) word(offset uint64) (uint32, bool) {
	return memio.ReadUint32(t.mem, offset, binary.LittleEndian)
}

// prel31 sign-extends the low 31 bits of val and applies it relative to the
// address the word was read from.
func prel31(val uint32, wordVaddr uint64) uint64 {
	offset := int64(int32(val<<1)) >> 1
	return uint64(int64(wordVaddr) + offset)
}

// fnStart returns the function start address of index entry i.
func (t *Table) fnStart(i int) (uint64, bool) {
	w, ok := t.word(t.offset + uint64(i)*exidxEntrySize)
	if !ok {
		return 0, false
	}
	return prel31(w&0x7fffffff, t.vaddr+uint64(i)*exidxEntrySize), true
}

// find returns the entry index covering pc: the last entry whose function
// start is not above pc.
func (t *Table) find(pc uint64) (int, bool) {
	count := t.entryCount()
	readOK := true
	idx := sort.Search(count, func(i int) bool {
		start, ok := t.fnStart(i)
		if !ok {
			readOK = false
			return true
		}
		return start > pc
	})
	if !readOK || idx == 0 {
		return 0, false
	}
	return idx - 1, true
}

// ContainsPC reports whether the exception index has an entry covering pc.
func (t *Table) ContainsPC(pc uint64) bool {
	_, ok := t.find(pc)
	return ok
}

// LastError returns the most recent failure recorded by the engine.
func (t *Table) LastError() libpf.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Table) setError(code libpf.ErrorCode, addr uint64) {
	t.mu.Lock()
	t.lastErr = libpf.Error{Code: code, Address: addr}
	t.mu.Unlock()
}

// opStream yields the unwind opcode bytes of one entry, whether packed into
// the index word or spilled into extab words.
type opStream struct {
	t *Table
	// words of 4 big-endian-packed opcodes each
	words []uint32
	pos   int
}

func (s *opStream) next() (uint8, bool) {
	word := s.pos / 4
	if word >= len(s.words) {
		return 0, false
	}
	shift := 24 - (s.pos%4)*8
	s.pos++
	return uint8(s.words[word] >> shift), true
}

// extract collects the opcode words for index entry i. Returns nil words
// for a CANT_UNWIND entry.
func (t *Table) extract(i int) (*opStream, bool, error) {
	wordOffset := t.offset + uint64(i)*exidxEntrySize + 4
	w, ok := t.word(wordOffset)
	if !ok {
		return nil, false, errAt(libpf.ErrMemoryInvalid, wordOffset)
	}
	if w == cantUnwind {
		return nil, true, nil
	}
	if w&0x80000000 != 0 {
		// Inline compact entry: personality 0 with three opcodes in
		// the table word itself.
		if (w>>24)&0x7f != 0 {
			return nil, false, errAt(libpf.ErrUnsupported, wordOffset)
		}
		return &opStream{t: t, words: []uint32{w << 8 | 0xb0}}, false, nil
	}

	// prel31 reference into .ARM.extab
	extabVaddr := prel31(w&0x7fffffff, t.vaddr+uint64(i)*exidxEntrySize+4)
	extabOffset, ok := t.xlate(extabVaddr)
	if !ok {
		return nil, false, errAt(libpf.ErrUnwindInfo, extabVaddr)
	}
	w, ok = t.word(extabOffset)
	if !ok {
		return nil, false, errAt(libpf.ErrMemoryInvalid, extabOffset)
	}

	var words []uint32
	var extra int
	if w&0x80000000 == 0 {
		// Generic personality: a prel31 routine pointer, then a word
		// whose top byte is the count of additional opcode words.
		next, ok := t.word(extabOffset + 4)
		if !ok {
			return nil, false, errAt(libpf.ErrMemoryInvalid, extabOffset+4)
		}
		extra = int(next >> 24)
		words = append(words, next<<8|0xb0)
		extabOffset += 8
	} else {
		switch personality := (w >> 24) & 0x0f; personality {
		case 0:
			words = append(words, w<<8|0xb0)
			extabOffset += 4
		case 1, 2:
			extra = int((w >> 16) & 0xff)
			words = append(words, w<<16|0xb0b0)
			extabOffset += 4
		default:
			return nil, false, errAt(libpf.ErrUnsupported, extabOffset)
		}
	}
	for range extra {
		w, ok = t.word(extabOffset)
		if !ok {
			return nil, false, errAt(libpf.ErrMemoryInvalid, extabOffset)
		}
		words = append(words, w)
		extabOffset += 4
	}
	return &opStream{t: t, words: words}, false, nil
}

func errAt(code libpf.ErrorCode, addr uint64) error {
	return &codeError{err: libpf.Error{Code: code, Address: addr}}
}

type codeError struct {
	err libpf.Error
}

func (e *codeError) Error() string {
	return e.err.String()
}

// Step pops the caller's registers per the entry covering pc. finished
// reports a CANT_UNWIND entry or a dead return address; ok is false when
// the entry is malformed or memory was unreadable.
//
//nolint:gocyclo
func (t *Table) Step(pc uint64, regs *libpf.Regs, stack memio.Memory) (finished, ok bool) {
	idx, found := t.find(pc)
	if !found {
		t.setError(libpf.ErrUnwindInfo, pc)
		return false, false
	}
	ops, noUnwind, err := t.extract(idx)
	if err != nil {
		t.setError(err.(*codeError).err.Code, err.(*codeError).err.Address)
		return false, false
	}
	if noUnwind {
		return true, true
	}

	oldPC := regs.PC()
	vsp := regs.SP()
	pcSet := false
	spPopped := false
	popWord := func() (uint64, bool) {
		val, okRead := memio.ReadUint32(stack, vsp, binary.LittleEndian)
		if !okRead {
			t.setError(libpf.ErrMemoryInvalid, vsp)
			return 0, false
		}
		vsp += 4
		return uint64(val), true
	}
	popMask := func(mask uint32, base int) bool {
		for bit := 0; bit < 16; bit++ {
			if mask&(1<<bit) == 0 {
				continue
			}
			val, okRead := popWord()
			if !okRead {
				return false
			}
			reg := base + bit
			regs.Set(reg, val)
			if reg == libpf.ARMRegPC {
				pcSet = true
			}
			if reg == libpf.ARMRegSP {
				// A popped SP replaces vsp once all pops are done.
				spPopped = true
			}
		}
		return true
	}

	for {
		op, more := ops.next()
		if !more {
			break
		}
		switch {
		case op < 0x40:
			vsp += uint64(op&0x3f)<<2 + 4
		case op < 0x80:
			vsp -= uint64(op&0x3f)<<2 + 4
		case op < 0x90:
			next, more := ops.next()
			if !more {
				t.setError(libpf.ErrUnwindInfo, pc)
				return false, false
			}
			mask := uint32(op&0x0f)<<8 | uint32(next)
			if mask == 0 {
				// "Refuse to unwind" sentinel
				t.setError(libpf.ErrUnwindInfo, pc)
				return false, false
			}
			// mask bit 0 maps to r4
			if !popMask(mask, 4) {
				return false, false
			}
		case op < 0xa0:
			// vsp = r[n]
			vsp = regs.Get(int(op & 0x0f))
		case op < 0xb0:
			// pop r4-r[4+n], plus r14 for the 0xa8 row
			n := int(op & 0x07)
			for reg := 4; reg <= 4+n; reg++ {
				val, okRead := popWord()
				if !okRead {
					return false, false
				}
				regs.Set(reg, val)
			}
			if op&0x08 != 0 {
				val, okRead := popWord()
				if !okRead {
					return false, false
				}
				regs.Set(libpf.ARMRegLR, val)
			}
		case op == 0xb0:
			// finish
		case op == 0xb1:
			next, more := ops.next()
			if !more || next == 0 || next&0xf0 != 0 {
				t.setError(libpf.ErrUnwindInfo, pc)
				return false, false
			}
			if !popMask(uint32(next), 0) {
				return false, false
			}
		case op == 0xb2:
			// vsp += 0x204 + (uleb128 << 2)
			var shift uint
			var add uint64
			for {
				next, more := ops.next()
				if !more {
					t.setError(libpf.ErrUnwindInfo, pc)
					return false, false
				}
				add |= uint64(next&0x7f) << shift
				if next&0x80 == 0 {
					break
				}
				shift += 7
			}
			vsp += 0x204 + add<<2
		case op == 0xb3, op == 0xc8, op == 0xc9:
			// pop VFP double registers under a ssss:cccc descriptor;
			// only the stack adjustment matters here
			next, more := ops.next()
			if !more {
				t.setError(libpf.ErrUnwindInfo, pc)
				return false, false
			}
			vsp += uint64(next&0x0f+1) * 8
			if op == 0xb3 {
				// FSTMFDX writes an extra status word
				vsp += 4
			}
		case op >= 0xb8 && op <= 0xbf:
			vsp += uint64(op&0x07+1)*8 + 4
		case op >= 0xc0 && op <= 0xc5:
			// intel wireless MMX register pops
			vsp += uint64(op&0x07+1) * 8
		case op == 0xc6:
			next, more := ops.next()
			if !more {
				t.setError(libpf.ErrUnwindInfo, pc)
				return false, false
			}
			vsp += uint64(next&0x0f+1) * 8
		case op == 0xc7:
			next, more := ops.next()
			if !more || next == 0 || next&0xf0 != 0 {
				t.setError(libpf.ErrUnwindInfo, pc)
				return false, false
			}
			for bit := 0; bit < 4; bit++ {
				if next&(1<<bit) != 0 {
					vsp += 4
				}
			}
		case op >= 0xd0 && op <= 0xd7:
			vsp += uint64(op&0x07+1) * 8
		default:
			t.setError(libpf.ErrUnsupported, pc)
			return false, false
		}
	}

	if !spPopped {
		regs.SetSP(vsp)
	}
	if !pcSet {
		regs.SetPC(regs.Get(libpf.ARMRegLR))
	}
	newPC := regs.PC()
	if newPC == 0 || newPC == oldPC {
		return true, true
	}
	return false, true
}
