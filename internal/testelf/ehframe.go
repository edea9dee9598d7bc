// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package testelf

import (
	"bytes"
	"encoding/binary"
)

// EhFrameBuilder assembles a synthetic .eh_frame section with pcrel/sdata4
// pointer encodings, plus an optional matching .eh_frame_hdr.
type EhFrameBuilder struct {
	// Vaddr is the link address the section will be placed at.
	Vaddr uint64

	// DebugFrame switches to the .debug_frame conventions: the CIE id
	// marker and section-relative CIE pointers, and absolute 8-byte
	// FDE address fields.
	DebugFrame bool

	buf    bytes.Buffer
	cieOff uint64
	fdes   []fdeRecord
}

type fdeRecord struct {
	pcStart uint64
	vaddr   uint64
}

// NewEhFrame returns a builder for a section linked at vaddr.
func NewEhFrame(vaddr uint64) *EhFrameBuilder {
	return &EhFrameBuilder{Vaddr: vaddr}
}

// AddCIE appends a CIE with augmentation "zR" (pcrel|sdata4 FDE encoding),
// the given alignment factors and return-address register, and the initial
// instructions. Subsequent FDEs reference the last CIE added.
func (b *EhFrameBuilder) AddCIE(codeAlign uint64, dataAlign int64, regRA uint8,
	instructions []byte) {
	var body bytes.Buffer
	body.WriteByte(1) // version
	if b.DebugFrame {
		body.WriteString("\x00") // no augmentation
	} else {
		body.WriteString("zR\x00")
	}
	writeUleb(&body, codeAlign)
	writeSleb(&body, dataAlign)
	body.WriteByte(regRA)
	if !b.DebugFrame {
		writeUleb(&body, 1)  // augmentation data length
		body.WriteByte(0x1b) // DW_EH_PE_pcrel | sdata4
	}
	body.Write(instructions)
	padNops(&body)

	b.cieOff = uint64(b.buf.Len())
	id := uint32(0)
	if b.DebugFrame {
		id = 0xffffffff
	}
	b.writeEntry(id, body.Bytes())
}

// AddFDE appends an FDE covering [pcStart, pcStart+pcRange) with the given
// call frame instructions.
func (b *EhFrameBuilder) AddFDE(pcStart, pcRange uint64, instructions []byte) {
	le := binary.LittleEndian
	entryOff := uint64(b.buf.Len())

	var body bytes.Buffer
	if b.DebugFrame {
		var word [8]byte
		le.PutUint64(word[:], pcStart)
		body.Write(word[:])
		le.PutUint64(word[:], pcRange)
		body.Write(word[:])
	} else {
		// pc_begin, pcrel from its field position: entry offset +
		// length field (4) + cie pointer field (4).
		fieldVaddr := b.Vaddr + entryOff + 8
		var pc [4]byte
		le.PutUint32(pc[:], uint32(pcStart-fieldVaddr))
		body.Write(pc[:])
		le.PutUint32(pc[:], uint32(pcRange))
		body.Write(pc[:])
		writeUleb(&body, 0) // augmentation data length
	}
	body.Write(instructions)
	padNops(&body)

	ciePtr := entryOff + 4 - b.cieOff
	if b.DebugFrame {
		// Section-relative CIE pointer
		ciePtr = b.cieOff
	}
	b.writeEntry(uint32(ciePtr), body.Bytes())
	b.fdes = append(b.fdes, fdeRecord{pcStart: pcStart, vaddr: b.Vaddr + entryOff})
}

func (b *EhFrameBuilder) writeEntry(id uint32, body []byte) {
	le := binary.LittleEndian
	var word [4]byte
	le.PutUint32(word[:], uint32(len(body)+4))
	b.buf.Write(word[:])
	le.PutUint32(word[:], id)
	b.buf.Write(word[:])
	b.buf.Write(body)
}

// Bytes returns the section content.
func (b *EhFrameBuilder) Bytes() []byte {
	return b.buf.Bytes()
}

// Hdr builds a matching .eh_frame_hdr section linked at hdrVaddr. With
// zeroCount the binary search table advertises zero FDEs, which forces
// consumers into the linear fallback.
func (b *EhFrameBuilder) Hdr(hdrVaddr uint64, zeroCount bool) []byte {
	le := binary.LittleEndian
	var buf bytes.Buffer
	buf.WriteByte(1)    // version
	buf.WriteByte(0x1b) // eh_frame_ptr: pcrel | sdata4
	buf.WriteByte(0x03) // fde_count: udata4
	buf.WriteByte(0x3b) // table: datarel | sdata4

	var word [4]byte
	le.PutUint32(word[:], uint32(b.Vaddr-(hdrVaddr+4)))
	buf.Write(word[:])

	count := len(b.fdes)
	if zeroCount {
		count = 0
	}
	le.PutUint32(word[:], uint32(count))
	buf.Write(word[:])

	for _, fde := range b.fdes[:count] {
		le.PutUint32(word[:], uint32(fde.pcStart-hdrVaddr))
		buf.Write(word[:])
		le.PutUint32(word[:], uint32(fde.vaddr-hdrVaddr))
		buf.Write(word[:])
	}
	return buf.Bytes()
}

func padNops(buf *bytes.Buffer) {
	for (buf.Len()+4)%8 != 0 {
		buf.WriteByte(0) // DW_CFA_nop
	}
}

func writeUleb(buf *bytes.Buffer, val uint64) {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		if val != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if val == 0 {
			return
		}
	}
}

func writeSleb(buf *bytes.Buffer, val int64) {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		if (val == 0 && b&0x40 == 0) || (val == -1 && b&0x40 != 0) {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
