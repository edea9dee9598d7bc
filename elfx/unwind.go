// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package elfx

import (
	"debug/elf"
	"errors"

	"github.com/unwindkit/unwindkit/armexidx"
	"github.com/unwindkit/unwindkit/dwarf"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/libpf/xsync"
	"github.com/unwindkit/unwindkit/memio"
)

// maxMiniDebugSize bounds the compressed .gnu_debugdata blob.
const maxMiniDebugSize = 64 * 1024 * 1024

// unwindData holds the lazily constructed unwind tables of an image. A nil
// table cached behind a Once means the corresponding data is absent.
type unwindData struct {
	ehFrame    xsync.Once[*dwarf.Table]
	debugFrame xsync.Once[*dwarf.Table]
	miniDebug  xsync.Once[*Image]
	exidx      xsync.Once[*armexidx.Table]
}

func (im *Image) dwarfSection(sh *SectionHeader) dwarf.Section {
	return dwarf.Section{
		Mem:      im.mem,
		Offset:   sh.Offset,
		Size:     sh.Size,
		Vaddr:    sh.Addr,
		Order:    im.order,
		AddrSize: im.addrSize(),
	}
}

// buildEhFrame locates .eh_frame/.eh_frame_hdr by section headers, falling
// back to the PT_GNU_EH_FRAME segment for images whose section headers are
// stripped or untrusted.
func (im *Image) buildEhFrame() (*dwarf.Table, error) {
	frames := im.Section(".eh_frame")
	hdr := im.Section(".eh_frame_hdr")
	if frames != nil {
		var hdrSec *dwarf.Section
		if hdr != nil {
			s := im.dwarfSection(hdr)
			hdrSec = &s
		}
		return dwarf.NewEhFrame(im.dwarfSection(frames), hdrSec), nil
	}
	if im.ehFramePhdr == nil {
		return nil, nil
	}

	// The segment covers only the header; the frame data follows it and
	// runs to the end of the containing loadable segment.
	hdrSec := dwarf.Section{
		Mem:      im.mem,
		Offset:   im.ehFramePhdr.Off,
		Size:     im.ehFramePhdr.Filesz,
		Vaddr:    im.ehFramePhdr.Vaddr,
		Order:    im.order,
		AddrSize: im.addrSize(),
	}
	framesVaddr, ok := ehFrameAddrFromHdr(&hdrSec)
	if !ok {
		return nil, nil
	}
	framesOff, ok := im.VaddrToOffset(framesVaddr)
	if !ok {
		return nil, nil
	}
	var load *ProgHeader
	for i := range im.phdrs {
		ph := &im.phdrs[i]
		if ph.Type == elf.PT_LOAD && framesVaddr >= ph.Vaddr &&
			framesVaddr < ph.Vaddr+ph.Filesz {
			load = ph
			break
		}
	}
	if load == nil {
		return nil, nil
	}
	framesSec := dwarf.Section{
		Mem:      im.mem,
		Offset:   framesOff,
		Size:     load.Off + load.Filesz - framesOff,
		Vaddr:    framesVaddr,
		Order:    im.order,
		AddrSize: im.addrSize(),
	}
	return dwarf.NewEhFrame(framesSec, &hdrSec), nil
}

// ehFrameAddrFromHdr extracts the eh_frame pointer from the header without
// committing to the search table.
func ehFrameAddrFromHdr(sec *dwarf.Section) (uint64, bool) {
	return dwarf.EhFramePointer(sec)
}

// EhFrameTable returns the .eh_frame unwind table, or nil when the image
// has none.
func (im *Image) EhFrameTable() *dwarf.Table {
	t, err := im.unwind.ehFrame.GetOrInit(im.buildEhFrame)
	if err != nil {
		return nil
	}
	return *t
}

// DebugFrameTable returns the .debug_frame unwind table, or nil.
func (im *Image) DebugFrameTable() *dwarf.Table {
	t, err := im.unwind.debugFrame.GetOrInit(func() (*dwarf.Table, error) {
		sh := im.Section(".debug_frame")
		if sh == nil {
			return nil, nil
		}
		table := dwarf.NewDebugFrame(im.dwarfSection(sh))
		return table, nil
	})
	if err != nil {
		return nil
	}
	return *t
}

// buildMiniDebug realizes the .gnu_debugdata mini-debug blob as an inner
// ELF image served through the lazy XZ decompressor.
func (im *Image) buildMiniDebug() (*Image, error) {
	sh := im.Section(".gnu_debugdata")
	if sh == nil {
		return nil, nil
	}
	if sh.Size > maxMiniDebugSize {
		return nil, errors.New("mini-debug blob too large")
	}
	blob, err := im.sectionData(sh, maxMiniDebugSize)
	if err != nil {
		return nil, err
	}
	xzMem, err := memio.NewXZ(blob)
	if err != nil {
		return nil, err
	}
	return NewImage(xzMem)
}

// MiniDebug returns the inner ELF parsed from .gnu_debugdata, or nil. The
// outer image's unwind data is authoritative; the inner one is consulted
// only when the outer tables have no information at the target PC.
func (im *Image) MiniDebug() *Image {
	inner, err := im.unwind.miniDebug.GetOrInit(im.buildMiniDebug)
	if err != nil {
		return nil
	}
	return *inner
}

// MiniDebugFrameTable returns the .debug_frame of the mini-debug inner ELF.
func (im *Image) MiniDebugFrameTable() *dwarf.Table {
	inner := im.MiniDebug()
	if inner == nil {
		return nil
	}
	return inner.DebugFrameTable()
}

// ExidxTable returns the ARM exception index engine for 32-bit ARM images.
func (im *Image) ExidxTable() *armexidx.Table {
	if im.arch != libpf.ArchARM {
		return nil
	}
	t, err := im.unwind.exidx.GetOrInit(func() (*armexidx.Table, error) {
		var offset, size, vaddr uint64
		if sh := im.Section(".ARM.exidx"); sh != nil {
			offset, size, vaddr = sh.Offset, sh.Size, sh.Addr
		} else if im.exidxPhdr != nil {
			offset, size, vaddr = im.exidxPhdr.Off, im.exidxPhdr.Filesz,
				im.exidxPhdr.Vaddr
		} else {
			return nil, nil
		}
		return armexidx.New(im.mem, offset, size, vaddr, im.VaddrToOffset), nil
	})
	if err != nil {
		return nil
	}
	return *t
}

// IsValidPC reports whether any of the image's unwind tables cover the
// given section-relative (link address space) PC. This underlies the
// unwinder's selection among candidate ELFs.
func (im *Image) IsValidPC(pc uint64) bool {
	if !im.Valid() {
		return false
	}
	if t := im.EhFrameTable(); t != nil && t.ContainsPC(pc) {
		return true
	}
	if t := im.DebugFrameTable(); t != nil && t.ContainsPC(pc) {
		return true
	}
	if t := im.MiniDebugFrameTable(); t != nil && t.ContainsPC(pc) {
		return true
	}
	if t := im.ExidxTable(); t != nil && t.ContainsPC(pc) {
		return true
	}
	return false
}
