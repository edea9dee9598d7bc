// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf

import (
	"errors"
	"fmt"
	"sort"

	"github.com/unwindkit/unwindkit/libpf"
)

// Most files have a single CIE that all FDEs reference, but multiple CIEs
// occur in practice.
const cieCacheSize = 256

const fdeCacheSize = 1024

// errUnexpectedType is used internally to detect inconsistent FDE/CIE types.
var errUnexpectedType = errors.New("unexpected FDE/CIE type")

// errEmptyEntry is used internally to report FDEs/CIEs of length 0.
var errEmptyEntry = errors.New("FDE/CIE empty")

// cieInfo describes the contents of one Common Information Entry (CIE).
type cieInfo struct {
	offset uint64

	version         uint8
	codeAlign       uint64
	dataAlign       int64
	regRA           uint64
	fdeEnc          encoding
	lsdaEnc         encoding
	hasAugmentation bool
	isSignalHandler bool
	addrSize        int

	// initialState is the register state after the CIE initial
	// instructions ran.
	initialState rowState

	// instructions is the initial_instructions byte range, as absolute
	// positions in the section memory.
	instrStart, instrEnd uint64
}

// fdeInfo describes one Frame Description Entry (FDE).
type fdeInfo struct {
	offset uint64
	cie    *cieInfo

	// half-open virtual address range the FDE covers
	pcStart, pcEnd uint64

	instrStart, instrEnd uint64
}

// fdeIndexEntry is one record of the lazily built address-to-FDE index.
type fdeIndexEntry struct {
	pcStart uint64
	pcEnd   uint64
	offset  uint64
}

func hashUint64(v uint64) uint32 {
	return uint32(libpf.HashUint64(v))
}

// parseHDR parses the common part of CIE and FDE entries: the initial
// length and the CIE pointer field whose interpretation differs between
// .eh_frame and .debug_frame.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(r.u32())
	if dlen == 0 {
		return reader{}, 0, errEmptyEntry
	}
	if dlen < 0xfffffff0 {
		// Normal 32-bit dwarf
		idPos = r.sectionOffset()
		ciePos = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	} else if dlen == 0xffffffff {
		// 64-bit dwarf
		dlen = r.u64()
		if dlen < 2*8 {
			return reader{}, 0, errEmptyEntry
		}
		idPos = r.sectionOffset()
		ciePos = r.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 2 * 8
	} else {
		// Abort reading as sync is lost
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("unsupported initial length %#x", dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		return reader{}, 0, fmt.Errorf("CIE/FDE %#x: extends beyond section end", idPos)
	}
	if !r.sec.DebugFrame {
		// In .eh_frame the CIE marker value is zero
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if !isCIE {
		if !r.sec.DebugFrame {
			// In .eh_frame, the CIE pointer is relative to its own
			// field position, not to the start of the section.
			if ciePos > idPos {
				return data, 0, fmt.Errorf("CIE pointer %#x before section", ciePos)
			}
			ciePos = idPos - ciePos
		}
		if ciePos >= r.sec.Size {
			return data, 0, fmt.Errorf("CIE at %#x beyond section end", ciePos)
		}
	}
	return data, ciePos, nil
}

// parseCIE reads and processes one Common Information Entry.
func (r *reader) parseCIE(cie *cieInfo) error {
	data, _, err := r.parseHDR(true)
	if err != nil {
		return err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = cieInfo{
		offset:   cie.offset,
		version:  ver,
		fdeEnc:   encFormatNative | encAdjustAbs,
		lsdaEnc:  encFormatNative | encAdjustAbs,
		addrSize: r.sec.AddrSize,
	}

	augmentation := data.str()
	if ver == 4 {
		cie.addrSize = int(data.u8())
		// Skip the segment_selector_size field
		data.skip(1)
		if cie.addrSize != 4 && cie.addrSize != 8 {
			return fmt.Errorf("CIE address size %d not supported", cie.addrSize)
		}
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uint64(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		// Parse rest of CIE header based on augmentation string
		if augmentation[0] != 'z' {
			return fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		data.uleb()
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.lsdaEnc = encoding(data.u8())
			case 'R':
				cie.fdeEnc = encoding(data.u8())
			case 'P':
				// The personality routine is not used; read it to
				// keep the cursor aligned. Indirect is stripped as
				// the pointed-to value is irrelevant here.
				enc := encoding(data.u8()) &^ encIndirect
				if _, err = data.ptr(enc); err != nil {
					return err
				}
			case 'S':
				cie.isSignalHandler = true
			default:
				return fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
	}

	if !data.isValid() {
		return errors.New("CIE not valid after header")
	}
	cie.instrStart = data.pos
	cie.instrEnd = data.end
	return nil
}

// getCIE returns the parsed and cached CIE at the given section offset,
// with its initial register state computed.
func (t *Table) getCIE(offset uint64) (*cieInfo, error) {
	if cie, ok := t.cieCache.Get(offset); ok {
		return cie, nil
	}
	cie := &cieInfo{offset: offset}
	r := t.sec.readerAt(offset)
	if err := r.parseCIE(cie); err != nil {
		return nil, fmt.Errorf("CIE %#x failed: %w", offset, err)
	}

	// Run the CIE initial instructions to produce the state FDE programs
	// start from, and which DW_CFA_restore reverts to.
	st := state{cie: cie, sec: &t.sec, cur: newRowState()}
	ir := t.sec.reader()
	ir.pos = cie.instrStart
	ir.end = cie.instrEnd
	for ir.hasData() {
		if err := st.step(&ir); err != nil {
			return nil, err
		}
	}
	if !ir.isValid() {
		return nil, fmt.Errorf("CIE %#x parsing failed", offset)
	}
	cie.initialState = st.cur
	t.cieCache.Add(offset, cie)
	return cie, nil
}

// parseFDE parses the FDE at the given section offset. expectStart, when
// non-zero, cross-checks the index entry that led here.
func (t *Table) parseFDE(offset uint64, expectStart uint64) (*fdeInfo, error) {
	if fde, ok := t.fdeCache.Get(offset); ok {
		return fde, nil
	}
	r := t.sec.readerAt(offset)
	data, ciePos, err := r.parseHDR(false)
	if err != nil {
		return nil, err
	}
	cie, err := t.getCIE(ciePos)
	if err != nil {
		return nil, err
	}

	fde := &fdeInfo{offset: offset, cie: cie}
	fde.pcStart, err = data.ptr(cie.fdeEnc)
	if err != nil {
		return nil, err
	}
	if expectStart != 0 && fde.pcStart != expectStart {
		return nil, fmt.Errorf(
			"FDE pc start (%#x) not matching search table entry (%#x)",
			fde.pcStart, expectStart)
	}
	// The range is a length, so only the format part of the encoding
	// applies to it.
	rangeLen, err := data.ptr(cie.fdeEnc & (encFormatMask | encSignedMask))
	if err != nil {
		return nil, err
	}
	if rangeLen == 0 {
		// A zero-length FDE covers nothing; treat as malformed.
		return nil, errEmptyEntry
	}
	fde.pcEnd = fde.pcStart + rangeLen

	if cie.hasAugmentation {
		data.skip(data.uleb())
	}
	if !data.isValid() {
		return nil, fmt.Errorf("FDE %#x not valid after header", offset)
	}
	fde.instrStart = data.pos
	fde.instrEnd = data.end
	t.fdeCache.Add(offset, fde)
	return fde, nil
}

// buildLinearIndex walks the whole section once and builds the sorted
// address-to-FDE index. Used for .debug_frame, and as the fallback when
// .eh_frame_hdr is absent, empty or malformed.
func (t *Table) buildLinearIndex() error {
	r := t.sec.reader()
	index := make([]fdeIndexEntry, 0, 64)
	for r.hasData() {
		offset := r.sectionOffset()
		data, ciePos, err := r.parseHDR(false)
		switch {
		case err == nil:
			// Parse the CIE-dependent part to learn the PC range.
			cie, cieErr := t.getCIE(ciePos)
			if cieErr != nil {
				return cieErr
			}
			pcStart, perr := data.ptr(cie.fdeEnc)
			if perr != nil {
				return perr
			}
			rangeLen, perr := data.ptr(cie.fdeEnc & (encFormatMask | encSignedMask))
			if perr != nil {
				return perr
			}
			if rangeLen == 0 {
				continue
			}
			index = append(index, fdeIndexEntry{
				pcStart: pcStart,
				pcEnd:   pcStart + rangeLen,
				offset:  offset,
			})
		case errors.Is(err, errUnexpectedType):
			// A CIE; skipped, FDEs referencing it parse it on demand.
		case errors.Is(err, errEmptyEntry):
			// Zero terminator or empty entry.
		default:
			return fmt.Errorf("failed to index FDE %#x: %w", offset, err)
		}
	}

	sortIndex(index)
	// FDE ranges within one section must be disjoint.
	for i := 1; i < len(index); i++ {
		if index[i].pcStart < index[i-1].pcEnd {
			return fmt.Errorf("FDEs %#x and %#x overlap",
				index[i-1].offset, index[i].offset)
		}
	}
	t.index = index
	return nil
}

func sortIndex(index []fdeIndexEntry) {
	sort.Slice(index, func(i, j int) bool {
		return index[i].pcStart < index[j].pcStart
	})
}
