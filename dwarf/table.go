// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/elastic/go-freelru"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

// locKind classifies where a register's caller value lives.
type locKind uint8

const (
	locUndefined locKind = iota
	locSame
	locRegister
	locOffset
	locValOffset
	locExpression
	locValExpression
	locPseudo
)

// regLoc is one register-location rule of the location table.
type regLoc struct {
	kind locKind
	reg  uint64
	off  int64

	// expression byte range, as absolute positions in the section memory
	exprStart, exprEnd uint64
}

// rowState is one row of the location table: the CFA rule plus the rules of
// every register mentioned so far, and the return-address column of the
// governing CIE.
type rowState struct {
	cfa  regLoc
	regs map[uint64]regLoc
	ra   uint64
}

func newRowState() rowState {
	return rowState{
		cfa:  regLoc{kind: locUndefined},
		regs: make(map[uint64]regLoc),
	}
}

func (rs rowState) clone() rowState {
	dup := rowState{cfa: rs.cfa, ra: rs.ra,
		regs: make(map[uint64]regLoc, len(rs.regs))}
	for reg, loc := range rs.regs {
		dup.regs[reg] = loc
	}
	return dup
}

// rememberStackLimit bounds DW_CFA_remember_state nesting.
const rememberStackLimit = 64

// state is the virtual machine executing call frame instructions.
type state struct {
	cie *cieInfo
	sec *Section

	// loc is the code location the current row starts at
	loc uint64
	cur rowState

	// stack holds the rows stashed by remember_state
	stack []rowState
}

func (st *state) advance(delta uint64) {
	st.loc += delta * st.cie.codeAlign
}

func (st *state) rule(reg uint64, loc regLoc) {
	st.cur.regs[reg] = loc
}

// restore reverts a register to its state after the CIE initial
// instructions.
func (st *state) restore(reg uint64) {
	if loc, ok := st.cie.initialState.regs[reg]; ok {
		st.cur.regs[reg] = loc
	} else {
		delete(st.cur.regs, reg)
	}
}

// step executes a single call frame instruction.
//
//nolint:gocyclo
func (st *state) step(r *reader) error {
	opcode := cfaOpcode(r.u8())
	operand := uint8(0)

	// If the high opcode bits are set, the upper bits are the opcode and
	// the lower bits its operand.
	if opcode&cfaHighOpcodeMask != 0 {
		operand = uint8(opcode & cfaHighOpcodeValueMask)
		opcode &= cfaHighOpcodeMask
	}

	switch opcode {
	case cfaNop:
		// Nothing to do!
	case cfaSetLoc:
		loc, err := r.ptr(st.cie.fdeEnc)
		if err != nil {
			return err
		}
		st.loc = loc
	case cfaAdvanceLoc1:
		st.advance(uint64(r.u8()))
	case cfaAdvanceLoc2:
		st.advance(uint64(r.u16()))
	case cfaAdvanceLoc4:
		st.advance(uint64(r.u32()))
	case cfaOffsetExtended:
		reg := r.uleb()
		st.rule(reg, regLoc{kind: locOffset,
			off: int64(r.uleb()) * st.cie.dataAlign})
	case cfaRestoreExtended:
		st.restore(r.uleb())
	case cfaUndefined:
		st.rule(r.uleb(), regLoc{kind: locUndefined})
	case cfaSameValue:
		st.rule(r.uleb(), regLoc{kind: locSame})
	case cfaRegister:
		reg := r.uleb()
		st.rule(reg, regLoc{kind: locRegister, reg: r.uleb()})
	case cfaRememberState:
		if len(st.stack) >= rememberStackLimit {
			return fmt.Errorf("dwarf state stack overflow at %#x", st.loc)
		}
		st.stack = append(st.stack, st.cur.clone())
	case cfaRestoreState:
		if len(st.stack) == 0 {
			return fmt.Errorf("dwarf state stack underflow at %#x", st.loc)
		}
		st.cur = st.stack[len(st.stack)-1]
		st.stack = st.stack[:len(st.stack)-1]
	case cfaDefCfa:
		reg := r.uleb()
		st.cur.cfa = regLoc{kind: locRegister, reg: reg, off: int64(r.uleb())}
	case cfaDefCfaRegister:
		st.cur.cfa.reg = r.uleb()
		st.cur.cfa.kind = locRegister
	case cfaDefCfaOffset:
		st.cur.cfa.off = int64(r.uleb())
	case cfaDefCfaExpression:
		blen := r.uleb()
		expr := r.bytes(blen)
		st.cur.cfa = regLoc{kind: locExpression,
			exprStart: expr.pos, exprEnd: expr.end}
	case cfaExpression:
		reg := r.uleb()
		blen := r.uleb()
		expr := r.bytes(blen)
		st.rule(reg, regLoc{kind: locExpression,
			exprStart: expr.pos, exprEnd: expr.end})
	case cfaOffsetExtendedSf:
		reg := r.uleb()
		st.rule(reg, regLoc{kind: locOffset, off: r.sleb() * st.cie.dataAlign})
	case cfaDefCfaSf:
		reg := r.uleb()
		st.cur.cfa = regLoc{kind: locRegister, reg: reg,
			off: r.sleb() * st.cie.dataAlign}
	case cfaDefCfaOffsetSf:
		st.cur.cfa.off = r.sleb() * st.cie.dataAlign
	case cfaValOffset:
		reg := r.uleb()
		st.rule(reg, regLoc{kind: locValOffset,
			off: int64(r.uleb()) * st.cie.dataAlign})
	case cfaValOffsetSf:
		reg := r.uleb()
		st.rule(reg, regLoc{kind: locValOffset, off: r.sleb() * st.cie.dataAlign})
	case cfaValExpression:
		reg := r.uleb()
		blen := r.uleb()
		expr := r.bytes(blen)
		st.rule(reg, regLoc{kind: locValExpression,
			exprStart: expr.pos, exprEnd: expr.end})
	case cfaGNUWindowSave:
		// SPARC only; no handling needed on supported machines.
	case cfaGNUArgsSize:
		// Callee-removed argument size does not affect the table.
		r.uleb()
	case cfaGNUNegOffsetExtended:
		reg := r.uleb()
		st.rule(reg, regLoc{kind: locOffset,
			off: -(int64(r.uleb()) * st.cie.dataAlign)})
	case cfaAdvanceLoc:
		st.advance(uint64(operand))
	case cfaOffset:
		st.rule(uint64(operand), regLoc{kind: locOffset,
			off: int64(r.uleb()) * st.cie.dataAlign})
	case cfaRestore:
		st.restore(uint64(operand))
	default:
		return fmt.Errorf("DWARF opcode %#02x not implemented", uint8(opcode))
	}
	return nil
}

// ehFrameHdrIndex is the parsed binary-search table of .eh_frame_hdr.
type ehFrameHdrIndex struct {
	sec        *Section
	tableEnc   encoding
	entrySize  uint64
	tableStart uint64
	fdeCount   uint64
}

// Table holds the per-section CIE/FDE caches and the address-to-FDE index
// of one CFI section, and steps register files across frames with it.
type Table struct {
	mu  sync.Mutex
	sec Section

	hdr *ehFrameHdrIndex

	cieCache *lru.LRU[uint64, *cieInfo]
	fdeCache *lru.LRU[uint64, *fdeInfo]

	// index is the lazily built sorted FDE index when no binary-search
	// header is usable.
	index      []fdeIndexEntry
	indexBuilt bool
	indexErr   error

	lastErr libpf.Error
}

func newTable(sec Section) *Table {
	cieCache, err := lru.New[uint64, *cieInfo](cieCacheSize, hashUint64)
	if err != nil {
		panic(err)
	}
	fdeCache, err := lru.New[uint64, *fdeInfo](fdeCacheSize, hashUint64)
	if err != nil {
		panic(err)
	}
	return &Table{sec: sec, cieCache: cieCache, fdeCache: fdeCache}
}

// NewDebugFrame creates a Table over a .debug_frame section. The section is
// always linearly indexed.
func NewDebugFrame(sec Section) *Table {
	sec.DebugFrame = true
	return newTable(sec)
}

// NewEhFrame creates a Table over an .eh_frame section, using the binary
// search table of hdr when it is present and well-formed. A header that is
// empty or malformed degrades to the same lazy linear walk used when it is
// absent.
func NewEhFrame(sec Section, hdr *Section) *Table {
	sec.DebugFrame = false
	t := newTable(sec)
	if hdr != nil {
		t.hdr = parseEhFrameHdr(hdr)
	}
	return t
}

// EhFramePointer parses the initial fields of an .eh_frame_hdr section and
// returns the virtual address of the .eh_frame data it points at.
func EhFramePointer(sec *Section) (uint64, bool) {
	r := sec.reader()
	version := r.u8()
	enc := encoding(r.u8())
	r.u8() // fde count encoding
	r.u8() // table encoding
	if r.failed || version != 1 {
		return 0, false
	}
	val, err := r.ptr(enc)
	if err != nil || r.failed {
		return 0, false
	}
	return val, true
}

// parseEhFrameHdr validates the header and locates its search table.
// Returns nil if the header cannot be used for binary search.
func parseEhFrameHdr(sec *Section) *ehFrameHdrIndex {
	r := sec.reader()
	version := r.u8()
	ehFramePtrEnc := encoding(r.u8())
	fdeCountEnc := encoding(r.u8())
	tableEnc := encoding(r.u8())
	if r.failed || version != 1 {
		return nil
	}
	if _, err := r.ptr(ehFramePtrEnc); err != nil {
		return nil
	}
	fdeCount, err := r.ptr(fdeCountEnc)
	if err != nil || fdeCount == 0 {
		// An advertised zero FDE count means the table carries no
		// information; fall back to the linear walk.
		return nil
	}

	var entrySize uint64
	switch tableEnc & encFormatMask {
	case encFormatData2:
		entrySize = 2
	case encFormatData4:
		entrySize = 4
	case encFormatData8:
		entrySize = 8
	case encFormatNative:
		entrySize = uint64(sec.AddrSize)
	default:
		// Variable-width table entries cannot be binary searched.
		return nil
	}

	tableStart := r.pos
	if tableStart+fdeCount*2*entrySize > sec.Offset+sec.Size {
		return nil
	}
	return &ehFrameHdrIndex{
		sec:        sec,
		tableEnc:   tableEnc,
		entrySize:  entrySize,
		tableStart: tableStart,
		fdeCount:   fdeCount,
	}
}

// entry reads search table entry i, returning the function start address
// and the FDE virtual address.
func (hi *ehFrameHdrIndex) entry(i uint64) (ipStart, fdeAddr uint64, err error) {
	rd := reader{sec: hi.sec, pos: hi.tableStart + i*2*hi.entrySize,
		end: hi.sec.Offset + hi.sec.Size}
	ipStart, err = rd.ptr(hi.tableEnc)
	if err != nil {
		return 0, 0, err
	}
	fdeAddr, err = rd.ptr(hi.tableEnc)
	if err != nil {
		return 0, 0, err
	}
	if !rd.isValid() {
		return 0, 0, fmt.Errorf("eh_frame_hdr entry %d unreadable", i)
	}
	return ipStart, fdeAddr, nil
}

// lookup binary searches for the entry with the greatest function start
// not above pc.
func (hi *ehFrameHdrIndex) lookup(pc uint64) (fdeAddr uint64, found bool) {
	var readErr error
	// idx is the first entry with ipStart > pc.
	idx := sort.Search(int(hi.fdeCount), func(i int) bool {
		ipStart, _, err := hi.entry(uint64(i))
		if err != nil {
			readErr = err
			return true
		}
		return ipStart > pc
	})
	if readErr != nil || idx == 0 {
		return 0, false
	}
	_, fdeAddr, err := hi.entry(uint64(idx - 1))
	if err != nil {
		return 0, false
	}
	return fdeAddr, true
}

func (t *Table) setError(code libpf.ErrorCode, addr uint64) {
	t.lastErr = libpf.Error{Code: code, Address: addr}
}

// LastError returns the most recent failure recorded by the engine.
func (t *Table) LastError() libpf.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// findFDE locates the FDE covering pc. The FDE start is inclusive, the end
// exclusive. Caller holds t.mu.
func (t *Table) findFDE(pc uint64) (*fdeInfo, error) {
	if t.hdr != nil {
		fdeAddr, found := t.hdr.lookup(pc)
		if !found {
			return nil, fmt.Errorf("no FDE entry covers pc %#x", pc)
		}
		if fdeAddr < t.sec.Vaddr {
			return nil, fmt.Errorf("FDE address %#x before section", fdeAddr)
		}
		fde, err := t.parseFDE(fdeAddr-t.sec.Vaddr, 0)
		if err != nil {
			return nil, err
		}
		if pc < fde.pcStart || pc >= fde.pcEnd {
			return nil, fmt.Errorf("FDE %#x does not cover pc %#x", fde.offset, pc)
		}
		return fde, nil
	}

	if !t.indexBuilt {
		t.indexErr = t.buildLinearIndex()
		t.indexBuilt = true
	}
	if t.indexErr != nil {
		return nil, t.indexErr
	}
	idx := sort.Search(len(t.index), func(i int) bool {
		return t.index[i].pcStart > pc
	})
	if idx == 0 {
		return nil, fmt.Errorf("no FDE covers pc %#x", pc)
	}
	entry := t.index[idx-1]
	if pc >= entry.pcEnd {
		return nil, fmt.Errorf("no FDE covers pc %#x", pc)
	}
	return t.parseFDE(entry.offset, 0)
}

// ContainsPC reports whether the section has an FDE covering pc.
func (t *Table) ContainsPC(pc uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fde, err := t.findFDE(pc)
	return err == nil && fde != nil
}

// buildRow produces the location-table row in effect at pc: the CIE initial
// state advanced by the FDE instructions of every row up to and including
// the one containing pc. Caller holds t.mu.
func (t *Table) buildRow(fde *fdeInfo, pc uint64) (rowState, error) {
	st := state{
		cie: fde.cie,
		sec: &t.sec,
		loc: fde.pcStart,
		cur: fde.cie.initialState.clone(),
	}
	st.cur.ra = fde.cie.regRA
	r := t.sec.reader()
	r.pos = fde.instrStart
	r.end = fde.instrEnd
	for r.hasData() && st.loc <= pc {
		if err := st.step(&r); err != nil {
			return rowState{}, err
		}
	}
	if !r.isValid() {
		return rowState{}, fmt.Errorf("FDE %#x instructions unreadable", fde.offset)
	}
	return st.cur, nil
}

// IsSignalFrame reports whether the FDE covering pc is flagged as a signal
// handler frame via the CIE 'S' augmentation.
func (t *Table) IsSignalFrame(pc uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fde, err := t.findFDE(pc)
	return err == nil && fde.cie.isSignalHandler
}

// Step computes the caller's registers for the frame whose (adjusted,
// link-address-space) pc is given, reading stack and heap words through
// mem, and updates regs in place. finished reports natural termination of
// the call stack; ok is false when the step failed and LastError is set.
func (t *Table) Step(pc uint64, regs *libpf.Regs, mem memio.Memory) (finished, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fde, err := t.findFDE(pc)
	if err != nil {
		t.setError(libpf.ErrUnwindInfo, pc)
		return false, false
	}
	row, err := t.buildRow(fde, pc)
	if err != nil {
		t.setError(libpf.ErrUnwindInfo, pc)
		return false, false
	}
	return t.apply(&row, regs, mem, pc)
}

// apply executes the location table row: computes the CFA, derives every
// register's caller value from the pre-step register file, and assigns the
// CFA to SP and the return address to PC.
func (t *Table) apply(row *rowState, regs *libpf.Regs, mem memio.Memory,
	pc uint64) (finished, ok bool) {
	var cfa uint64
	switch row.cfa.kind {
	case locRegister:
		cfa = regs.Get(int(row.cfa.reg)) + uint64(row.cfa.off)
	case locExpression:
		r := t.sec.reader()
		r.pos = row.cfa.exprStart
		r.end = row.cfa.exprEnd
		val, isReg, evalErr := evalExpression(r, regs, mem, nil)
		if evalErr.Code != libpf.ErrNone {
			t.lastErr = evalErr
			return false, false
		}
		if isReg {
			val = regs.Get(int(val))
		}
		cfa = val
	default:
		t.setError(libpf.ErrUnwindInfo, pc)
		return false, false
	}

	old := regs.Clone()
	raUndefined := false
	for reg, loc := range row.regs {
		var val uint64
		switch loc.kind {
		case locUndefined:
			if reg == row.ra {
				raUndefined = true
			}
			continue
		case locSame:
			continue
		case locRegister:
			val = old.Get(int(loc.reg)) + uint64(loc.off)
		case locOffset:
			addr := cfa + uint64(loc.off)
			v, okRead := memio.ReadPointer(mem, addr, t.sec.AddrSize, t.sec.Order)
			if !okRead {
				t.setError(libpf.ErrMemoryInvalid, addr)
				return false, false
			}
			val = v
		case locValOffset:
			val = cfa + uint64(loc.off)
		case locExpression, locValExpression:
			r := t.sec.reader()
			r.pos = loc.exprStart
			r.end = loc.exprEnd
			res, isReg, evalErr := evalExpression(r, old, mem, []uint64{cfa})
			if evalErr.Code != libpf.ErrNone {
				t.lastErr = evalErr
				return false, false
			}
			if isReg {
				res = old.Get(int(res))
			} else if loc.kind == locExpression {
				v, okRead := memio.ReadPointer(mem, res, t.sec.AddrSize, t.sec.Order)
				if !okRead {
					t.setError(libpf.ErrMemoryInvalid, res)
					return false, false
				}
				res = v
			}
			val = res
		case locPseudo:
			val = cfa
		default:
			t.setError(libpf.ErrUnsupported, pc)
			return false, false
		}
		regs.Set(int(reg), val)
	}

	// The CFA identifies the caller's frame; it becomes the new SP.
	regs.SetSP(cfa)

	if raUndefined {
		// The return address column is explicitly dead: outermost frame.
		return true, true
	}
	newPC := regs.Get(int(row.ra))
	regs.SetPC(newPC)

	// A zero return address or a PC that did not move means the walk
	// cannot progress.
	if newPC == 0 || regs.PC() == old.PC() {
		return true, true
	}
	return false, true
}
