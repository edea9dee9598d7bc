// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unwindkit/unwindkit/internal/testelf"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

const (
	testSectionVaddr = 0x4000
	testHdrVaddr     = 0x3000
	testFuncStart    = 0x1000
	testFuncLen      = 0x100
)

// x86_64 CIE initial instructions: the CFA is rsp+8 and the return address
// was pushed at cfa-8.
var x86_64CIEInstr = []byte{
	0x0c, 0x07, 0x08, // def_cfa rsp 8
	0x80 | 16, 0x01, // offset r16, cfa-8
}

// The test FDE grows the frame twice:
//
//	0x1000  cfa = rsp+8
//	0x1001  cfa = rsp+16, rbp saved at cfa-16
//	0x1005  cfa = rsp+64
var testFDEInstr = []byte{
	0x41,             // advance_loc 1
	0x0e, 0x10,       // def_cfa_offset 16
	0x80 | 6, 0x02,   // offset rbp, cfa-16
	0x44,             // advance_loc 4
	0x0e, 0x40,       // def_cfa_offset 64
}

// buildTestTable assembles a one-FDE eh_frame, optionally with a hdr.
func buildTestTable(t *testing.T, withHdr, zeroCount bool) *Table {
	t.Helper()
	b := testelf.NewEhFrame(testSectionVaddr)
	b.AddCIE(1, -8, 16, x86_64CIEInstr)
	b.AddFDE(testFuncStart, testFuncLen, testFDEInstr)

	content := b.Bytes()
	sec := Section{
		Mem:      memio.NewBuffer(testSectionVaddr, content),
		Offset:   testSectionVaddr,
		Size:     uint64(len(content)),
		Vaddr:    testSectionVaddr,
		Order:    binary.LittleEndian,
		AddrSize: 8,
	}
	var hdrSec *Section
	if withHdr {
		hdr := b.Hdr(testHdrVaddr, zeroCount)
		hdrSec = &Section{
			Mem:      memio.NewBuffer(testHdrVaddr, hdr),
			Offset:   testHdrVaddr,
			Size:     uint64(len(hdr)),
			Vaddr:    testHdrVaddr,
			Order:    binary.LittleEndian,
			AddrSize: 8,
		}
	}
	return NewEhFrame(sec, hdrSec)
}

func TestFDEBoundaries(t *testing.T) {
	for _, withHdr := range []bool{true, false} {
		name := "linear"
		if withHdr {
			name = "hdr"
		}
		t.Run(name, func(t *testing.T) {
			table := buildTestTable(t, withHdr, false)
			// The covered range is half-open: begin inclusive, end
			// exclusive.
			assert.True(t, table.ContainsPC(testFuncStart))
			assert.True(t, table.ContainsPC(testFuncStart+testFuncLen-1))
			assert.False(t, table.ContainsPC(testFuncStart+testFuncLen))
			assert.False(t, table.ContainsPC(testFuncStart-1))
		})
	}
}

func TestZeroFdeCountFallsBackToLinear(t *testing.T) {
	// A header advertising zero FDEs carries no information; the table
	// must degrade to the linear walk and still find the FDE.
	table := buildTestTable(t, true, true)
	require.Nil(t, table.hdr)
	assert.True(t, table.ContainsPC(testFuncStart+4))
}

// stepAt runs the table at pc over a fresh register file and stack image.
func stepAt(t *testing.T, table *Table, pc uint64) (*libpf.Regs, bool, bool) {
	t.Helper()
	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(pc)
	regs.SetSP(0x7fd0)
	regs.Set(libpf.X86_64RegBP, 0x9999)

	// Stack image: the words the FDE rules read.
	stack := make([]byte, 0x80)
	le := binary.LittleEndian
	le.PutUint64(stack[0x00:], 0x5555) // 0x7fd0: row-0 ra / later rbp slot
	le.PutUint64(stack[0x08:], 0x4444) // 0x7fd8: ra at cfa(0x7fe0)-8
	mem := memio.NewBuffer(0x7fd0, stack)

	finished, ok := table.Step(pc, regs, mem)
	return regs, finished, ok
}

func TestStepAppliesLocationTable(t *testing.T) {
	table := buildTestTable(t, true, false)

	// Row at 0x1003: cfa = rsp+16; sp is 0x7fd0, so cfa = 0x7fe0; ra at
	// cfa-8 = 0x7fd8, rbp at cfa-16 = 0x7fd0.
	regs, finished, ok := stepAt(t, table, testFuncStart+3)
	require.True(t, ok, "step failed: %v", table.LastError())
	assert.False(t, finished)
	assert.Equal(t, uint64(0x7fe0), regs.SP())
	assert.Equal(t, uint64(0x4444), regs.PC())
	assert.Equal(t, uint64(0x5555), regs.Get(libpf.X86_64RegBP))

	// Row at 0x1000 (function entry): cfa = rsp+8 = 0x7fd8, ra at
	// cfa-8 = 0x7fd0.
	regs, finished, ok = stepAt(t, table, testFuncStart)
	require.True(t, ok)
	assert.False(t, finished)
	assert.Equal(t, uint64(0x7fd8), regs.SP())
	assert.Equal(t, uint64(0x5555), regs.PC())
}

func TestStepRestoresSavedRegisters(t *testing.T) {
	table := buildTestTable(t, false, false)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(testFuncStart + 3)
	regs.SetSP(0x7fd0)
	regs.Set(libpf.X86_64RegBP, 0x9999)

	// cfa = sp+16 = 0x7fe0; the saved rbp sits at cfa-16 = 0x7fd0 and
	// the return address at cfa-8 = 0x7fd8.
	stack := make([]byte, 0x40)
	le := binary.LittleEndian
	le.PutUint64(stack[0x00:], 0xaaaa)
	le.PutUint64(stack[0x08:], 0x1111)
	mem := memio.NewBuffer(0x7fd0, stack)

	finished, ok := table.Step(testFuncStart+3, regs, mem)
	require.True(t, ok, "step failed: %v", table.LastError())
	require.False(t, finished)
	assert.Equal(t, uint64(0x1111), regs.PC())
	assert.Equal(t, uint64(0x7fe0), regs.SP())
	assert.Equal(t, uint64(0xaaaa), regs.Get(libpf.X86_64RegBP))
}

func TestStepFinishedOnZeroReturnAddress(t *testing.T) {
	table := buildTestTable(t, false, false)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(testFuncStart)
	regs.SetSP(0x7fd0)
	// ra at cfa-8 = 0x7fd0 reads zero
	mem := memio.NewBuffer(0x7fd0, make([]byte, 0x20))

	finished, ok := table.Step(testFuncStart, regs, mem)
	require.True(t, ok)
	assert.True(t, finished)
}

func TestStepFailsOutsideCoverage(t *testing.T) {
	table := buildTestTable(t, false, false)
	regs := libpf.NewRegs(libpf.ArchX86_64)
	_, ok := table.Step(0x9000, regs, memio.NewBuffer(0, nil))
	require.False(t, ok)
	assert.Equal(t, libpf.ErrUnwindInfo, table.LastError().Code)
	assert.Equal(t, uint64(0x9000), table.LastError().Address)
}

func TestRememberRestoreState(t *testing.T) {
	b := testelf.NewEhFrame(testSectionVaddr)
	b.AddCIE(1, -8, 16, x86_64CIEInstr)
	b.AddFDE(testFuncStart, testFuncLen, []byte{
		0x41,       // advance_loc 1
		0x0a,       // remember_state
		0x0e, 0x40, // def_cfa_offset 64
		0x41, // advance_loc 1 -> 0x1002
		0x0b, // restore_state
	})
	content := b.Bytes()
	table := NewEhFrame(Section{
		Mem:      memio.NewBuffer(testSectionVaddr, content),
		Offset:   testSectionVaddr,
		Size:     uint64(len(content)),
		Vaddr:    testSectionVaddr,
		Order:    binary.LittleEndian,
		AddrSize: 8,
	}, nil)

	fde, err := table.parseFDE(firstFDEOffset(t, table), 0)
	require.NoError(t, err)

	// At 0x1001 the current row has cfa = rsp+64; the stashed row keeps
	// the CIE rule.
	row, err := table.buildRow(fde, testFuncStart+1)
	require.NoError(t, err)
	assert.Equal(t, int64(64), row.cfa.off)

	// At 0x1002 restore_state brings back the CIE frame rule.
	row, err = table.buildRow(fde, testFuncStart+2)
	require.NoError(t, err)
	assert.Equal(t, int64(8), row.cfa.off)
}

// firstFDEOffset returns the section offset of the first FDE via the linear
// index.
func firstFDEOffset(t *testing.T, table *Table) uint64 {
	t.Helper()
	table.mu.Lock()
	defer table.mu.Unlock()
	if !table.indexBuilt {
		require.NoError(t, table.buildLinearIndex())
		table.indexBuilt = true
	}
	require.NotEmpty(t, table.index)
	return table.index[0].offset
}

func TestDebugFrameConventions(t *testing.T) {
	b := testelf.NewEhFrame(testSectionVaddr)
	b.DebugFrame = true
	b.AddCIE(1, -8, 16, x86_64CIEInstr)
	b.AddFDE(testFuncStart, testFuncLen, testFDEInstr)

	content := b.Bytes()
	table := NewDebugFrame(Section{
		Mem:      memio.NewBuffer(testSectionVaddr, content),
		Offset:   testSectionVaddr,
		Size:     uint64(len(content)),
		Vaddr:    testSectionVaddr,
		Order:    binary.LittleEndian,
		AddrSize: 8,
	})

	assert.True(t, table.ContainsPC(testFuncStart))
	assert.True(t, table.ContainsPC(testFuncStart+testFuncLen-1))
	assert.False(t, table.ContainsPC(testFuncStart+testFuncLen))

	regs, finished, ok := stepAt(t, table, testFuncStart+3)
	require.True(t, ok, "step failed: %v", table.LastError())
	assert.False(t, finished)
	assert.Equal(t, uint64(0x7fe0), regs.SP())
	assert.Equal(t, uint64(0x4444), regs.PC())
}
