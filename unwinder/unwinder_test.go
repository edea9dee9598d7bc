// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unwindkit/unwindkit/dexfile"
	"github.com/unwindkit/unwindkit/internal/testelf"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
	"github.com/unwindkit/unwindkit/procmap"
)

const (
	appBase  = 0x400000
	stackTop = 0x7000

	frame0PC = appBase + 0x1005
	frame1PC = appBase + 0x2005
	frame2PC = appBase + 0x3005
)

// buildAppImage assembles an executable image with an eh_frame covering
// three functions and symbols for them.
func buildAppImage(t *testing.T) []byte {
	t.Helper()
	eh := testelf.NewEhFrame(0x8000)
	eh.AddCIE(1, -8, 16, []byte{
		0x0c, 0x07, 0x08, // def_cfa rsp 8
		0x80 | 16, 0x01, // ra at cfa-8
	})
	// leafFunc grows its frame to 16 bytes after one instruction.
	eh.AddFDE(0x1000, 0x100, []byte{0x41, 0x0e, 0x10})
	eh.AddFDE(0x2000, 0x100, nil)
	eh.AddFDE(0x3000, 0x100, nil)

	b := testelf.New(elf.EM_X86_64)
	b.AddSection(".eh_frame", 0x8000, eh.Bytes())
	b.AddFuncSymbol("leaf_func", 0x1000, 0x100)
	b.AddFuncSymbol("mid_func", 0x2000, 0x100)
	b.AddFuncSymbol("outer_func", 0x3000, 0x100)
	return b.Build()
}

// testProcess builds the mappings, the process memory and the register
// snapshot of the synthetic thread.
func testProcess(t *testing.T) (*procmap.Maps, memio.Memory, *libpf.Regs) {
	t.Helper()
	image := buildAppImage(t)

	maps := procmap.New()
	maps.Add(appBase, appBase+0x10000, 0, procmap.FlagRead|procmap.FlagExec,
		"/bin/app")
	maps.Finalize()

	stack := make([]byte, 0x100)
	le := binary.LittleEndian
	le.PutUint64(stack[0x08:], frame1PC) // ra of frame 0 at 0x7008
	le.PutUint64(stack[0x10:], frame2PC) // ra of frame 1 at 0x7010
	// 0x7018 stays zero: outer_func has no caller

	mem := memio.NewParts()
	mem.Add(appBase, image)
	mem.Add(stackTop, stack)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(frame0PC)
	regs.SetSP(stackTop)
	return maps, mem, regs
}

func TestUnwindThreeFrames(t *testing.T) {
	maps, mem, regs := testProcess(t)
	uw := New(Config{MaxFrames: 64, ResolveNames: true}, regs, maps, mem)

	frames := uw.Unwind()
	require.Len(t, frames, 3)
	assert.Equal(t, libpf.ErrNone, uw.LastError().Code)

	assert.Equal(t, uint64(frame0PC), frames[0].PC)
	assert.Equal(t, uint64(stackTop), frames[0].SP)
	assert.Equal(t, uint64(0x1005), frames[0].RelPC)
	assert.Equal(t, "leaf_func", frames[0].FuncName.String())
	assert.Equal(t, uint64(5), frames[0].FuncOffset)

	assert.Equal(t, uint64(frame1PC), frames[1].PC)
	assert.Equal(t, uint64(stackTop+0x10), frames[1].SP)
	assert.Equal(t, uint64(0x2004), frames[1].RelPC)
	assert.Equal(t, "mid_func", frames[1].FuncName.String())

	assert.Equal(t, uint64(frame2PC), frames[2].PC)
	assert.Equal(t, uint64(stackTop+0x18), frames[2].SP)
	assert.Equal(t, "outer_func", frames[2].FuncName.String())

	// Stack grows downward: SPs never decrease.
	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].SP, frames[i-1].SP)
	}
}

func TestUnwindIsDeterministic(t *testing.T) {
	maps, mem, regs := testProcess(t)
	uw := New(Config{MaxFrames: 64}, regs, maps, mem)

	first := append([]Frame{}, uw.Unwind()...)
	second := uw.Unwind()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].PC, second[i].PC)
		assert.Equal(t, first[i].SP, second[i].SP)
	}

	// The caller's register snapshot is untouched.
	assert.Equal(t, uint64(frame0PC), regs.PC())
}

func TestUnwindMaxFrames(t *testing.T) {
	maps, mem, regs := testProcess(t)
	uw := New(Config{MaxFrames: 2}, regs, maps, mem)

	frames := uw.Unwind()
	assert.Len(t, frames, 2)
	assert.Equal(t, libpf.ErrMaxFrames, uw.LastError().Code)
}

func TestUnwindInvalidMap(t *testing.T) {
	maps, mem, _ := testProcess(t)
	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(0x999999)
	regs.SetSP(stackTop)

	uw := New(Config{MaxFrames: 64}, regs, maps, mem)
	frames := uw.Unwind()
	require.Len(t, frames, 1)
	assert.Equal(t, libpf.ErrMapInvalid, uw.LastError().Code)
	assert.Equal(t, uint64(0x999999), uw.LastError().Address)
}

func TestUnwindHiddenMaps(t *testing.T) {
	maps, mem, regs := testProcess(t)
	uw := New(Config{MaxFrames: 64, HideMaps: []string{"app"}}, regs, maps, mem)

	// Every frame of the only mapping is hidden, but the walk itself
	// still runs to completion.
	assert.Empty(t, uw.Unwind())
	assert.Equal(t, libpf.ErrNone, uw.LastError().Code)
}

func TestFormatFrame(t *testing.T) {
	maps, mem, regs := testProcess(t)
	uw := New(Config{MaxFrames: 64, ResolveNames: true}, regs, maps, mem)
	frames := uw.Unwind()
	require.NotEmpty(t, frames)

	assert.Equal(t, "  #00 pc 0000000000001005  app (leaf_func+5)",
		uw.FormatFrame(&frames[0]))

	lines := uw.FormatFrames()
	require.Len(t, lines, len(frames))
	assert.Contains(t, lines[2], "outer_func")
}

func TestUnwindStoppedStack(t *testing.T) {
	// A stack whose return addresses point back at the same pc triggers
	// the repeated-frame guard.
	image := buildAppImage(t)
	maps := procmap.New()
	maps.Add(appBase, appBase+0x10000, 0, procmap.FlagRead|procmap.FlagExec,
		"/bin/app")
	maps.Finalize()

	stack := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(stack[0x08:], frame0PC) // ra == own pc

	mem := memio.NewParts()
	mem.Add(appBase, image)
	mem.Add(stackTop, stack)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(frame0PC)
	regs.SetSP(stackTop)

	uw := New(Config{MaxFrames: 64}, regs, maps, mem)
	frames := uw.Unwind()
	assert.Len(t, frames, 1)
}

func TestResolveDexMapFrame(t *testing.T) {
	dexData, codeStart := testelf.BuildDex()

	maps := procmap.New()
	maps.Add(0x600000, 0x700000, 0, procmap.FlagRead|procmap.FlagExec,
		"/data/app/classes.dex")
	maps.Finalize()

	mem := memio.NewParts()
	mem.Add(0x600000, dexData)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(0x600000 + codeStart + 2)
	regs.SetSP(stackTop)

	uw := New(Config{MaxFrames: 8, ResolveNames: true}, regs, maps, mem)
	uw.SetDexCache(dexfile.NewCache())

	frames := uw.Unwind()
	require.Len(t, frames, 1)
	assert.Equal(t, "com.example.Foo.bar", frames[0].FuncName.String())
	assert.Equal(t, uint64(2), frames[0].FuncOffset)
}
