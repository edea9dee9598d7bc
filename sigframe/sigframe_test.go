// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package sigframe

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unwindkit/unwindkit/elfx"
	"github.com/unwindkit/unwindkit/internal/testelf"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

const trampolineVaddr = 0x5000

func imageWithCode(t *testing.T, machine elf.Machine, code []byte) *elfx.Image {
	t.Helper()
	b := testelf.New(machine)
	b.AddSection(".text", trampolineVaddr, code)
	im, err := elfx.NewImage(memio.NewBuffer(0, b.Build()))
	require.NoError(t, err)
	return im
}

func TestForArch(t *testing.T) {
	assert.NotNil(t, ForArch(libpf.ArchARM))
	assert.NotNil(t, ForArch(libpf.ArchARM64))
	assert.NotNil(t, ForArch(libpf.ArchX86))
	assert.NotNil(t, ForArch(libpf.ArchX86_64))
	assert.NotNil(t, ForArch(libpf.ArchRiscv64))
	assert.Nil(t, ForArch(libpf.ArchUnknown))
}

func TestX86_64SignalFrame(t *testing.T) {
	im := imageWithCode(t, elf.EM_X86_64, x86_64Sigreturn)
	detector := ForArch(libpf.ArchX86_64)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(trampolineVaddr)
	regs.SetSP(0x6000)

	// sigcontext slot i carries 0x100+i
	context := make([]byte, 17*8)
	for i := range 17 {
		binary.LittleEndian.PutUint64(context[i*8:], uint64(0x100+i))
	}
	mem := memio.NewParts()
	mem.Add(0x6000+x86_64SigcontextRegs, context)

	require.True(t, detector.Step(im, trampolineVaddr, regs, mem))

	// slots are r8..r15, rdi, rsi, rbp, rbx, rdx, rax, rcx, rsp, rip
	assert.Equal(t, uint64(0x100), regs.Get(8))  // r8
	assert.Equal(t, uint64(0x107), regs.Get(15)) // r15
	assert.Equal(t, uint64(0x108), regs.Get(5))  // rdi
	assert.Equal(t, uint64(0x109), regs.Get(4))  // rsi
	assert.Equal(t, uint64(0x10a), regs.Get(6))  // rbp
	assert.Equal(t, uint64(0x10b), regs.Get(3))  // rbx
	assert.Equal(t, uint64(0x10c), regs.Get(1))  // rdx
	assert.Equal(t, uint64(0x10d), regs.Get(0))  // rax
	assert.Equal(t, uint64(0x10e), regs.Get(2))  // rcx
	assert.Equal(t, uint64(0x10f), regs.SP())    // rsp
	assert.Equal(t, uint64(0x110), regs.PC())    // rip
}

func TestArm64SignalFrame(t *testing.T) {
	im := imageWithCode(t, elf.EM_AARCH64, arm64Sigreturn)
	detector := ForArch(libpf.ArchARM64)

	regs := libpf.NewRegs(libpf.ArchARM64)
	regs.SetPC(trampolineVaddr)
	regs.SetSP(0x6000)

	context := make([]byte, 34*8)
	for i := range 34 {
		binary.LittleEndian.PutUint64(context[i*8:], uint64(0x200+i))
	}
	mem := memio.NewParts()
	mem.Add(0x6000+arm64SigcontextRegs, context)

	require.True(t, detector.Step(im, trampolineVaddr, regs, mem))
	assert.Equal(t, uint64(0x200), regs.Get(0))
	assert.Equal(t, uint64(0x200+31), regs.SP())
	assert.Equal(t, uint64(0x200+32), regs.PC())
}

func TestNoMatchLeavesRegistersAlone(t *testing.T) {
	im := imageWithCode(t, elf.EM_X86_64, []byte{0x90, 0x90, 0x90, 0x90,
		0x90, 0x90, 0x90, 0x90, 0x90})
	detector := ForArch(libpf.ArchX86_64)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(trampolineVaddr)
	regs.SetSP(0x6000)

	require.False(t, detector.Step(im, trampolineVaddr, regs,
		memio.NewParts()))
	assert.Equal(t, uint64(trampolineVaddr), regs.PC())
	assert.Equal(t, uint64(0x6000), regs.SP())
}

func TestUnreadableContextFails(t *testing.T) {
	im := imageWithCode(t, elf.EM_X86_64, x86_64Sigreturn)
	detector := ForArch(libpf.ArchX86_64)

	regs := libpf.NewRegs(libpf.ArchX86_64)
	regs.SetPC(trampolineVaddr)
	regs.SetSP(0x6000)

	assert.False(t, detector.Step(im, trampolineVaddr, regs, memio.NewParts()))
}
