// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package sigframe recognizes kernel signal-return trampolines and restores
// register files from the signal context pushed on the stack. Each
// architecture plugs in its own trampoline byte pattern and sigcontext
// layout; the unwinder treats the package as an opaque per-architecture
// detector.
package sigframe

import (
	"encoding/binary"

	"github.com/unwindkit/unwindkit/elfx"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

// Detector restores caller registers from a signal frame. Step inspects the
// code bytes at the link-address-space pc inside im; on a trampoline match
// it reloads regs from the sigcontext found through procMem and returns
// true.
type Detector interface {
	Step(im *elfx.Image, pc uint64, regs *libpf.Regs, procMem memio.Memory) bool
}

// ForArch returns the detector for the architecture, or nil when none is
// registered.
func ForArch(arch libpf.Arch) Detector {
	switch arch {
	case libpf.ArchARM:
		return armDetector{}
	case libpf.ArchARM64:
		return arm64Detector{}
	case libpf.ArchX86:
		return x86Detector{}
	case libpf.ArchX86_64:
		return x86_64Detector{}
	case libpf.ArchRiscv64:
		return riscv64Detector{}
	default:
		return nil
	}
}

// codeMatches reads len(pattern) instruction bytes at the link address pc
// from the image and compares them.
func codeMatches(im *elfx.Image, pc uint64, pattern []byte) bool {
	offset, ok := im.VaddrToOffset(pc)
	if !ok {
		return false
	}
	buf := make([]byte, len(pattern))
	if !memio.ReadFully(im.Memory(), offset, buf) {
		return false
	}
	for i := range buf {
		if buf[i] != pattern[i] {
			return false
		}
	}
	return true
}

// loadContext64 reads len(targets) consecutive 64-bit registers at addr into
// the given register indexes (one target index per slot, negative skips).
func loadContext64(mem memio.Memory, addr uint64, regs *libpf.Regs, targets []int) bool {
	buf := make([]byte, 8*len(targets))
	if !memio.ReadFully(mem, addr, buf) {
		return false
	}
	for i, target := range targets {
		if target < 0 {
			continue
		}
		regs.Set(target, binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return true
}

func loadContext32(mem memio.Memory, addr uint64, regs *libpf.Regs, targets []int) bool {
	buf := make([]byte, 4*len(targets))
	if !memio.ReadFully(mem, addr, buf) {
		return false
	}
	for i, target := range targets {
		if target < 0 {
			continue
		}
		regs.Set(target, uint64(binary.LittleEndian.Uint32(buf[i*4:])))
	}
	return true
}

func identity(n int) []int {
	targets := make([]int, n)
	for i := range targets {
		targets[i] = i
	}
	return targets
}

// arm64Detector matches the vdso/libc sigreturn stub:
//
//	movz x8, #0x8b
//	svc  #0x0
type arm64Detector struct{}

var arm64Sigreturn = []byte{0x68, 0x11, 0x80, 0xd2, 0x01, 0x00, 0x00, 0xd4}

// The arm64 rt_sigframe carries siginfo (128 bytes) followed by the
// ucontext whose mcontext sits at offset 176; the saved registers start 8
// bytes in, after the fault address.
const arm64SigcontextRegs = 128 + 176 + 8

func (arm64Detector) Step(im *elfx.Image, pc uint64, regs *libpf.Regs,
	procMem memio.Memory) bool {
	if !codeMatches(im, pc, arm64Sigreturn) {
		return false
	}
	return loadContext64(procMem, regs.SP()+arm64SigcontextRegs, regs,
		identity(34))
}

// riscv64Detector matches the rt_sigreturn stub:
//
//	li a7, 139
//	ecall
type riscv64Detector struct{}

var riscv64Sigreturn = []byte{0x93, 0x08, 0xb0, 0x08, 0x73, 0x00, 0x00, 0x00}

// siginfo (128 bytes), then the ucontext's mcontext at offset 176. The
// sc_regs block starts with pc, matching the register file layout.
const riscv64SigcontextRegs = 0x80 + 0xb0

func (riscv64Detector) Step(im *elfx.Image, pc uint64, regs *libpf.Regs,
	procMem memio.Memory) bool {
	if !codeMatches(im, pc, riscv64Sigreturn) {
		return false
	}
	return loadContext64(procMem, regs.SP()+riscv64SigcontextRegs, regs,
		identity(32))
}

// x86_64Detector matches __restore_rt:
//
//	mov $0xf, %rax
//	syscall
type x86_64Detector struct{}

var x86_64Sigreturn = []byte{0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00, 0x0f, 0x05}

// RSP points at the ucontext of the rt_sigframe; the mcontext gregs start
// at offset 40.
const x86_64SigcontextRegs = 0x28

// The sigcontext register order is r8..r15, rdi, rsi, rbp, rbx, rdx, rax,
// rcx, rsp, rip; targets map each slot to the DWARF numbering.
var x86_64ContextTargets = []int{
	8, 9, 10, 11, 12, 13, 14, 15,
	5, 4, 6, 3, 1, 0, 2, 7, 16,
}

func (x86_64Detector) Step(im *elfx.Image, pc uint64, regs *libpf.Regs,
	procMem memio.Memory) bool {
	if !codeMatches(im, pc, x86_64Sigreturn) {
		return false
	}
	return loadContext64(procMem, regs.SP()+x86_64SigcontextRegs, regs,
		x86_64ContextTargets)
}

// x86Detector matches both the legacy and rt trampolines:
//
//	pop %eax; mov $0x77, %eax; int $0x80   (sigreturn)
//	mov $0xad, %eax; int $0x80             (rt_sigreturn)
type x86Detector struct{}

var (
	x86Sigreturn   = []byte{0x58, 0xb8, 0x77, 0x00, 0x00, 0x00, 0xcd, 0x80}
	x86RtSigreturn = []byte{0xb8, 0xad, 0x00, 0x00, 0x00, 0xcd, 0x80}
)

// sigcontext register slots edi, esi, ebp, esp, ebx, edx, ecx, eax mapped
// to DWARF numbering, followed by trapno, err, eip.
var x86ContextTargets = []int{
	7, 6, 5, 4, 3, 2, 1, 0,
	-1, -1, 8,
}

// The legacy sigframe puts the sigcontext right after the signum slot the
// trampoline is about to pop; the segment registers occupy its first 16
// bytes.
const x86SigcontextRegs = 4 + 16

// In the rt frame, the ucontext pointer sits at esp+8 and the mcontext at
// offset 20 of the ucontext.
const (
	x86UcontextPtr      = 8
	x86UcontextMcontext = 20
)

func (x86Detector) Step(im *elfx.Image, pc uint64, regs *libpf.Regs,
	procMem memio.Memory) bool {
	if codeMatches(im, pc, x86Sigreturn) {
		return loadContext32(procMem, regs.SP()+x86SigcontextRegs, regs,
			x86ContextTargets)
	}
	if codeMatches(im, pc, x86RtSigreturn) {
		ucAddr, ok := memio.ReadUint32(procMem, regs.SP()+x86UcontextPtr,
			binary.LittleEndian)
		if !ok {
			return false
		}
		return loadContext32(procMem,
			uint64(ucAddr)+x86UcontextMcontext+16, regs, x86ContextTargets)
	}
	return false
}

// armDetector matches the arm sigreturn stubs:
//
//	mov r7, #0x77; svc 0   (sigreturn)
//	mov r7, #0xad; svc 0   (rt_sigreturn)
type armDetector struct{}

var (
	armSigreturn   = []byte{0x77, 0x70, 0xa0, 0xe3, 0x00, 0x00, 0x00, 0xef}
	armRtSigreturn = []byte{0xad, 0x70, 0xa0, 0xe3, 0x00, 0x00, 0x00, 0xef}
)

// The legacy frame starts with the ucontext: mcontext at offset 20, and
// r0..r15 at offset 12 of the sigcontext. The rt frame prepends a 128-byte
// siginfo.
const (
	armSigcontextRegs   = 20 + 12
	armRtSigcontextRegs = 128 + 20 + 12
)

func (armDetector) Step(im *elfx.Image, pc uint64, regs *libpf.Regs,
	procMem memio.Memory) bool {
	var base uint64
	switch {
	case codeMatches(im, pc, armSigreturn):
		base = regs.SP() + armSigcontextRegs
	case codeMatches(im, pc, armRtSigreturn):
		base = regs.SP() + armRtSigcontextRegs
	default:
		return false
	}
	return loadContext32(procMem, base, regs, identity(16))
}
