// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import "debug/elf"

// Arch identifies the CPU architecture of the unwound thread.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchARM
	ArchARM64
	ArchX86
	ArchX86_64
	ArchRiscv64
)

// Register indexing follows the DWARF register numbering of each
// architecture, so the call-frame engines can index the register file with
// the numbers found in the unwind tables directly.
const (
	// arm32
	ARMRegSP = 13
	ARMRegLR = 14
	ARMRegPC = 15

	// arm64
	ARM64RegFP     = 29
	ARM64RegLR     = 30
	ARM64RegSP     = 31
	ARM64RegPC     = 32
	ARM64RegPstate = 33

	// x86
	X86RegSP = 4
	X86RegBP = 5
	X86RegPC = 8

	// x86_64
	X86_64RegBP = 6
	X86_64RegSP = 7
	X86_64RegPC = 16

	// riscv64: the DWARF numbering assigns 0 to the hardwired zero
	// register, so its slot doubles as the PC the way the kernel's
	// sigcontext lays the registers out.
	Riscv64RegPC = 0
	Riscv64RegRA = 1
	Riscv64RegSP = 2
)

var armRegNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
}

var arm64RegNames = []string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "lr", "sp",
	"pc", "pst",
}

var x86RegNames = []string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "eip",
}

var x86_64RegNames = []string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

var riscv64RegNames = []string{
	"pc", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// archInfo is the fixed per-architecture description.
type archInfo struct {
	name        string
	regCount    int
	spIndex     int
	pcIndex     int
	raIndex     int
	pointerSize int
	regNames    []string
}

var archInfos = map[Arch]archInfo{
	ArchARM: {
		name: "arm", regCount: 16,
		spIndex: ARMRegSP, pcIndex: ARMRegPC, raIndex: ARMRegLR,
		pointerSize: 4, regNames: armRegNames,
	},
	ArchARM64: {
		name: "arm64", regCount: 34,
		spIndex: ARM64RegSP, pcIndex: ARM64RegPC, raIndex: ARM64RegLR,
		pointerSize: 8, regNames: arm64RegNames,
	},
	ArchX86: {
		name: "x86", regCount: 9,
		spIndex: X86RegSP, pcIndex: X86RegPC, raIndex: X86RegPC,
		pointerSize: 4, regNames: x86RegNames,
	},
	ArchX86_64: {
		name: "x86_64", regCount: 17,
		spIndex: X86_64RegSP, pcIndex: X86_64RegPC, raIndex: X86_64RegPC,
		pointerSize: 8, regNames: x86_64RegNames,
	},
	ArchRiscv64: {
		name: "riscv64", regCount: 32,
		spIndex: Riscv64RegSP, pcIndex: Riscv64RegPC, raIndex: Riscv64RegRA,
		pointerSize: 8, regNames: riscv64RegNames,
	},
}

func (a Arch) String() string {
	if info, ok := archInfos[a]; ok {
		return info.name
	}
	return "unknown"
}

// RegisterCount returns the number of registers tracked for the architecture.
func (a Arch) RegisterCount() int {
	return archInfos[a].regCount
}

// SPIndex returns the register index of the stack pointer.
func (a Arch) SPIndex() int {
	return archInfos[a].spIndex
}

// PCIndex returns the register index of the program counter.
func (a Arch) PCIndex() int {
	return archInfos[a].pcIndex
}

// RAIndex returns the register index that holds the return address when no
// other unwind information applies. On the x86 families this is the PC
// pseudo column that DWARF assigns the return address to.
func (a Arch) RAIndex() int {
	return archInfos[a].raIndex
}

// PointerSize returns the address size in bytes.
func (a Arch) PointerSize() int {
	return archInfos[a].pointerSize
}

// RegisterNames returns the canonical register names, indexed by register
// number. These names match the offline snapshot regs.txt format.
func (a Arch) RegisterNames() []string {
	return archInfos[a].regNames
}

// ArchFromString parses the canonical architecture name.
func ArchFromString(name string) Arch {
	for arch, info := range archInfos {
		if info.name == name {
			return arch
		}
	}
	return ArchUnknown
}

// ArchFromElf maps an ELF machine/class pair to the architecture tag.
// Machines outside the supported set yield ArchUnknown.
func ArchFromElf(machine elf.Machine, class elf.Class) Arch {
	switch machine {
	case elf.EM_ARM:
		return ArchARM
	case elf.EM_AARCH64:
		return ArchARM64
	case elf.EM_386:
		return ArchX86
	case elf.EM_X86_64:
		if class == elf.ELFCLASS32 {
			// x32 ABI is not supported
			return ArchUnknown
		}
		return ArchX86_64
	case elf.EM_RISCV:
		if class == elf.ELFCLASS32 {
			return ArchUnknown
		}
		return ArchRiscv64
	default:
		return ArchUnknown
	}
}
