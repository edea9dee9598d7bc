// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

// defaultPACMask keeps the 55 low virtual-address bits of an arm64 PC and
// strips the pointer-authentication code above them. Callers that know the
// exact PAC layout of the target can override it via SetPACMask.
const defaultPACMask = uint64(1)<<55 - 1

// Regs is a fixed-length register file indexed by the architecture's
// register numbering.
type Regs struct {
	arch    Arch
	regs    []uint64
	pacMask uint64
}

// NewRegs returns a zeroed register file for the given architecture.
func NewRegs(arch Arch) *Regs {
	r := &Regs{
		arch: arch,
		regs: make([]uint64, arch.RegisterCount()),
	}
	if arch == ArchARM64 {
		r.pacMask = defaultPACMask
	}
	return r
}

// Clone returns an independent copy of the register file.
func (r *Regs) Clone() *Regs {
	dup := &Regs{
		arch:    r.arch,
		regs:    make([]uint64, len(r.regs)),
		pacMask: r.pacMask,
	}
	copy(dup.regs, r.regs)
	return dup
}

func (r *Regs) Arch() Arch {
	return r.arch
}

// Count returns the number of registers in the file.
func (r *Regs) Count() int {
	return len(r.regs)
}

// Get returns the value of register n, or 0 if n is out of range.
func (r *Regs) Get(n int) uint64 {
	if n < 0 || n >= len(r.regs) {
		return 0
	}
	return r.regs[n]
}

// Set stores val into register n. Out of range indexes are ignored.
func (r *Regs) Set(n int, val uint64) {
	if n < 0 || n >= len(r.regs) {
		return
	}
	r.regs[n] = val
}

// PC returns the program counter. On arm64 the pointer authentication bits
// are stripped before the value is used for lookups.
func (r *Regs) PC() uint64 {
	pc := r.Get(r.arch.PCIndex())
	if r.pacMask != 0 {
		pc &= r.pacMask
	}
	return pc
}

func (r *Regs) SetPC(pc uint64) {
	r.Set(r.arch.PCIndex(), pc)
}

// SP returns the stack pointer.
func (r *Regs) SP() uint64 {
	return r.Get(r.arch.SPIndex())
}

func (r *Regs) SetSP(sp uint64) {
	r.Set(r.arch.SPIndex(), sp)
}

// RA returns the value of the architecture's return-address register.
func (r *Regs) RA() uint64 {
	return r.Get(r.arch.RAIndex())
}

// SetPACMask overrides the arm64 pointer-authentication strip mask.
func (r *Regs) SetPACMask(mask uint64) {
	r.pacMask = mask
}

// Raw exposes the underlying register slice. The signal frame restorers
// overwrite it wholesale from the saved context.
func (r *Regs) Raw() []uint64 {
	return r.regs
}

// Visit calls fn for every register with its symbolic name, in index order.
func (r *Regs) Visit(fn func(name string, value uint64)) {
	names := r.arch.RegisterNames()
	for i, val := range r.regs {
		fn(names[i], val)
	}
}
