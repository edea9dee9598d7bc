// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf

import (
	"encoding/binary"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

// DWARF Expression Opcodes
// http://dwarfstd.org/doc/DWARF5.pdf §2.5, §7.7.1
const (
	opAddr       = 0x03
	opDeref      = 0x06
	opConst1u    = 0x08
	opConst1s    = 0x09
	opConst2u    = 0x0a
	opConst2s    = 0x0b
	opConst4u    = 0x0c
	opConst4s    = 0x0d
	opConst8u    = 0x0e
	opConst8s    = 0x0f
	opConstU     = 0x10
	opConstS     = 0x11
	opDup        = 0x12
	opDrop       = 0x13
	opOver       = 0x14
	opPick       = 0x15
	opSwap       = 0x16
	opRot        = 0x17
	opAbs        = 0x19
	opAnd        = 0x1a
	opDiv        = 0x1b
	opMinus      = 0x1c
	opMod        = 0x1d
	opMul        = 0x1e
	opNeg        = 0x1f
	opNot        = 0x20
	opOr         = 0x21
	opPlus       = 0x22
	opPlusUConst = 0x23
	opShl        = 0x24
	opShr        = 0x25
	opShra       = 0x26
	opXor        = 0x27
	opBra        = 0x28
	opEq         = 0x29
	opGe         = 0x2a
	opGt         = 0x2b
	opLe         = 0x2c
	opLt         = 0x2d
	opNe         = 0x2e
	opSkip       = 0x2f
	opLit0       = 0x30
	opReg0       = 0x50
	opRegx       = 0x90
	opBreg0      = 0x70
	opBregx      = 0x92
	opDerefSize  = 0x94
	opNop        = 0x96
)

// exprStackSize bounds the operand stack. Real CFI expressions stay tiny;
// anything deeper is malformed input.
const exprStackSize = 100

// exprEval is the expression virtual machine: an address-sized operand
// stack with register and memory oracles.
type exprEval struct {
	stack []uint64
	regs  *libpf.Regs
	mem   memio.Memory
	sec   *Section

	// isRegister is set when the expression names a bare register; the
	// result is then the register number, and val_expression readers
	// use the register's content.
	isRegister bool

	// exprStart bounds backward branches to the expression itself.
	exprStart uint64

	err libpf.Error
}

func (ev *exprEval) fail(code libpf.ErrorCode, addr uint64) {
	if ev.err.Code == libpf.ErrNone {
		ev.err = libpf.Error{Code: code, Address: addr}
	}
}

func (ev *exprEval) push(val uint64) {
	if len(ev.stack) >= exprStackSize {
		ev.fail(libpf.ErrUnwindInfo, 0)
		return
	}
	ev.stack = append(ev.stack, ev.trunc(val))
}

func (ev *exprEval) pop() uint64 {
	if len(ev.stack) == 0 {
		ev.fail(libpf.ErrUnwindInfo, 0)
		return 0
	}
	val := ev.stack[len(ev.stack)-1]
	ev.stack = ev.stack[:len(ev.stack)-1]
	return val
}

// trunc wraps a value to the section's address size.
func (ev *exprEval) trunc(val uint64) uint64 {
	if ev.sec.AddrSize == 4 {
		return uint64(uint32(val))
	}
	return val
}

// signed reinterprets an address-sized value as signed.
func (ev *exprEval) signed(val uint64) int64 {
	if ev.sec.AddrSize == 4 {
		return int64(int32(uint32(val)))
	}
	return int64(val)
}

func (ev *exprEval) deref(addr uint64, size int) uint64 {
	var buf [8]byte
	if size <= 0 || size > 8 || !memio.ReadFully(ev.mem, addr, buf[:size]) {
		ev.fail(libpf.ErrMemoryInvalid, addr)
		return 0
	}
	var val uint64
	if ev.sec.Order == binary.ByteOrder(binary.BigEndian) {
		for i := range size {
			val = val<<8 | uint64(buf[i])
		}
	} else {
		for i := size - 1; i >= 0; i-- {
			val = val<<8 | uint64(buf[i])
		}
	}
	return val
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// evalExpression runs the expression bytes the cursor r covers. regs and mem
// are the register and memory oracles; initial values (e.g. the CFA for
// register rules) are pushed by the caller.
func evalExpression(r reader, regs *libpf.Regs, mem memio.Memory,
	initial []uint64) (val uint64, isRegister bool, errOut libpf.Error) {
	ev := exprEval{
		stack:     make([]uint64, 0, 16),
		regs:      regs,
		mem:       mem,
		sec:       r.sec,
		exprStart: r.pos,
	}
	for _, v := range initial {
		ev.push(v)
	}

	for r.hasData() && ev.err.Code == libpf.ErrNone {
		opAddrPos := r.sectionOffset()
		op := r.u8()
		ev.isRegister = false
		switch {
		case op >= opLit0 && op <= opLit0+31:
			ev.push(uint64(op - opLit0))
		case op >= opReg0 && op <= opReg0+31:
			ev.push(uint64(op - opReg0))
			ev.isRegister = true
		case op >= opBreg0 && op <= opBreg0+31:
			ev.push(uint64(int64(regs.Get(int(op-opBreg0))) + r.sleb()))
		default:
			ev.step(op, &r, opAddrPos)
		}
	}

	if ev.err.Code != libpf.ErrNone {
		return 0, false, ev.err
	}
	if r.failed {
		return 0, false, libpf.Error{Code: libpf.ErrMemoryInvalid, Address: r.pos}
	}
	if len(ev.stack) == 0 {
		return 0, false, libpf.Error{Code: libpf.ErrUnwindInfo, Address: r.pos}
	}
	return ev.stack[len(ev.stack)-1], ev.isRegister, libpf.Error{}
}

//nolint:gocyclo
func (ev *exprEval) step(op uint8, r *reader, opPos uint64) {
	switch op {
	case opAddr:
		var val uint64
		if ev.sec.AddrSize == 4 {
			val = uint64(r.u32())
		} else {
			val = r.u64()
		}
		ev.push(uint64(int64(val) + ev.sec.ExprBias))
	case opDeref:
		ev.push(ev.deref(ev.pop(), ev.sec.AddrSize))
	case opDerefSize:
		sz := int(r.u8())
		if sz == 0 || sz > 8 {
			ev.fail(libpf.ErrUnwindInfo, opPos)
			return
		}
		ev.push(ev.deref(ev.pop(), sz))
	case opConst1u:
		ev.push(uint64(r.u8()))
	case opConst1s:
		ev.push(uint64(int64(int8(r.u8()))))
	case opConst2u:
		ev.push(uint64(r.u16()))
	case opConst2s:
		ev.push(uint64(int64(int16(r.u16()))))
	case opConst4u:
		ev.push(uint64(r.u32()))
	case opConst4s:
		ev.push(uint64(int64(int32(r.u32()))))
	case opConst8u, opConst8s:
		ev.push(r.u64())
	case opConstU:
		ev.push(r.uleb())
	case opConstS:
		ev.push(uint64(r.sleb()))
	case opDup:
		val := ev.pop()
		ev.push(val)
		ev.push(val)
	case opDrop:
		ev.pop()
	case opOver:
		b := ev.pop()
		a := ev.pop()
		ev.push(a)
		ev.push(b)
		ev.push(a)
	case opPick:
		n := int(r.u8())
		if n >= len(ev.stack) {
			ev.fail(libpf.ErrUnwindInfo, opPos)
			return
		}
		ev.push(ev.stack[len(ev.stack)-1-n])
	case opSwap:
		b := ev.pop()
		a := ev.pop()
		ev.push(b)
		ev.push(a)
	case opRot:
		c := ev.pop()
		b := ev.pop()
		a := ev.pop()
		ev.push(c)
		ev.push(a)
		ev.push(b)
	case opAbs:
		val := ev.signed(ev.pop())
		if val < 0 {
			val = -val
		}
		ev.push(uint64(val))
	case opAnd:
		ev.push(ev.pop() & ev.pop())
	case opDiv:
		b := ev.signed(ev.pop())
		a := ev.signed(ev.pop())
		if b == 0 {
			ev.fail(libpf.ErrUnwindInfo, opPos)
			return
		}
		ev.push(uint64(a / b))
	case opMinus:
		b := ev.pop()
		a := ev.pop()
		ev.push(a - b)
	case opMod:
		b := ev.pop()
		a := ev.pop()
		if b == 0 {
			ev.fail(libpf.ErrUnwindInfo, opPos)
			return
		}
		ev.push(a % b)
	case opMul:
		ev.push(ev.pop() * ev.pop())
	case opNeg:
		ev.push(uint64(-ev.signed(ev.pop())))
	case opNot:
		ev.push(^ev.pop())
	case opOr:
		ev.push(ev.pop() | ev.pop())
	case opPlus:
		ev.push(ev.pop() + ev.pop())
	case opPlusUConst:
		ev.push(ev.pop() + r.uleb())
	case opShl:
		b := ev.pop()
		a := ev.pop()
		if b >= 64 {
			ev.push(0)
		} else {
			ev.push(a << b)
		}
	case opShr:
		b := ev.pop()
		a := ev.pop()
		if b >= 64 {
			ev.push(0)
		} else {
			ev.push(a >> b)
		}
	case opShra:
		b := ev.pop()
		a := ev.signed(ev.pop())
		if b >= 64 {
			b = 63
		}
		ev.push(uint64(a >> b))
	case opXor:
		ev.push(ev.pop() ^ ev.pop())
	case opEq:
		ev.push(boolToUint(ev.pop() == ev.pop()))
	case opGe:
		b := ev.signed(ev.pop())
		a := ev.signed(ev.pop())
		ev.push(boolToUint(a >= b))
	case opGt:
		b := ev.signed(ev.pop())
		a := ev.signed(ev.pop())
		ev.push(boolToUint(a > b))
	case opLe:
		b := ev.signed(ev.pop())
		a := ev.signed(ev.pop())
		ev.push(boolToUint(a <= b))
	case opLt:
		b := ev.signed(ev.pop())
		a := ev.signed(ev.pop())
		ev.push(boolToUint(a < b))
	case opNe:
		ev.push(boolToUint(ev.pop() != ev.pop()))
	case opSkip:
		ev.branch(r, int64(int16(r.u16())))
	case opBra:
		offset := int64(int16(r.u16()))
		if ev.pop() != 0 {
			ev.branch(r, offset)
		}
	case opRegx:
		ev.push(r.uleb())
		ev.isRegister = true
	case opBregx:
		reg := r.uleb()
		ev.push(uint64(int64(ev.regs.Get(int(reg))) + r.sleb()))
	case opNop:
	default:
		ev.fail(libpf.ErrUnsupported, opPos)
	}
}

// branch moves the cursor by a signed byte offset, staying inside the
// expression bounds.
func (ev *exprEval) branch(r *reader, offset int64) {
	pos := int64(r.pos) + offset
	if pos < int64(ev.exprStart) || uint64(pos) > r.end {
		ev.fail(libpf.ErrUnwindInfo, r.sectionOffset())
		return
	}
	r.pos = uint64(pos)
}
