// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && amd64

package main

import (
	"golang.org/x/sys/unix"

	"github.com/unwindkit/unwindkit/libpf"
)

// readPtraceRegs converts the kernel register dump to the DWARF-ordered
// register file.
func readPtraceRegs(tid int) (*libpf.Regs, error) {
	var pr unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &pr); err != nil {
		return nil, err
	}
	regs := libpf.NewRegs(libpf.ArchX86_64)
	for idx, val := range map[int]uint64{
		0: pr.Rax, 1: pr.Rdx, 2: pr.Rcx, 3: pr.Rbx,
		4: pr.Rsi, 5: pr.Rdi, 6: pr.Rbp, 7: pr.Rsp,
		8: pr.R8, 9: pr.R9, 10: pr.R10, 11: pr.R11,
		12: pr.R12, 13: pr.R13, 14: pr.R14, 15: pr.R15,
		16: pr.Rip,
	} {
		regs.Set(idx, val)
	}
	return regs, nil
}
