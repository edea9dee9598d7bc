// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && arm64

package main

import (
	"golang.org/x/sys/unix"

	"github.com/unwindkit/unwindkit/libpf"
)

// readPtraceRegs converts the kernel register dump to the DWARF-ordered
// register file.
func readPtraceRegs(tid int) (*libpf.Regs, error) {
	var pr unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(tid, unix.NT_PRSTATUS, &pr); err != nil {
		return nil, err
	}
	regs := libpf.NewRegs(libpf.ArchARM64)
	for i, val := range pr.Regs {
		regs.Set(i, val)
	}
	regs.Set(libpf.ARM64RegSP, pr.Sp)
	regs.Set(libpf.ARM64RegPC, pr.Pc)
	regs.Set(libpf.ARM64RegPstate, pr.Pstate)
	return regs, nil
}
