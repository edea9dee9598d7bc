// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package memio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/unwindkit/unwindkit/libpf"
)

// Read mechanisms for Process. Once one of them yields data it is latched
// as the preferred path for all subsequent reads.
const (
	mechUndecided int32 = iota
	mechVMReadv
	mechProcMem
)

// Process reads another process's address space. The primary path is the
// process_vm_readv scatter/gather syscall; when it is unavailable (e.g.
// blocked by seccomp or Yama) reads fall back to /proc/<pid>/mem.
type Process struct {
	pid  libpf.PID
	mech atomic.Int32

	mu      sync.Mutex
	memFile *os.File
	memErr  error
}

// NewProcess returns a Memory reading the address space of pid.
func NewProcess(pid libpf.PID) *Process {
	return &Process{pid: pid}
}

// NewLocal returns a Memory reading the current process's address space.
// Reading through the kernel keeps faults on unmapped addresses contained.
func NewLocal() *Process {
	return NewProcess(libpf.PID(os.Getpid()))
}

func (pm *Process) Read(addr uint64, p []byte) int {
	if len(p) == 0 || overflows(addr, len(p)) {
		return 0
	}
	switch pm.mech.Load() {
	case mechVMReadv:
		return pm.readv(addr, p)
	case mechProcMem:
		return pm.readProcMem(addr, p)
	}
	if n := pm.readv(addr, p); n > 0 {
		pm.mech.Store(mechVMReadv)
		return n
	}
	if n := pm.readProcMem(addr, p); n > 0 {
		pm.mech.Store(mechProcMem)
		return n
	}
	return 0
}

// readv reads via process_vm_readv. The kernel stops at the first unmapped
// page and reports the transferred count, which matches the partial-read
// contract; a page-segmented retry recovers the prefix when the whole span
// fails at once.
func (pm *Process) readv(addr uint64, p []byte) int {
	local := []unix.Iovec{{Base: &p[0], Len: uint64(len(p))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}
	n, err := unix.ProcessVMReadv(int(pm.pid), local, remote, 0)
	if err == nil {
		return n
	}
	return pm.readPaged(addr, p, func(a uint64, chunk []byte) int {
		local := []unix.Iovec{{Base: &chunk[0], Len: uint64(len(chunk))}}
		remote := []unix.RemoteIovec{{Base: uintptr(a), Len: len(chunk)}}
		n, err := unix.ProcessVMReadv(int(pm.pid), local, remote, 0)
		if err != nil {
			return 0
		}
		return n
	})
}

func (pm *Process) readProcMem(addr uint64, p []byte) int {
	f, err := pm.procMemFile()
	if err != nil {
		return 0
	}
	n, err := f.ReadAt(p, int64(addr))
	if err == nil || n > 0 {
		return n
	}
	return pm.readPaged(addr, p, func(a uint64, chunk []byte) int {
		n, _ := f.ReadAt(chunk, int64(a))
		return n
	})
}

// readPaged retries a failed span read in page-bounded chunks: a possibly
// unaligned prefix, whole pages, and a short tail. The first chunk that
// fails ends the read.
func (pm *Process) readPaged(addr uint64, p []byte, read func(uint64, []byte) int) int {
	pageSize := uint64(os.Getpagesize())
	total := 0
	for total < len(p) {
		a := addr + uint64(total)
		chunk := pageSize - a%pageSize
		if chunk > uint64(len(p)-total) {
			chunk = uint64(len(p) - total)
		}
		n := read(a, p[total:total+int(chunk)])
		total += n
		if n != int(chunk) {
			break
		}
	}
	return total
}

func (pm *Process) procMemFile() (*os.File, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.memFile != nil || pm.memErr != nil {
		return pm.memFile, pm.memErr
	}
	pm.memFile, pm.memErr = os.Open(fmt.Sprintf("/proc/%d/mem", pm.pid))
	return pm.memFile, pm.memErr
}

func (pm *Process) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.memFile != nil {
		err := pm.memFile.Close()
		pm.memFile = nil
		return err
	}
	return nil
}
