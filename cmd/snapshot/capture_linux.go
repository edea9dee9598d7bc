// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
	"github.com/unwindkit/unwindkit/procmap"
	"github.com/unwindkit/unwindkit/snapshot"
)

// maxStackDump bounds the bytes captured above the stack pointer.
const maxStackDump = 1024 * 1024

// capture stops each selected thread just long enough to read its
// registers, then dumps its stack region and the process mappings.
func capture(pid libpf.PID, allThreads bool, dir string) error {
	maps, err := procmap.ParseProc(pid)
	if err != nil {
		return err
	}
	mem := memio.NewProcess(pid)
	defer mem.Close()

	tids := []libpf.PID{pid}
	if allThreads {
		tids, err = listThreads(pid)
		if err != nil {
			return err
		}
	}

	for i, tid := range tids {
		threadDir := dir
		if allThreads {
			threadDir = filepath.Join(dir, fmt.Sprintf("thread%d", i))
		}
		if err := captureThread(tid, maps, mem, threadDir); err != nil {
			return fmt.Errorf("thread %d: %w", tid, err)
		}
		log.Debugf("Captured thread %d into %s", tid, threadDir)
	}
	return nil
}

func listThreads(pid libpf.PID) ([]libpf.PID, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]libpf.PID, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		tids = append(tids, libpf.PID(tid))
	}
	return tids, nil
}

func captureThread(tid libpf.PID, maps *procmap.Maps, mem memio.Memory,
	dir string) error {
	regs, err := readThreadRegs(tid)
	if err != nil {
		return err
	}

	sp := regs.SP()
	mi := maps.Find(sp)
	if mi == nil {
		return fmt.Errorf("stack pointer 0x%x not in any mapping", sp)
	}
	size := min(mi.End-sp, maxStackDump)
	data := make([]byte, size)
	if !memio.ReadFully(mem, sp, data) {
		return fmt.Errorf("stack at 0x%x unreadable", sp)
	}

	return snapshot.Save(dir, maps, regs,
		[]snapshot.StackDump{{Base: sp, Data: data}})
}

// readThreadRegs attaches to the thread, reads its register set, and
// detaches again.
func readThreadRegs(tid libpf.PID) (*libpf.Regs, error) {
	// Ptrace requests must come from one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.PtraceAttach(int(tid)); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	defer unix.PtraceDetach(int(tid))

	var status unix.WaitStatus
	if _, err := unix.Wait4(int(tid), &status, unix.WALL, nil); err != nil {
		return nil, fmt.Errorf("wait: %w", err)
	}

	return readPtraceRegs(int(tid))
}
