// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package memio

import "github.com/unwindkit/unwindkit/libpf"

// Process is a stub on platforms without a cross-process read primitive.
type Process struct{}

func NewProcess(libpf.PID) *Process {
	return &Process{}
}

func NewLocal() *Process {
	return &Process{}
}

func (pm *Process) Read(uint64, []byte) int {
	return 0
}

func (pm *Process) Close() error {
	return nil
}
