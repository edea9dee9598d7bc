// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && !amd64 && !arm64

package main

import (
	"errors"

	"github.com/unwindkit/unwindkit/libpf"
)

func readPtraceRegs(int) (*libpf.Regs, error) {
	return nil, errors.New("register capture not supported on this architecture")
}
