// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package main

import (
	"errors"

	"github.com/unwindkit/unwindkit/libpf"
)

func capture(libpf.PID, bool, string) error {
	return errors.New("snapshot capture requires linux")
}
