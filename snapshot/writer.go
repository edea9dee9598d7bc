// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/procmap"
)

// StackDump is one captured stack region.
type StackDump struct {
	Base uint64
	Data []byte
}

// Save writes a snapshot directory: maps.txt, regs.txt and the stack dumps.
// With one dump the file is named stack.data, otherwise stack<i>.data.
func Save(dir string, maps *procmap.Maps, regs *libpf.Regs, stacks []StackDump) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, "maps.txt"),
		[]byte(maps.String()), 0o644); err != nil {
		return err
	}

	var sb strings.Builder
	regs.Visit(func(name string, value uint64) {
		fmt.Fprintf(&sb, "%s: %x\n", name, value)
	})
	if err := os.WriteFile(filepath.Join(dir, "regs.txt"),
		[]byte(sb.String()), 0o644); err != nil {
		return err
	}

	ptrSize := regs.Arch().PointerSize()
	for i, stack := range stacks {
		name := "stack.data"
		if len(stacks) > 1 {
			name = fmt.Sprintf("stack%d.data", i)
		}
		data := make([]byte, ptrSize+len(stack.Data))
		if ptrSize == 4 {
			binary.LittleEndian.PutUint32(data, uint32(stack.Base))
		} else {
			binary.LittleEndian.PutUint64(data, stack.Base)
		}
		copy(data[ptrSize:], stack.Data)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
