// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unwindkit/unwindkit/internal/testelf"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
	"github.com/unwindkit/unwindkit/procmap"
)

const (
	runtimeBase = 0x100000
	descVaddr   = 0x8000
	descAddr    = runtimeBase + descVaddr
	entryAddr   = 0x110000
	jitBase     = 0x200000
	jitCodePC   = 0x200010
)

// jitProcess builds a process view holding a runtime library that exports
// the descriptor, the descriptor itself, one list node, and the symfile
// bytes.
func jitProcess(t *testing.T, version uint32, symfile []byte,
	symfileAddr uint64) (*procmap.Maps, memio.Memory) {
	t.Helper()

	runtime := testelf.New(elf.EM_X86_64)
	runtime.AddDynSymbol(JitDescriptorName, descVaddr, 24)
	runtimeImage := runtime.Build()

	maps := procmap.New()
	maps.Add(runtimeBase, runtimeBase+0x10000, 0,
		procmap.FlagRead|procmap.FlagExec, "/system/lib64/libart.so")
	maps.Finalize()

	le := binary.LittleEndian
	desc := make([]byte, 24)
	le.PutUint32(desc[0:], version)
	le.PutUint64(desc[16:], entryAddr) // first_entry

	node := make([]byte, 32)
	le.PutUint64(node[0:], 0) // next
	le.PutUint64(node[16:], symfileAddr)
	le.PutUint64(node[24:], uint64(len(symfile)))

	mem := memio.NewParts()
	mem.Add(runtimeBase, runtimeImage)
	mem.Add(descAddr, desc)
	mem.Add(entryAddr, node)
	mem.Add(symfileAddr, symfile)
	return maps, mem
}

// jitSymfile builds an in-memory ELF whose eh_frame covers the absolute
// address range [jitCodePC-0x10, +0x100).
func jitSymfile(t *testing.T) []byte {
	t.Helper()
	eh := testelf.NewEhFrame(0x1000)
	eh.AddCIE(1, -8, 16, []byte{0x0c, 0x07, 0x08, 0x90, 0x01})
	eh.AddFDE(jitBase, 0x100, []byte{})

	b := testelf.New(elf.EM_X86_64)
	b.AddSection(".eh_frame", 0x1000, eh.Bytes())
	return b.Build()
}

func TestFindJitEntry(t *testing.T) {
	maps, mem := jitProcess(t, 1, jitSymfile(t), jitBase)
	jit := NewJit(mem, libpf.ArchX86_64, []string{"libart.so"})

	entry := jit.Find(maps, jitCodePC)
	require.NotNil(t, entry)
	require.NotNil(t, entry.Elf)
	assert.Equal(t, uint64(jitBase), entry.Addr)
	assert.True(t, entry.Elf.IsValidPC(jitCodePC))

	// Entries are found again without re-walking the list.
	assert.Same(t, entry, jit.Find(maps, jitCodePC))

	// A pc no symfile covers
	assert.Nil(t, jit.Find(maps, 0x900000))
}

func TestUnsupportedVersionDisables(t *testing.T) {
	maps, mem := jitProcess(t, 2, jitSymfile(t), jitBase)
	jit := NewJit(mem, libpf.ArchX86_64, []string{"libart.so"})
	assert.Nil(t, jit.Find(maps, jitCodePC))
}

func TestCorruptNodeTerminatesWalk(t *testing.T) {
	maps, mem := jitProcess(t, 1, []byte("not an elf"), jitBase)
	jit := NewJit(mem, libpf.ArchX86_64, []string{"libart.so"})

	assert.Nil(t, jit.Find(maps, jitCodePC))
	// The walk is disabled permanently.
	assert.Nil(t, jit.Find(maps, jitCodePC))
	assert.Equal(t, uint64(0), jit.entryAddr)
}

func TestSearchLibFilter(t *testing.T) {
	maps, mem := jitProcess(t, 1, jitSymfile(t), jitBase)
	jit := NewJit(mem, libpf.ArchX86_64, []string{"libsomethingelse.so"})
	assert.Nil(t, jit.Find(maps, jitCodePC))
}

func TestEntrySizeOffsets(t *testing.T) {
	tests := map[libpf.Arch]uint64{
		libpf.ArchX86:     12,
		libpf.ArchARM:     16,
		libpf.ArchX86_64:  24,
		libpf.ArchARM64:   24,
		libpf.ArchRiscv64: 24,
	}
	for arch, expected := range tests {
		d := &Debug{arch: arch}
		assert.Equal(t, expected, d.entrySizeOffset(), "arch %v", arch)
	}
}
