// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package elfx

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/unwindkit/unwindkit/internal/testelf"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
)

func buildImage(t *testing.T, b *testelf.Builder) *Image {
	t.Helper()
	im, err := NewImage(memio.NewBuffer(0, b.Build()))
	require.NoError(t, err)
	return im
}

func TestHeaderParsing(t *testing.T) {
	im := buildImage(t, testelf.New(elf.EM_X86_64))
	assert.True(t, im.Valid())
	assert.Equal(t, elf.EM_X86_64, im.Machine())
	assert.Equal(t, libpf.ArchX86_64, im.Arch())
	assert.Equal(t, uint64(0), im.LoadBias())

	im = buildImage(t, testelf.New(elf.EM_AARCH64))
	assert.Equal(t, libpf.ArchARM64, im.Arch())
}

func TestRejectsNonElf(t *testing.T) {
	_, err := NewImage(memio.NewBuffer(0, []byte("definitely not an elf file")))
	assert.ErrorIs(t, err, ErrNotElf)

	_, err = NewImage(memio.NewBuffer(0, nil))
	assert.ErrorIs(t, err, ErrNotElf)
}

func TestRejectsUnsupportedMachine(t *testing.T) {
	b := testelf.New(elf.EM_PPC64)
	_, err := NewImage(memio.NewBuffer(0, b.Build()))
	assert.Error(t, err)
}

func TestSectionLookup(t *testing.T) {
	b := testelf.New(elf.EM_X86_64)
	b.AddSection(".eh_frame", 0x800, []byte{1, 2, 3, 4})
	im := buildImage(t, b)

	sh := im.Section(".eh_frame")
	require.NotNil(t, sh)
	assert.Equal(t, uint64(0x800), sh.Addr)
	assert.Equal(t, uint64(4), sh.Size)

	assert.Nil(t, im.Section(".does_not_exist"))
}

func TestBuildID(t *testing.T) {
	b := testelf.New(elf.EM_X86_64)
	b.AddBuildID([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	im := buildImage(t, b)
	assert.Equal(t, "deadbeef01", im.BuildID())

	// An image without the note has an empty printable build-id.
	im = buildImage(t, testelf.New(elf.EM_X86_64))
	assert.Equal(t, "", im.BuildID())
}

func TestFunctionNameLookup(t *testing.T) {
	b := testelf.New(elf.EM_X86_64)
	b.AddFuncSymbol("small_func", 0x1000, 0x20)
	b.AddFuncSymbol("big_func", 0x1100, 0x400)
	im := buildImage(t, b)

	name, offset, ok := im.FunctionName(0x1010)
	require.True(t, ok)
	assert.Equal(t, "small_func", name)
	assert.Equal(t, uint64(0x10), offset)

	name, offset, ok = im.FunctionName(0x1100)
	require.True(t, ok)
	assert.Equal(t, "big_func", name)
	assert.Equal(t, uint64(0), offset)

	// past the end of a sized symbol
	_, _, ok = im.FunctionName(0x1020)
	assert.False(t, ok)
}

func TestDynamicSymbol(t *testing.T) {
	b := testelf.New(elf.EM_X86_64)
	b.AddDynSymbol("__jit_debug_descriptor", 0x2040, 24)
	im := buildImage(t, b)

	addr, ok := im.DynamicSymbol("__jit_debug_descriptor")
	require.True(t, ok)
	assert.Equal(t, uint64(0x2040), addr)

	_, ok = im.DynamicSymbol("__nope")
	assert.False(t, ok)
}

func TestEhFrameTableFromSections(t *testing.T) {
	eh := testelf.NewEhFrame(0x4000)
	eh.AddCIE(1, -8, 16, []byte{0x0c, 0x07, 0x08, 0x90, 0x01})
	eh.AddFDE(0x1000, 0x100, []byte{})

	b := testelf.New(elf.EM_X86_64)
	b.AddSection(".eh_frame", 0x4000, eh.Bytes())
	im := buildImage(t, b)

	table := im.EhFrameTable()
	require.NotNil(t, table)
	assert.True(t, table.ContainsPC(0x1000))
	assert.True(t, im.IsValidPC(0x10ff))
	assert.False(t, im.IsValidPC(0x1100))
	assert.Nil(t, im.DebugFrameTable())
}

func TestMiniDebugInnerElf(t *testing.T) {
	// inner ELF carrying a .debug_frame
	df := testelf.NewEhFrame(0x4000)
	df.DebugFrame = true
	df.AddCIE(1, -8, 16, []byte{0x0c, 0x07, 0x08, 0x90, 0x01})
	df.AddFDE(0x5000, 0x100, []byte{})

	inner := testelf.New(elf.EM_X86_64)
	inner.AddSection(".debug_frame", 0x4000, df.Bytes())

	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = w.Write(inner.Build())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	outer := testelf.New(elf.EM_X86_64)
	outer.AddSection(".gnu_debugdata", 0, compressed.Bytes())
	im := buildImage(t, outer)

	require.NotNil(t, im.MiniDebug())
	table := im.MiniDebugFrameTable()
	require.NotNil(t, table)
	assert.True(t, table.ContainsPC(0x5000))
	assert.True(t, im.IsValidPC(0x5080))
}

func TestInvalidate(t *testing.T) {
	im := buildImage(t, testelf.New(elf.EM_X86_64))
	require.True(t, im.Valid())
	im.Invalidate()
	assert.False(t, im.Valid())
	assert.False(t, im.IsValidPC(0x1000))
}

func TestParseLoadBias(t *testing.T) {
	bias, ok := ParseLoadBias(memio.NewBuffer(0, testelf.New(elf.EM_X86_64).Build()))
	require.True(t, ok)
	assert.Equal(t, uint64(0), bias)

	_, ok = ParseLoadBias(memio.NewBuffer(0, []byte("nope")))
	assert.False(t, ok)
}

func TestInfo(t *testing.T) {
	image := testelf.New(elf.EM_X86_64).Build()
	maxSize, valid := Info(memio.NewBuffer(0, image))
	require.True(t, valid)
	assert.Equal(t, uint64(len(image)), maxSize)

	_, valid = Info(memio.NewBuffer(0, []byte("nope")))
	assert.False(t, valid)
}
