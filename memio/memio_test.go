// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package memio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestBufferRead(t *testing.T) {
	buf := NewBuffer(0x1000, testPattern(256))

	tests := map[string]struct {
		addr     uint64
		len      int
		expected int
	}{
		"inside":        {addr: 0x1010, len: 16, expected: 16},
		"at start":      {addr: 0x1000, len: 4, expected: 4},
		"short at end":  {addr: 0x10f0, len: 32, expected: 16},
		"before start":  {addr: 0xfff, len: 4, expected: 0},
		"past end":      {addr: 0x1100, len: 4, expected: 0},
		"zero length":   {addr: 0x1000, len: 0, expected: 0},
		"addr overflow": {addr: ^uint64(0) - 1, len: 16, expected: 0},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p := make([]byte, test.len)
			assert.Equal(t, test.expected, buf.Read(test.addr, p))
		})
	}

	p := make([]byte, 4)
	require.Equal(t, 4, buf.Read(0x1010, p))
	assert.Equal(t, []byte{0x10, 0x11, 0x12, 0x13}, p)
}

func TestPartsFirstMatchWins(t *testing.T) {
	parts := NewParts()
	parts.Add(0x1000, []byte{1, 2, 3, 4})
	parts.Add(0x2000, []byte{5, 6, 7, 8})

	p := make([]byte, 2)
	require.Equal(t, 2, parts.Read(0x2002, p))
	assert.Equal(t, []byte{7, 8}, p)

	// No stitching across parts
	assert.Equal(t, 2, parts.Read(0x1002, make([]byte, 8)))
	assert.Equal(t, 0, parts.Read(0x1800, p))
}

func TestRangeRebasing(t *testing.T) {
	underlying := NewBuffer(0x5000, testPattern(256))
	// Window exposing underlying [0x5040, 0x5080) at [0x100, 0x140)
	r := NewRange(underlying, 0x5040, 0x100, 0x40)

	p := make([]byte, 4)
	require.Equal(t, 4, r.Read(0x100, p))
	assert.Equal(t, []byte{0x40, 0x41, 0x42, 0x43}, p)

	// Out-of-window reads return zero
	assert.Equal(t, 0, r.Read(0xff, p))
	assert.Equal(t, 0, r.Read(0x140, p))

	// Reads are clamped at the window end
	assert.Equal(t, 8, r.Read(0x138, make([]byte, 16)))
}

func TestRangesUpperBoundSearch(t *testing.T) {
	underlying := NewBuffer(0, testPattern(4096))
	rs := NewRanges()
	rs.Insert(underlying, 0x100, 0x1000, 0x100)
	rs.Insert(underlying, 0x300, 0x3000, 0x100)
	rs.Insert(underlying, 0x200, 0x2000, 0x100)

	p := make([]byte, 1)
	require.Equal(t, 1, rs.Read(0x2010, p))
	assert.Equal(t, byte(0x10), p[0]) // underlying 0x210

	require.Equal(t, 1, rs.Read(0x3080, p))
	assert.Equal(t, byte(0x80), p[0]) // underlying 0x380

	assert.Equal(t, 0, rs.Read(0x1800, p))
	assert.Equal(t, 0, rs.Read(0x4000, p))
}

func TestReadFully(t *testing.T) {
	buf := NewBuffer(0x1000, testPattern(16))
	assert.True(t, ReadFully(buf, 0x1000, make([]byte, 16)))
	assert.False(t, ReadFully(buf, 0x1008, make([]byte, 16)))
}

func TestReadString(t *testing.T) {
	data := append([]byte("hello world\x00"), testPattern(16)...)
	buf := NewBuffer(0x100, data)

	str, ok := ReadString(buf, 0x100, 64)
	require.True(t, ok)
	assert.Equal(t, "hello world", str)

	// maxLen cuts the search before the terminator
	_, ok = ReadString(buf, 0x100, 4)
	assert.False(t, ok)

	// string straddling the scan window forces the second read
	long := make([]byte, readStringScanWindow+32)
	for i := range long {
		long[i] = 'a'
	}
	long[len(long)-1] = 0
	buf = NewBuffer(0x100, long)
	str, ok = ReadString(buf, 0x100, len(long))
	require.True(t, ok)
	assert.Len(t, str, len(long)-1)
}

func TestReadScalars(t *testing.T) {
	buf := NewBuffer(0, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})

	v16, ok := ReadUint16(buf, 0, leOrder())
	require.True(t, ok)
	assert.Equal(t, uint16(0x0201), v16)

	v32, ok := ReadUint32(buf, 0, leOrder())
	require.True(t, ok)
	assert.Equal(t, uint32(0x04030201), v32)

	v64, ok := ReadUint64(buf, 0, leOrder())
	require.True(t, ok)
	assert.Equal(t, uint64(0x0807060504030201), v64)

	ptr, ok := ReadPointer(buf, 0, 4, leOrder())
	require.True(t, ok)
	assert.Equal(t, uint64(0x04030201), ptr)

	_, ok = ReadUint64(buf, 4, leOrder())
	assert.False(t, ok)
}
