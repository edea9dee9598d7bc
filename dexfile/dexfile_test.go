// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package dexfile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unwindkit/unwindkit/memio"
)

func putUleb(buf *bytes.Buffer, val uint64) {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		if val != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if val == 0 {
			return
		}
	}
}

// buildDex assembles a minimal dex image with one class Lcom/example/Foo;
// holding one direct method "bar" whose code item starts at the returned
// offset (insns span 8 bytes).
func buildDex(t *testing.T) (data []byte, codeStart uint64) {
	t.Helper()
	le := binary.LittleEndian

	var tail bytes.Buffer // everything after the fixed tables
	appendString := func(s string) uint32 {
		off := uint32(tail.Len())
		putUleb(&tail, uint64(len(s)))
		tail.WriteString(s)
		tail.WriteByte(0)
		return off
	}

	const (
		headerSize   = 0x70
		stringIDsOff = headerSize
		stringCount  = 2
		typeIDsOff   = stringIDsOff + stringCount*4
		typeCount    = 1
		methodIDsOff = typeIDsOff + typeCount*4
		methodCount  = 1
		classDefsOff = methodIDsOff + methodCount*8
		classCount   = 1
		tailOff      = classDefsOff + classCount*32
	)

	strOffsets := []uint32{
		appendString("Lcom/example/Foo;"),
		appendString("bar"),
	}

	// code item: registers, ins, outs, tries, debug_info, insns_size 4
	for tail.Len()%4 != 0 {
		tail.WriteByte(0)
	}
	codeOff := uint32(tail.Len()) + tailOff
	var code [16 + 8]byte
	le.PutUint16(code[0:], 1)
	le.PutUint32(code[12:], 4) // insns_size in u16 units
	tail.Write(code[:])

	// class_data: no fields, one direct method, no virtual methods
	classDataOff := uint32(tail.Len()) + tailOff
	var classData bytes.Buffer
	putUleb(&classData, 0) // static fields
	putUleb(&classData, 0) // instance fields
	putUleb(&classData, 1) // direct methods
	putUleb(&classData, 0) // virtual methods
	putUleb(&classData, 0) // method_idx_diff
	putUleb(&classData, 1) // access flags
	putUleb(&classData, uint64(codeOff))
	tail.Write(classData.Bytes())

	total := tailOff + tail.Len()
	image := make([]byte, total)
	copy(image[0:], "dex\n035\x00")
	le.PutUint32(image[offFileSize:], uint32(total))
	le.PutUint32(image[offHeaderSize:], headerSize)
	le.PutUint32(image[offEndianTag:], endianConstant)
	le.PutUint32(image[offStringIdsSize:], stringCount)
	le.PutUint32(image[offStringIdsOff:], stringIDsOff)
	le.PutUint32(image[offTypeIdsSize:], typeCount)
	le.PutUint32(image[offTypeIdsOff:], typeIDsOff)
	le.PutUint32(image[offMethodIdsSize:], methodCount)
	le.PutUint32(image[offMethodIdsOff:], methodIDsOff)
	le.PutUint32(image[offClassDefsSize:], classCount)
	le.PutUint32(image[offClassDefsOff:], classDefsOff)

	// string_ids
	for i, off := range strOffsets {
		le.PutUint32(image[stringIDsOff+i*4:], off+uint32(tailOff))
	}
	// type_ids: descriptor = string 0
	le.PutUint32(image[typeIDsOff:], 0)
	// method_ids: class 0, proto 0, name string 1
	le.PutUint16(image[methodIDsOff:], 0)
	le.PutUint16(image[methodIDsOff+2:], 0)
	le.PutUint32(image[methodIDsOff+4:], 1)
	// class_defs: class_idx 0, class_data_off at +24
	le.PutUint32(image[classDefsOff:], 0)
	le.PutUint32(image[classDefsOff+24:], classDataOff)

	copy(image[tailOff:], tail.Bytes())
	return image, uint64(codeOff) + 16
}

func TestGetFunctionName(t *testing.T) {
	data, codeStart := buildDex(t)
	f, err := NewFromBytes(data)
	require.NoError(t, err)

	name, offset, ok := f.GetFunctionName(codeStart + 2)
	require.True(t, ok)
	assert.Equal(t, "com.example.Foo.bar", name)
	assert.Equal(t, uint64(2), offset)

	// cached path
	name, offset, ok = f.GetFunctionName(codeStart)
	require.True(t, ok)
	assert.Equal(t, "com.example.Foo.bar", name)
	assert.Equal(t, uint64(0), offset)

	// outside any method
	_, _, ok = f.GetFunctionName(0x10)
	assert.False(t, ok)
	_, _, ok = f.GetFunctionName(codeStart + 8)
	assert.False(t, ok)
}

func TestNewFromMemory(t *testing.T) {
	data, codeStart := buildDex(t)
	mem := memio.NewBuffer(0x30000, data)

	f, err := NewFromMemory(mem, 0x30000, uint64(len(data)))
	require.NoError(t, err)
	name, _, ok := f.GetFunctionName(codeStart)
	require.True(t, ok)
	assert.Equal(t, "com.example.Foo.bar", name)
}

func TestRejectsCorruptHeaders(t *testing.T) {
	data, _ := buildDex(t)

	bad := append([]byte{}, data...)
	copy(bad, "odex049\x00")
	_, err := NewFromBytes(bad)
	assert.Error(t, err)

	bad = append([]byte{}, data...)
	binary.LittleEndian.PutUint32(bad[offEndianTag:], 0x78563412)
	_, err = NewFromBytes(bad)
	assert.Error(t, err)

	_, err = NewFromBytes(data[:16])
	assert.Error(t, err)
}

func TestWeakCache(t *testing.T) {
	data, _ := buildDex(t)
	cache := NewCache()

	created := 0
	create := func() (*File, error) {
		created++
		return NewFromBytes(data)
	}

	f1, err := cache.GetOrCreate("/data/app/base.apk", 0x1000, uint64(len(data)), create)
	require.NoError(t, err)
	f2, err := cache.GetOrCreate("/data/app/base.apk", 0x1000, uint64(len(data)), create)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, created)

	// A different identity realizes its own file.
	_, err = cache.GetOrCreate("/data/app/base.apk", 0x2000, uint64(len(data)), create)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}
