// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package memio provides uniform random-access byte reads over the different
// backings a process snapshot can have: a file, a live process, an offline
// buffer, or composed sub-ranges of another Memory. All addresses are
// uint64; every implementation checks addr+len for overflow and reports an
// overflowing read as a failed read.
package memio

import (
	"bytes"
	"encoding/binary"
)

// Memory is the random-access read contract. Read copies up to len(p) bytes
// from addr into p and returns the number of bytes actually placed there.
// A short read is not an error; 0 means nothing was readable at addr.
type Memory interface {
	Read(addr uint64, p []byte) int
}

// overflows reports whether addr+n wraps the address space.
func overflows(addr uint64, n int) bool {
	return addr+uint64(n) < addr
}

// ReadFully reads exactly len(p) bytes at addr, failing on any short read.
func ReadFully(m Memory, addr uint64, p []byte) bool {
	return m.Read(addr, p) == len(p)
}

// ReadUint8 reads one byte at addr.
func ReadUint8(m Memory, addr uint64) (uint8, bool) {
	var buf [1]byte
	if !ReadFully(m, addr, buf[:]) {
		return 0, false
	}
	return buf[0], true
}

// ReadUint16 reads a 16-bit value at addr with the given byte order.
func ReadUint16(m Memory, addr uint64, order binary.ByteOrder) (uint16, bool) {
	var buf [2]byte
	if !ReadFully(m, addr, buf[:]) {
		return 0, false
	}
	return order.Uint16(buf[:]), true
}

// ReadUint32 reads a 32-bit value at addr with the given byte order.
func ReadUint32(m Memory, addr uint64, order binary.ByteOrder) (uint32, bool) {
	var buf [4]byte
	if !ReadFully(m, addr, buf[:]) {
		return 0, false
	}
	return order.Uint32(buf[:]), true
}

// ReadUint64 reads a 64-bit value at addr with the given byte order.
func ReadUint64(m Memory, addr uint64, order binary.ByteOrder) (uint64, bool) {
	var buf [8]byte
	if !ReadFully(m, addr, buf[:]) {
		return 0, false
	}
	return order.Uint64(buf[:]), true
}

// ReadPointer reads an address of the given size (4 or 8) at addr.
func ReadPointer(m Memory, addr uint64, size int, order binary.ByteOrder) (uint64, bool) {
	switch size {
	case 4:
		v, ok := ReadUint32(m, addr, order)
		return uint64(v), ok
	case 8:
		return ReadUint64(m, addr, order)
	default:
		return 0, false
	}
}

// readStringScanWindow is the initial window scanned for the terminating
// null. Most strings read this way are short paths and symbol names.
const readStringScanWindow = 256

// ReadString reads a null-terminated string of at most maxLen bytes at addr.
// The search starts with a small local window and grows by a second read
// only when the string straddles the scan window.
func ReadString(m Memory, addr uint64, maxLen int) (string, bool) {
	if maxLen <= 0 || overflows(addr, maxLen) {
		return "", false
	}
	window := min(maxLen, readStringScanWindow)
	buf := make([]byte, window)
	n := m.Read(addr, buf)
	if n == 0 {
		return "", false
	}
	if idx := bytes.IndexByte(buf[:n], 0); idx >= 0 {
		return string(buf[:idx]), true
	}
	if n < window || window == maxLen {
		// Memory or the length bound ended before a terminator.
		return "", false
	}

	bigBuf := make([]byte, maxLen)
	copy(bigBuf, buf[:n])
	rest := m.Read(addr+uint64(n), bigBuf[n:])
	if idx := bytes.IndexByte(bigBuf[:n+rest], 0); idx >= 0 {
		return string(bigBuf[:idx]), true
	}
	return "", false
}
