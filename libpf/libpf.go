// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the shared types of the unwinding library: addresses,
// architecture descriptions, register files, symbols and the error taxonomy.
package libpf

import "fmt"

// Address represents an address, or offset within a process
type Address uint64

// Hash32 returns a 32 bits hash of the input, usable as a cache key hash.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	return HashUint64(uint64(adr))
}

func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uint64(adr))
}

// PID represents the process ID type
type PID int32

func (p PID) Hash32() uint32 {
	return uint32(p)
}

// HashUint64 computes a hash of a 64-bit uint using the finalizer function
// for Murmur3.
// Via https://lemire.me/blog/2018/08/15/fast-strongly-universal-64-bit-hashing-everywhere/
func HashUint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
