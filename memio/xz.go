// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package memio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/ulikunitz/xz"

	"github.com/unwindkit/unwindkit/libpf/xsync"
)

var xzHeaderMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

const xzFooterLen = 12

// xzBlockRecord is one entry of the stream index: the sizes of one block.
type xzBlockRecord struct {
	unpaddedSize      uint64
	uncompressedSize  uint64
	uncompressedStart uint64
}

// XZ serves reads from an XZ-compressed blob, typically the embedded
// mini-debug section of an ELF. Construction scans the stream index at the
// blob's tail to learn the decompressed size and block layout without
// decompressing anything. The codec runs on first read and decompresses the
// whole stream; after a failed run it runs again on the next read.
//
// All blocks except the last must share a power-of-two decompressed size;
// streams violating that are rejected at construction. Reads are served
// from the whole decompressed stream; blocks are not decoded individually.
type XZ struct {
	compressed []byte
	blocks     []xzBlockRecord
	size       uint64
	blockShift int

	data xsync.Once[[]byte]
}

// NewXZ validates the stream and parses its block index.
func NewXZ(compressed []byte) (*XZ, error) {
	if len(compressed) < len(xzHeaderMagic)+xzFooterLen ||
		!bytes.Equal(compressed[:len(xzHeaderMagic)], xzHeaderMagic) {
		return nil, errors.New("not an XZ stream")
	}
	m := &XZ{compressed: compressed}
	if err := m.parseIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

// Size returns the total decompressed size.
func (m *XZ) Size() uint64 {
	return m.size
}

// BlockCount returns the number of blocks in the stream.
func (m *XZ) BlockCount() int {
	return len(m.blocks)
}

// readVLI decodes one XZ variable-length integer (same 7-bit groups as
// LEB128) from r.
func readVLI(r *bytes.Reader) (uint64, error) {
	var val uint64
	for shift := 0; shift < 63; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
	}
	return 0, errors.New("VLI too large")
}

// parseIndex locates the index via the stream footer and collects the
// per-block size records.
func (m *XZ) parseIndex() error {
	footer := m.compressed[len(m.compressed)-xzFooterLen:]
	if footer[10] != 'Y' || footer[11] != 'Z' {
		return errors.New("XZ footer magic missing")
	}
	backwardSize := (uint64(binary.LittleEndian.Uint32(footer[4:8])) + 1) * 4
	if backwardSize > uint64(len(m.compressed)-xzFooterLen) {
		return errors.New("XZ backward size out of range")
	}
	indexStart := uint64(len(m.compressed)-xzFooterLen) - backwardSize
	r := bytes.NewReader(m.compressed[indexStart:])
	indicator, err := r.ReadByte()
	if err != nil || indicator != 0 {
		return errors.New("XZ index indicator missing")
	}
	count, err := readVLI(r)
	if err != nil {
		return err
	}
	if count == 0 || count > uint64(len(m.compressed)) {
		return fmt.Errorf("implausible XZ block count %d", count)
	}

	m.blocks = make([]xzBlockRecord, 0, count)
	var offset uint64
	for i := uint64(0); i < count; i++ {
		var rec xzBlockRecord
		if rec.unpaddedSize, err = readVLI(r); err != nil {
			return err
		}
		if rec.uncompressedSize, err = readVLI(r); err != nil {
			return err
		}
		rec.uncompressedStart = offset
		offset += rec.uncompressedSize
		m.blocks = append(m.blocks, rec)
	}
	m.size = offset

	// All blocks except the last must share a power-of-two size.
	first := m.blocks[0].uncompressedSize
	if len(m.blocks) > 1 {
		if first == 0 || bits.OnesCount64(first) != 1 {
			return fmt.Errorf("XZ block size %d is not a power of two", first)
		}
		for _, rec := range m.blocks[:len(m.blocks)-1] {
			if rec.uncompressedSize != first {
				return errors.New("XZ blocks disagree on decompressed size")
			}
		}
		m.blockShift = bits.TrailingZeros64(first)
	}
	return nil
}

// decompress runs the codec over the whole stream. Guarded by a Once: one
// successful run initializes the output buffer no matter how many readers
// race here; a failed run leaves it uninitialized.
func (m *XZ) decompress() ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(m.compressed))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != m.size {
		return nil, fmt.Errorf("XZ index size %d != decompressed size %d",
			m.size, len(data))
	}
	return data, nil
}

func (m *XZ) Read(addr uint64, p []byte) int {
	if len(p) == 0 || overflows(addr, len(p)) {
		return 0
	}
	if addr >= m.size {
		return 0
	}
	data, err := m.data.GetOrInit(m.decompress)
	if err != nil {
		return 0
	}
	return copy(p, (*data)[addr:])
}
