// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldsN(t *testing.T) {
	var fields [4]string
	n := FieldsN("a  b\tc", fields[:])
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, fields[:n])

	// Excess fields land unparsed in the last slot.
	var two [2]string
	n = FieldsN("one two three four", two[:])
	assert.Equal(t, 2, n)
	assert.Equal(t, "one", two[0])
	assert.Equal(t, "two three four", two[1])

	n = FieldsN("   ", fields[:])
	assert.Equal(t, 0, n)

	n = FieldsN("", fields[:])
	assert.Equal(t, 0, n)
}

func TestSplitN(t *testing.T) {
	var fields [2]string
	n := SplitN("name: value", ":", fields[:])
	assert.Equal(t, 2, n)
	assert.Equal(t, "name", fields[0])
	assert.Equal(t, " value", fields[1])

	n = SplitN("a-b-c", "-", fields[:])
	assert.Equal(t, 2, n)
	assert.Equal(t, "b-c", fields[1])

	n = SplitN("nodelim", "-", fields[:])
	assert.Equal(t, 1, n)
	assert.Equal(t, "nodelim", fields[0])
}

func TestByteSlice2String(t *testing.T) {
	assert.Equal(t, "abc", ByteSlice2String([]byte{'a', 'b', 'c'}))
	assert.Equal(t, "", ByteSlice2String(nil))
}
