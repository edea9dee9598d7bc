// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package procmap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMapsText = `10000-20000 r--p 00000000 00:00 0 /system/lib/libc.so
20000-30000 r-xp 00010000 00:00 0 /system/lib/libc.so
30000-31000 rw-p 00000000 00:00 0
40000-50000 r-xp 00000000 00:00 0 /bin/app
7f000000-7f100000 rw-p 00000000 00:00 0 [stack]
`

func TestParseMaps(t *testing.T) {
	maps, err := Parse([]byte(testMapsText))
	require.NoError(t, err)
	require.Equal(t, 5, maps.Len())

	mi := maps.Get(1)
	assert.Equal(t, uint64(0x20000), mi.Start)
	assert.Equal(t, uint64(0x30000), mi.End)
	assert.Equal(t, uint64(0x10000), mi.Offset)
	assert.Equal(t, FlagRead|FlagExec, mi.Flags)
	assert.Equal(t, "/system/lib/libc.so", mi.Name())

	stack := maps.Get(4)
	assert.Equal(t, "[stack]", stack.Name())
	assert.Equal(t, FlagRead|FlagWrite, stack.Flags)

	anon := maps.Get(2)
	assert.Equal(t, "", anon.Name())
	assert.True(t, anon.IsBlank())
}

func TestParseMalformedLines(t *testing.T) {
	tests := map[string]string{
		"not hex range":  "zzz-20000 r--p 00000000 00:00 0\n",
		"missing fields": "10000-20000 r--p\n",
		"end not above":  "20000-10000 r--p 00000000 00:00 0\n",
		"bad perms":      "10000-20000 rp 00000000 00:00 0\n",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(text))
			assert.Error(t, err)
		})
	}
}

func TestFind(t *testing.T) {
	maps, err := Parse([]byte(testMapsText))
	require.NoError(t, err)

	tests := map[string]struct {
		addr     uint64
		expected uint64 // map start, 0 for miss
	}{
		"first byte":   {addr: 0x10000, expected: 0x10000},
		"inside":       {addr: 0x25000, expected: 0x20000},
		"last byte":    {addr: 0x2ffff, expected: 0x20000},
		"gap":          {addr: 0x35000, expected: 0},
		"before first": {addr: 0xfff, expected: 0},
		"after last":   {addr: 0x7f100000, expected: 0},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mi := maps.Find(test.addr)
			if test.expected == 0 {
				assert.Nil(t, mi)
			} else {
				require.NotNil(t, mi)
				assert.Equal(t, test.expected, mi.Start)
			}
		})
	}
}

func TestRealMapLinks(t *testing.T) {
	maps, err := Parse([]byte(testMapsText))
	require.NoError(t, err)

	// Map 3 (/bin/app) skips the blank map 2 to find libc's exec map.
	app := maps.Get(3)
	prev := app.PrevRealMap()
	require.NotNil(t, prev)
	assert.Equal(t, uint64(0x20000), prev.Start)

	// Map 0 has no real predecessor.
	assert.Nil(t, maps.Get(0).PrevRealMap())

	// The blank map's next real is /bin/app.
	next := maps.Get(2).NextRealMap()
	require.NotNil(t, next)
	assert.Equal(t, uint64(0x40000), next.Start)
}

func TestSerializeRoundTrip(t *testing.T) {
	maps, err := Parse([]byte(testMapsText))
	require.NoError(t, err)

	serialized := maps.String()
	reparsed, err := Parse([]byte(serialized))
	require.NoError(t, err)

	// Round-trip up to whitespace normalization.
	normalize := func(text string) []string {
		var lines []string
		for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
			lines = append(lines, strings.Join(strings.Fields(line), " "))
		}
		return lines
	}
	assert.Equal(t, normalize(testMapsText), normalize(serialized))
	assert.Equal(t, serialized, reparsed.String())
}
