// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package procmap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/libpf/stringutil"
)

// Maps is the ordered set of mappings covering a process. Mappings are
// created once by the parser and live for the duration of the Maps; they do
// not overlap and are sorted by start address.
type Maps struct {
	entries  []*MapInfo
	elfCache *ElfCache
}

// New returns an empty Maps for synthetic construction.
func New() *Maps {
	return &Maps{}
}

// SetElfCache opts the Maps into a process-wide ELF cache shared across
// mappings (and possibly other Maps of the same process).
func (m *Maps) SetElfCache(cache *ElfCache) {
	m.elfCache = cache
}

// Add appends a mapping. Mappings must be added in ascending start order;
// Finalize links them.
func (m *Maps) Add(start, end, offset uint64, flags Flags, name string) *MapInfo {
	mi := &MapInfo{
		Start:    start,
		End:      end,
		Offset:   offset,
		Flags:    flags,
		name:     libpf.Intern(name),
		index:    len(m.entries),
		prevReal: noLink,
		nextReal: noLink,
		maps:     m,
	}
	mi.elfStartOffset = offset
	mi.loadBias.Store(loadBiasUnset)
	m.entries = append(m.entries, mi)
	return mi
}

// Finalize sorts the mappings and computes the prev/next "real" links that
// skip anonymous gap entries.
func (m *Maps) Finalize() {
	sort.Slice(m.entries, func(i, j int) bool {
		return m.entries[i].Start < m.entries[j].Start
	})
	lastReal := noLink
	for i, mi := range m.entries {
		mi.index = i
		mi.prevReal = lastReal
		if !mi.IsBlank() {
			lastReal = i
		}
	}
	nextReal := noLink
	for i := len(m.entries) - 1; i >= 0; i-- {
		mi := m.entries[i]
		mi.nextReal = nextReal
		if !mi.IsBlank() {
			nextReal = i
		}
	}
}

// Len returns the number of mappings.
func (m *Maps) Len() int {
	return len(m.entries)
}

// Get returns mapping number i.
func (m *Maps) Get(i int) *MapInfo {
	if i < 0 || i >= len(m.entries) {
		return nil
	}
	return m.entries[i]
}

// Find locates the mapping containing addr in O(log n).
func (m *Maps) Find(addr uint64) *MapInfo {
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].End > addr
	})
	if idx == len(m.entries) || addr < m.entries[idx].Start {
		return nil
	}
	return m.entries[idx]
}

// parseFlags decodes the rwxp permission column.
func parseFlags(perms string) (Flags, error) {
	if len(perms) != 4 {
		return 0, fmt.Errorf("invalid permissions %q", perms)
	}
	var flags Flags
	if perms[0] == 'r' {
		flags |= FlagRead
	}
	if perms[1] == 'w' {
		flags |= FlagWrite
	}
	if perms[2] == 'x' {
		flags |= FlagExec
	}
	if perms[3] == 's' {
		flags |= FlagShared
	}
	return flags, nil
}

// ParseLine parses a single line of the /proc/<pid>/maps text format:
// START-END PERMS OFFSET DEV INO PATH.
func (m *Maps) ParseLine(line string) error {
	var fields [6]string
	n := stringutil.FieldsN(line, fields[:])
	if n < 5 {
		return fmt.Errorf("unexpected mapping line %q", line)
	}

	var addrs [2]string
	if stringutil.SplitN(fields[0], "-", addrs[:]) != 2 {
		return fmt.Errorf("invalid address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return fmt.Errorf("invalid start address %q", addrs[0])
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return fmt.Errorf("invalid end address %q", addrs[1])
	}
	if end <= start {
		return fmt.Errorf("mapping %q end not above start", fields[0])
	}
	flags, err := parseFlags(fields[1])
	if err != nil {
		return err
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q", fields[2])
	}
	name := ""
	if n == 6 {
		name = strings.TrimSuffix(fields[5], " (deleted)")
	}
	m.Add(start, end, offset, flags, name)
	return nil
}

// Parse builds a Maps from a buffer in the /proc/<pid>/maps text format.
func Parse(data []byte) (*Maps, error) {
	m := New()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 256), 8192)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := m.ParseLine(line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	m.Finalize()
	return m, nil
}

// ParseFile builds a Maps from a maps.txt file (or /proc/<pid>/maps).
func ParseFile(path string) (*Maps, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// ParseProc builds a Maps for a live process.
func ParseProc(pid libpf.PID) (*Maps, error) {
	return ParseFile(fmt.Sprintf("/proc/%d/maps", pid))
}

// WriteTo re-serializes the mappings in the parsed text format.
func (m *Maps) WriteTo(w io.Writer) error {
	for _, mi := range m.entries {
		line := fmt.Sprintf("%x-%x %s %08x 00:00 0", mi.Start, mi.End,
			mi.Flags, mi.Offset)
		if name := mi.Name(); name != "" {
			line += " " + name
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maps) String() string {
	var sb strings.Builder
	_ = m.WriteTo(&sb)
	return sb.String()
}
