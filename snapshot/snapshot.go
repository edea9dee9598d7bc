// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot reads and writes the offline snapshot directory format:
// maps.txt in the /proc maps text format, regs.txt with one "name: HEX"
// line per register, one or more stack dumps whose first address-sized
// little-endian word is the stack base address, and optional raw memory
// region files backing a JIT descriptor.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/libpf/stringutil"
	"github.com/unwindkit/unwindkit/memio"
	"github.com/unwindkit/unwindkit/procmap"
)

// Snapshot is a loaded offline snapshot: the mappings, the thread's
// registers, and a process-memory view composed of the captured regions.
type Snapshot struct {
	Arch   libpf.Arch
	Maps   *procmap.Maps
	Regs   *libpf.Regs
	Memory *memio.Parts
}

// Load reads the snapshot in dir for the given architecture. Map names that
// resolve to files inside the snapshot directory are rewritten to those
// copies so ELF materialization finds them.
func Load(dir string, arch libpf.Arch) (*Snapshot, error) {
	if arch == libpf.ArchUnknown {
		return nil, fmt.Errorf("unknown architecture")
	}
	mapsData, err := os.ReadFile(filepath.Join(dir, "maps.txt"))
	if err != nil {
		return nil, err
	}
	maps, err := procmap.Parse(rewriteMapNames(string(mapsData), dir))
	if err != nil {
		return nil, err
	}

	regs, err := loadRegs(filepath.Join(dir, "regs.txt"), arch)
	if err != nil {
		return nil, err
	}

	mem := memio.NewParts()
	if err := loadStacks(dir, arch, mem); err != nil {
		return nil, err
	}
	if err := loadRegions(dir, mem); err != nil {
		return nil, err
	}

	return &Snapshot{Arch: arch, Maps: maps, Regs: regs, Memory: mem}, nil
}

// rewriteMapNames redirects map paths to their copies inside the snapshot
// directory, when present.
func rewriteMapNames(mapsText, dir string) []byte {
	var sb strings.Builder
	for line := range strings.Lines(mapsText) {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		var fields [6]string
		if stringutil.FieldsN(line, fields[:]) == 6 &&
			strings.HasPrefix(fields[5], "/") {
			local := filepath.Join(dir, path.Base(fields[5]))
			if _, err := os.Stat(local); err == nil {
				line = strings.Join(append(fields[:5], local), " ")
			}
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// loadRegs parses regs.txt: one register per line as "name: HEX", names
// matching the architecture's canonical set.
func loadRegs(path string, arch libpf.Arch) (*libpf.Regs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	indexByName := make(map[string]int, arch.RegisterCount())
	for i, name := range arch.RegisterNames() {
		indexByName[name] = i
	}

	regs := libpf.NewRegs(arch)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var fields [2]string
		if stringutil.SplitN(line, ":", fields[:]) != 2 {
			return nil, fmt.Errorf("unexpected register line %q", line)
		}
		name := strings.TrimSpace(fields[0])
		idx, ok := indexByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown register %q for %s", name, arch)
		}
		val, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid register value in %q", line)
		}
		regs.Set(idx, val)
	}
	return regs, scanner.Err()
}

// loadStacks reads stack.data, or stack0.data, stack1.data, ... Each file
// starts with an address-sized little-endian base address followed by the
// raw bytes of that range.
func loadStacks(dir string, arch libpf.Arch, mem *memio.Parts) error {
	names := []string{"stack.data"}
	for i := 0; ; i++ {
		name := fmt.Sprintf("stack%d.data", i)
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			break
		}
		names = append(names, name)
	}

	found := false
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		ptrSize := arch.PointerSize()
		if len(data) < ptrSize {
			return fmt.Errorf("%s too short", name)
		}
		var base uint64
		if ptrSize == 4 {
			base = uint64(binary.LittleEndian.Uint32(data))
		} else {
			base = binary.LittleEndian.Uint64(data)
		}
		mem.Add(base, data[ptrSize:])
		found = true
	}
	if !found {
		return fmt.Errorf("no stack data in snapshot")
	}
	return nil
}

// loadRegions adds the raw memory region files of JIT samples:
// descriptor.data, entry<i>.data, jit<i>.data. Each carries an 8-byte
// little-endian base address followed by the region bytes.
func loadRegions(dir string, mem *memio.Parts) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name != "descriptor.data" && !isRegionFile(name, "entry") &&
			!isRegionFile(name, "jit") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if len(data) < 8 {
			return fmt.Errorf("%s too short", name)
		}
		mem.Add(binary.LittleEndian.Uint64(data), data[8:])
	}
	return nil
}

func isRegionFile(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".data") {
		return false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".data")
	_, err := strconv.Atoi(middle)
	return err == nil
}
