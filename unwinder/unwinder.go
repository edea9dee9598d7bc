// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder drives the frame-by-frame walk: it resolves each PC to a
// mapping, selects among the unwind engines, detects signal frames, guards
// against loops, and accumulates the resulting frames.
package unwinder

import (
	"path"

	"github.com/unwindkit/unwindkit/dexfile"
	"github.com/unwindkit/unwindkit/dwarf"
	"github.com/unwindkit/unwindkit/elfx"
	"github.com/unwindkit/unwindkit/jitdebug"
	"github.com/unwindkit/unwindkit/libpf"
	"github.com/unwindkit/unwindkit/memio"
	"github.com/unwindkit/unwindkit/procmap"
	"github.com/unwindkit/unwindkit/sigframe"
)

// DefaultMaxFrames bounds an unwind when the caller does not configure one.
const DefaultMaxFrames = 512

// Config carries the caller-tunable knobs of an unwind.
type Config struct {
	// MaxFrames caps the number of frames produced.
	MaxFrames int

	// HideMaps lists map names whose frames are suppressed from output.
	HideMaps []string

	// HideSonames suppresses frames of images with a matching DT_SONAME.
	HideSonames []string

	// ResolveNames enables function-name resolution via the symbol
	// tables and the DEX resolver.
	ResolveNames bool

	// EmbedBuildIDs adds the build-id to formatted frames.
	EmbedBuildIDs bool

	// NoReturnAddressFallback disables the last-resort "caller PC is the
	// link register" step for the outermost frame.
	NoReturnAddressFallback bool
}

// Frame is one resolved call frame.
type Frame struct {
	Num int

	PC    uint64
	SP    uint64
	RelPC uint64

	MapStart  uint64
	MapEnd    uint64
	MapOffset uint64
	MapFlags  procmap.Flags
	MapName   libpf.String

	FuncName   libpf.String
	FuncOffset uint64

	IsSignal bool
}

// Unwinder holds the state of one thread's unwind.
type Unwinder struct {
	cfg      Config
	initial  *libpf.Regs
	maps     *procmap.Maps
	mem      memio.Memory
	jit      *jitdebug.Debug
	dex      *jitdebug.Debug
	dexCache *dexfile.Cache
	detector sigframe.Detector

	frames  []Frame
	lastErr libpf.Error
}

// New creates an Unwinder over a register snapshot, the process mappings,
// and a process memory view. The registers are cloned; re-running Unwind
// yields the identical frame sequence.
func New(cfg Config, regs *libpf.Regs, maps *procmap.Maps, mem memio.Memory) *Unwinder {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	return &Unwinder{
		cfg:      cfg,
		initial:  regs.Clone(),
		maps:     maps,
		mem:      mem,
		detector: sigframe.ForArch(regs.Arch()),
	}
}

// SetJitDebug configures the JIT compilation-interface reader consulted
// ahead of file-backed resolution.
func (u *Unwinder) SetJitDebug(d *jitdebug.Debug) {
	u.jit = d
}

// SetDexFiles configures the DEX descriptor reader used for symbolizing
// frames inside DEX mappings.
func (u *Unwinder) SetDexFiles(d *jitdebug.Debug) {
	u.dex = d
}

// SetDexCache shares a weak cache of realized DEX images across unwinders
// of the same process.
func (u *Unwinder) SetDexCache(cache *dexfile.Cache) {
	u.dexCache = cache
}

// dexMapFunctionName resolves a pc inside a mapping that holds a plain DEX
// image (the mapping starts with the DEX magic). Realizations are
// deduplicated through the weak cache when one is configured.
func (u *Unwinder) dexMapFunctionName(mi *procmap.MapInfo, pc uint64) (string, uint64, bool) {
	size, ok := dexfile.SizeAt(u.mem, mi.Start)
	if !ok || pc-mi.Start >= size {
		return "", 0, false
	}
	create := func() (*dexfile.File, error) {
		return dexfile.NewFromMemory(u.mem, mi.Start, size)
	}
	var f *dexfile.File
	var err error
	if u.dexCache != nil {
		f, err = u.dexCache.GetOrCreate(mi.Name(), mi.Offset, size, create)
	} else {
		f, err = create()
	}
	if err != nil {
		return "", 0, false
	}
	return f.GetFunctionName(pc - mi.Start)
}

// Frames returns the frames of the last Unwind.
func (u *Unwinder) Frames() []Frame {
	return u.frames
}

// NumFrames returns the number of frames of the last Unwind.
func (u *Unwinder) NumFrames() int {
	return len(u.frames)
}

// LastError returns the terminal error descriptor of the last Unwind.
func (u *Unwinder) LastError() libpf.Error {
	return u.lastErr
}

// pcAdjustment returns how far a return address is backed up to land inside
// the call site. The first frame, and the frame after a signal context, use
// the PC as captured.
func pcAdjustment(arch libpf.Arch, pc uint64) uint64 {
	switch arch {
	case libpf.ArchX86, libpf.ArchX86_64:
		return 1
	case libpf.ArchARM:
		if pc&1 != 0 {
			// thumb
			return 2
		}
		return 4
	case libpf.ArchARM64:
		return 4
	case libpf.ArchRiscv64:
		return 2
	default:
		return 0
	}
}

// hidden reports whether frames of the given map should be left out of the
// output.
func (u *Unwinder) hidden(mi *procmap.MapInfo, im *elfx.Image) bool {
	name := mi.Name()
	for _, hide := range u.cfg.HideMaps {
		if name == hide || path.Base(name) == hide {
			return true
		}
	}
	if im != nil && len(u.cfg.HideSonames) > 0 {
		soname := im.Soname()
		for _, hide := range u.cfg.HideSonames {
			if soname == hide {
				return true
			}
		}
	}
	return false
}

// stepOutcome is the result of one engine invocation.
type stepOutcome struct {
	stepped  bool
	finished bool
}

// stepWithImage tries the image's unwind tables in priority order:
// .eh_frame first, then .debug_frame, then the mini-debug inner
// .debug_frame, then the ARM exception index.
func (u *Unwinder) stepWithImage(im *elfx.Image, relPC uint64,
	regs *libpf.Regs) (stepOutcome, libpf.Error) {
	var engineErr libpf.Error
	tryTable := func(t *dwarf.Table) (stepOutcome, bool) {
		if t == nil || !t.ContainsPC(relPC) {
			return stepOutcome{}, false
		}
		finished, ok := t.Step(relPC, regs, u.mem)
		if !ok {
			engineErr = t.LastError()
			return stepOutcome{}, false
		}
		return stepOutcome{stepped: true, finished: finished}, true
	}

	if out, ok := tryTable(im.EhFrameTable()); ok {
		return out, engineErr
	}
	if out, ok := tryTable(im.DebugFrameTable()); ok {
		return out, engineErr
	}
	if out, ok := tryTable(im.MiniDebugFrameTable()); ok {
		return out, engineErr
	}
	if exidx := im.ExidxTable(); exidx != nil && exidx.ContainsPC(relPC) {
		finished, ok := exidx.Step(relPC, regs, u.mem)
		if ok {
			return stepOutcome{stepped: true, finished: finished}, engineErr
		}
		engineErr = exidx.LastError()
	}
	if engineErr.Code == libpf.ErrNone {
		engineErr = libpf.Error{Code: libpf.ErrUnwindInfo, Address: relPC}
	}
	return stepOutcome{}, engineErr
}

// resolveName fills the function name of a frame via the DEX resolvers for
// DEX mappings and the image symbol tables otherwise.
func (u *Unwinder) resolveName(frame *Frame, mi *procmap.MapInfo,
	im *elfx.Image, relPC, pc uint64) {
	if !u.cfg.ResolveNames {
		return
	}
	if u.dex != nil {
		if name, offset, ok := u.dex.GetFunctionName(u.maps, pc); ok {
			frame.FuncName = libpf.Intern(name)
			frame.FuncOffset = offset
			return
		}
	}
	if mi != nil && (im == nil || !im.Valid()) {
		if name, offset, ok := u.dexMapFunctionName(mi, pc); ok {
			frame.FuncName = libpf.Intern(name)
			frame.FuncOffset = offset
			return
		}
	}
	if im != nil && im.Valid() {
		if name, offset, ok := im.FunctionName(relPC); ok {
			frame.FuncName = libpf.Intern(name)
			frame.FuncOffset = offset
			return
		}
		if inner := im.MiniDebug(); inner != nil {
			if name, offset, ok := inner.FunctionName(relPC); ok {
				frame.FuncName = libpf.Intern(name)
				frame.FuncOffset = offset
			}
		}
	}
}

// Unwind walks the stack from the initial registers until termination and
// returns the frames in discovery order.
//
//nolint:gocyclo
func (u *Unwinder) Unwind() []Frame {
	u.frames = u.frames[:0]
	u.lastErr = libpf.Error{}

	regs := u.initial.Clone()
	arch := regs.Arch()
	usedRAFallback := false
	adjustPC := false
	iteration := -1

	for len(u.frames) < u.cfg.MaxFrames {
		iteration++
		pc := regs.PC()
		sp := regs.SP()

		stepPC := pc
		if adjustPC {
			stepPC -= pcAdjustment(arch, pc)
		}

		// Dynamically produced code is resolved ahead of the
		// file-backed mappings.
		var jitEntry *jitdebug.Entry
		if u.jit != nil {
			jitEntry = u.jit.Find(u.maps, stepPC)
		}

		mi := u.maps.Find(stepPC)
		if mi == nil && jitEntry == nil {
			u.frames = append(u.frames, Frame{
				Num: len(u.frames), PC: pc, SP: sp, RelPC: pc,
			})
			u.lastErr = libpf.Error{Code: libpf.ErrMapInvalid, Address: pc}
			break
		}

		var im *elfx.Image
		var relPC uint64
		switch {
		case jitEntry != nil:
			// The JIT symfile's addresses are the runtime addresses.
			im = jitEntry.Elf
			relPC = stepPC
		default:
			im = mi.GetElf(u.mem, arch)
			relPC = mi.RelPC(stepPC, u.mem)
		}

		frame := Frame{
			Num:   len(u.frames),
			PC:    pc,
			SP:    sp,
			RelPC: relPC,
		}
		if mi != nil {
			frame.MapStart = mi.Start
			frame.MapEnd = mi.End
			frame.MapOffset = mi.Offset
			frame.MapFlags = mi.Flags
			frame.MapName = libpf.Intern(mi.Name())
		} else {
			frame.MapStart = jitEntry.Addr
			frame.MapEnd = jitEntry.Addr + jitEntry.Size
		}
		u.resolveName(&frame, mi, im, relPC, stepPC)

		// Signal frames restore every register from the signal context
		// pushed on the stack; the walk continues from there.
		if im != nil && im.Valid() && u.detector != nil &&
			u.detector.Step(im, relPC, regs, u.mem) {
			frame.IsSignal = true
			if mi == nil || !u.hidden(mi, im) {
				u.frames = append(u.frames, frame)
			}
			adjustPC = false
			if regs.PC() == 0 {
				break
			}
			continue
		}

		if mi == nil || !u.hidden(mi, im) {
			u.frames = append(u.frames, frame)
		}

		var out stepOutcome
		var engineErr libpf.Error
		if im != nil && im.Valid() {
			out, engineErr = u.stepWithImage(im, relPC, regs)
		} else {
			engineErr = libpf.Error{Code: libpf.ErrUnwindInfo, Address: pc}
			if im != nil {
				engineErr.Code = libpf.ErrElfInvalid
			}
		}

		if !out.stepped {
			// Last resort at the outermost frame: assume the callee
			// did not touch the return-address register yet.
			if iteration == 0 && !usedRAFallback &&
				!u.cfg.NoReturnAddressFallback &&
				arch.RAIndex() != arch.PCIndex() {
				usedRAFallback = true
				ra := regs.RA()
				if ra == 0 || ra == pc {
					break
				}
				regs.SetPC(ra)
				adjustPC = true
				continue
			}
			u.lastErr = engineErr
			break
		}
		if out.finished {
			break
		}

		newPC := regs.PC()
		newSP := regs.SP()
		if newPC == 0 {
			break
		}
		// The stack grows downward: a caller's SP below ours, or a PC
		// that did not move, means the walk is stuck.
		if newPC == pc || newSP < sp {
			u.lastErr = libpf.Error{Code: libpf.ErrRepeatedFrame, Address: newPC}
			break
		}
		adjustPC = true
	}

	if len(u.frames) == u.cfg.MaxFrames && u.lastErr.Code == libpf.ErrNone {
		u.lastErr = libpf.Error{Code: libpf.ErrMaxFrames}
	}
	return u.frames
}
