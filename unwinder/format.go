// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"fmt"
	"path"
	"strings"
)

// formatMapName derives the display name of a frame's mapping: the basename
// of a file path, the synthetic label as-is, or an anonymous marker.
func formatMapName(frame *Frame) string {
	name := frame.MapName.String()
	switch {
	case name == "":
		return fmt.Sprintf("<anonymous:%x>", frame.MapStart)
	case strings.HasPrefix(name, "["), strings.HasPrefix(name, "<"):
		return name
	default:
		return path.Base(name)
	}
}

// FormatFrame renders one frame in the standard form
//
//	#NN pc OFFSET  MAP_NAME (FUNC+DELTA) (BuildId: HEX)
//
// with the offset printed at the architecture's pointer width.
func (u *Unwinder) FormatFrame(frame *Frame) string {
	width := 2 * u.initial.Arch().PointerSize()
	line := fmt.Sprintf("  #%02d pc %0*x  %s", frame.Num, width, frame.RelPC,
		formatMapName(frame))

	if !frame.FuncName.IsEmpty() {
		if frame.FuncOffset != 0 {
			line += fmt.Sprintf(" (%s+%d)", frame.FuncName, frame.FuncOffset)
		} else {
			line += fmt.Sprintf(" (%s)", frame.FuncName)
		}
	}

	if u.cfg.EmbedBuildIDs {
		if mi := u.maps.Find(frame.PC); mi != nil {
			if id := mi.GetBuildID(u.mem); id != "" {
				line += fmt.Sprintf(" (BuildId: %s)", id)
			}
		}
	}
	return line
}

// FormatFrames renders every frame of the last unwind, one per line.
func (u *Unwinder) FormatFrames() []string {
	lines := make([]string, 0, len(u.frames))
	for i := range u.frames {
		lines = append(lines, u.FormatFrame(&u.frames[i]))
	}
	return lines
}
