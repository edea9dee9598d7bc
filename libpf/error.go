// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import "fmt"

// ErrorCode classifies why an unwind, or a single engine operation, failed.
type ErrorCode uint8

const (
	// ErrNone means no error occurred.
	ErrNone ErrorCode = iota
	// ErrMemoryInvalid means a byte range could not be read.
	ErrMemoryInvalid
	// ErrElfInvalid means the ELF magic, class or machine check failed, or
	// the ELF was invalidated due to an architecture mismatch.
	ErrElfInvalid
	// ErrUnwindInfo means no unwind table covers the target PC, or the
	// encoding is malformed.
	ErrUnwindInfo
	// ErrUnsupported means a required opcode, pointer encoding or machine
	// is not implemented.
	ErrUnsupported
	// ErrMapInvalid means the PC is not in any known mapping.
	ErrMapInvalid
	// ErrMaxFrames means the frame cap was reached before natural
	// termination.
	ErrMaxFrames
	// ErrRepeatedFrame means the loop guard tripped: PC or SP did not
	// progress between frames.
	ErrRepeatedFrame
	// ErrInvalidParameters means the caller supplied inconsistent inputs.
	ErrInvalidParameters
	// ErrThreadTimeout is reported by local-process helpers only.
	ErrThreadTimeout
	// ErrThreadUnknown is reported by local-process helpers only.
	ErrThreadUnknown
)

func (ec ErrorCode) String() string {
	switch ec {
	case ErrNone:
		return "none"
	case ErrMemoryInvalid:
		return "invalid memory"
	case ErrElfInvalid:
		return "invalid elf"
	case ErrUnwindInfo:
		return "unwind info"
	case ErrUnsupported:
		return "unsupported"
	case ErrMapInvalid:
		return "invalid map"
	case ErrMaxFrames:
		return "max frames"
	case ErrRepeatedFrame:
		return "repeated frame"
	case ErrInvalidParameters:
		return "invalid parameters"
	case ErrThreadTimeout:
		return "thread timeout"
	case ErrThreadUnknown:
		return "thread unknown"
	default:
		return fmt.Sprintf("unknown error code %d", uint8(ec))
	}
}

// Error carries an error code plus the byte offset or PC at which the
// condition was detected. The engines record it in a last-error slot rather
// than propagating it up the call chain.
type Error struct {
	Code    ErrorCode
	Address uint64
}

func (e Error) String() string {
	if e.Address == 0 {
		return e.Code.String()
	}
	return fmt.Sprintf("%s at 0x%x", e.Code, e.Address)
}
