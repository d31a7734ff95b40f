// Package seccomp builds and installs the syscall filter of the VMM process.
package seccomp

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/logger"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

var log = logger.WithSource("seccomp")

// Level selects how strict the filter is.
type Level int

const (
	// LevelNone installs no filter.
	LevelNone Level = iota
	// LevelBasic allows a fixed set of syscall numbers.
	LevelBasic
	// LevelAdvanced also checks the arguments of some syscalls.
	LevelAdvanced
)

var (
	ErrLevel       = errors.New("seccomp level must be 0, 1 or 2")
	ErrArgument    = errors.New("syscall argument index out of range")
	ErrRuleTooLong = errors.New("seccomp rule does not fit in a BPF jump")
	ErrTooLong     = errors.New("seccomp program exceeds the kernel limit")
)

func ParseLevel(n int) (Level, error) {
	if n < int(LevelNone) || n > int(LevelAdvanced) {
		return 0, fmt.Errorf("%w: %d", ErrLevel, n)
	}

	return Level(n), nil
}

// Op is the comparison a Cond performs.
type Op int

const (
	// Eq compares the whole 64-bit argument.
	Eq Op = iota
	// MaskedEq compares the argument after and-ing it with Mask.
	MaskedEq
)

// Cond checks one syscall argument.
type Cond struct {
	Arg   int
	Op    Op
	Value uint64
	Mask  uint64
}

// Rule matches when every condition holds. An empty rule always matches.
type Rule []Cond

// Filter maps a syscall number to the rules that allow it. A syscall with no
// rules is allowed unconditionally; a syscall missing from the map kills the
// process.
type Filter map[uintptr][]Rule

const (
	dataNR       = 0
	dataArch     = 4
	dataArgs     = 16
	dataArgSize  = 8
	maxArgs      = 6
	maxInsns     = 4096
	condEqLen    = 4
	condMaskLen  = 6
	maxSkipShort = 255
)

// From linux/seccomp.h.
const (
	setModeFilter   = 1
	filterFlagTSync = 1
	retAllow        = 0x7fff0000
	retKillProc     = 0x80000000
)

// argOffsets returns where the low and high words of argument n live in
// struct seccomp_data on a little endian host.
func argOffsets(n int) (lo, hi uint32) {
	lo = uint32(dataArgs + n*dataArgSize)

	return lo, lo + 4
}

func (c Cond) len() int {
	if c.Op == MaskedEq {
		return condMaskLen
	}

	return condEqLen
}

// program emits c; on mismatch it skips skip instructions past its end.
func (c Cond) program(skip int) ([]bpf.Instruction, error) {
	if c.Arg < 0 || c.Arg >= maxArgs {
		return nil, fmt.Errorf("%w: %d", ErrArgument, c.Arg)
	}

	lo, hi := argOffsets(c.Arg)
	v := c.Value

	if c.Op == MaskedEq {
		v &= c.Mask

		if skip+3 > maxSkipShort {
			return nil, ErrRuleTooLong
		}

		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: hi, Size: 4},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: uint32(c.Mask >> 32)},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(v >> 32), SkipFalse: uint8(skip + 3)},
			bpf.LoadAbsolute{Off: lo, Size: 4},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: uint32(c.Mask)},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(v), SkipFalse: uint8(skip)},
		}, nil
	}

	if skip+2 > maxSkipShort {
		return nil, ErrRuleTooLong
	}

	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: hi, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(v >> 32), SkipFalse: uint8(skip + 2)},
		bpf.LoadAbsolute{Off: lo, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(v), SkipFalse: uint8(skip)},
	}, nil
}

// program emits the conditions of r followed by an allow. A failed condition
// falls through to whatever follows the rule.
func (r Rule) program() ([]bpf.Instruction, error) {
	rest := 1
	for _, c := range r {
		rest += c.len()
	}

	var out []bpf.Instruction

	for _, c := range r {
		rest -= c.len()

		insns, err := c.program(rest)
		if err != nil {
			return nil, err
		}

		out = append(out, insns...)
	}

	return append(out, bpf.RetConstant{Val: retAllow}), nil
}

// Program assembles f into a classic BPF program for SECCOMP_SET_MODE_FILTER.
func (f Filter) Program() ([]bpf.RawInstruction, error) {
	insns := []bpf.Instruction{
		bpf.LoadAbsolute{Off: dataArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArch, SkipTrue: 1},
		bpf.RetConstant{Val: retKillProc},
		bpf.LoadAbsolute{Off: dataNR, Size: 4},
	}

	nrs := make([]uintptr, 0, len(f))
	for nr := range f {
		nrs = append(nrs, nr)
	}

	slices.Sort(nrs)

	for _, nr := range nrs {
		var block []bpf.Instruction

		if len(f[nr]) == 0 {
			block = []bpf.Instruction{bpf.RetConstant{Val: retAllow}}
		} else {
			for _, r := range f[nr] {
				ri, err := r.program()
				if err != nil {
					return nil, fmt.Errorf("syscall %d: %w", nr, err)
				}

				block = append(block, ri...)
			}

			// The accumulator no longer holds the syscall number.
			block = append(block, bpf.RetConstant{Val: retKillProc})
		}

		insns = append(insns,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipTrue: 1},
			bpf.Jump{Skip: uint32(len(block))},
		)
		insns = append(insns, block...)
	}

	insns = append(insns, bpf.RetConstant{Val: retKillProc})

	if len(insns) > maxInsns {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLong, len(insns))
	}

	return bpf.Assemble(insns)
}

// Install applies the filter for level to every thread of the process.
func Install(level Level) error {
	if level == LevelNone {
		log.Warn("running without a seccomp filter")

		return nil
	}

	raw, err := Policy(level).Program()
	if err != nil {
		return err
	}

	prog := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		prog[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("PR_SET_NO_NEW_PRIVS: %w", err)
	}

	fprog := unix.SockFprog{Len: uint16(len(prog)), Filter: &prog[0]}

	tid, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		setModeFilter, filterFlagTSync, uintptr(unsafe.Pointer(&fprog)))
	runtime.KeepAlive(prog)

	if errno != 0 {
		return fmt.Errorf("seccomp: %w", errno)
	}

	if tid != 0 {
		return fmt.Errorf("seccomp: thread %d could not be synchronized", tid)
	}

	log.Infof("installed level %d filter, %d instructions", level, len(prog))

	return nil
}
