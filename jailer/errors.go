package jailer

import (
	"errors"
	"fmt"
)

// Step names a stage of jailing. Its value is the exit status the jailer
// reports when that stage fails.
type Step int

const (
	StepArgument Step = iota + 10
	StepID
	StepExecFile
	StepChrootDir
	StepLock
	StepCopy
	StepMknod
	StepChown
	StepNUMANode
	StepCgroup
	StepNetNS
	StepDaemonize
	StepChroot
	StepCapabilities
	StepSetGID
	StepSetUID
	StepExec
)

var stepNames = map[Step]string{
	StepArgument:     "parsing arguments",
	StepID:           "validating id",
	StepExecFile:     "resolving exec file",
	StepChrootDir:    "creating chroot dir",
	StepLock:         "locking instance dir",
	StepCopy:         "copying exec file",
	StepMknod:        "creating device node",
	StepChown:        "changing owner",
	StepNUMANode:     "reading NUMA node",
	StepCgroup:       "setting up cgroup",
	StepNetNS:        "joining network namespace",
	StepDaemonize:    "daemonizing",
	StepChroot:       "entering chroot",
	StepCapabilities: "dropping capabilities",
	StepSetGID:       "setting gid",
	StepSetUID:       "setting uid",
	StepExec:         "executing VMM",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}

	return fmt.Sprintf("step %d", int(s))
}

// ExitCode is the process status for a failure at s.
func (s Step) ExitCode() int { return int(s) }

var (
	ErrAlreadyRunning = errors.New("another jailer holds the instance dir")
	ErrNotRegular     = errors.New("not a regular file")
)

// Error is a failure at one step, optionally about one path.
type Error struct {
	Step Step
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Path, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(step Step, path string, err error) error {
	return &Error{Step: step, Path: path, Err: err}
}

// ExitCode maps err to the jailer's exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Step.ExitCode()
	}

	return 1
}
