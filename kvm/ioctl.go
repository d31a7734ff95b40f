package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2

	kvmIO = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<dirShift | kvmIO<<typeShift | nr<<nrShift | size<<sizeShift
}

// IIO is _IO(KVMIO, nr).
func IIO(nr uintptr) uintptr {
	return ioc(dirNone, nr, 0)
}

// IIOR is _IOR(KVMIO, nr, size).
func IIOR(nr, size uintptr) uintptr {
	return ioc(dirRead, nr, size)
}

// IIOW is _IOW(KVMIO, nr, size).
func IIOW(nr, size uintptr) uintptr {
	return ioc(dirWrite, nr, size)
}

// IIOWR is _IOWR(KVMIO, nr, size).
func IIOWR(nr, size uintptr) uintptr {
	return ioc(dirRead|dirWrite, nr, size)
}

// Ioctl issues an ioctl and retries it while it is interrupted by a signal.
// KVM_RUN must not go through here, see Run.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}
