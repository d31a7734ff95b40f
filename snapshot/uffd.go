package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/memory"
	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// userfaultfd ioctls for amd64, from linux/userfaultfd.h.
const (
	uffdAPI = 0xaa

	// _IOWR(0xAA, 0x3F, struct uffdio_api), sizeof = 24.
	uffdioAPI = 0xc018aa3f
	// _IOWR(0xAA, 0x00, struct uffdio_register), sizeof = 32.
	uffdioRegister = 0xc020aa00

	uffdioRegisterModeMissing = 1
)

var (
	ErrUffd        = errors.New("userfaultfd")
	ErrUffdHandler = errors.New("page fault handler unreachable")
)

type uffdioAPIArg struct {
	api      uint64
	features uint64
	ioctls   uint64
}

var _ [24]byte = [unsafe.Sizeof(uffdioAPIArg{})]byte{}

type uffdioRegisterArg struct {
	start  uint64
	len    uint64
	mode   uint64
	ioctls uint64
}

var _ [32]byte = [unsafe.Sizeof(uffdioRegisterArg{})]byte{}

// Uffd is a userfaultfd covering all of guest memory. Missing pages are
// served by an external handler that owns the memory file.
type Uffd struct {
	fd int
}

// NewUffd creates the userfaultfd, negotiates the API and registers every
// region of mem for missing-page faults.
func NewUffd(mem *memory.GuestMemory) (*Uffd, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("%w: create: %w", ErrUffd, errno)
	}

	u := &Uffd{fd: int(fd)}

	api := uffdioAPIArg{api: uffdAPI}
	if err := u.ioctl(uffdioAPI, unsafe.Pointer(&api)); err != nil {
		u.Close()

		return nil, fmt.Errorf("%w: UFFDIO_API: %w", ErrUffd, err)
	}

	for _, m := range mem.Mappings() {
		reg := uffdioRegisterArg{
			start: m.BaseHostVirtAddr,
			len:   m.Size,
			mode:  uffdioRegisterModeMissing,
		}

		if err := u.ioctl(uffdioRegister, unsafe.Pointer(&reg)); err != nil {
			u.Close()

			return nil, fmt.Errorf("%w: UFFDIO_REGISTER %#x+%#x: %w", ErrUffd, m.BaseHostVirtAddr, m.Size, err)
		}
	}

	return u, nil
}

func (u *Uffd) ioctl(req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.fd), req, uintptr(arg)); errno != 0 {
		return errno
	}

	return nil
}

func (u *Uffd) FD() int {
	return u.fd
}

// Send hands the region layout and the userfaultfd to the handler listening
// on socketPath. The handler may still be starting, so the dial is retried
// with exponential backoff for a few seconds.
func (u *Uffd) Send(socketPath string, mappings []memory.GuestRegionUffdMapping) error {
	body, err := json.Marshal(mappings)
	if err != nil {
		return err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var conn *net.UnixConn

	err = backoff.Retry(func() error {
		c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
		if err != nil {
			log.Debugf("dial %s: %v", socketPath, err)

			return err
		}

		conn = c

		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUffdHandler, socketPath, err)
	}
	defer conn.Close()

	if _, _, err := conn.WriteMsgUnix(body, unix.UnixRights(u.fd), nil); err != nil {
		return fmt.Errorf("%w: send to %s: %w", ErrUffdHandler, socketPath, err)
	}

	log.Infof("userfaultfd and %d regions sent to %s", len(mappings), socketPath)

	return nil
}

func (u *Uffd) Close() error {
	if u.fd < 0 {
		return nil
	}

	err := unix.Close(u.fd)
	u.fd = -1

	return err
}
