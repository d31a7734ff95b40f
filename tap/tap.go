// Package tap opens host TAP interfaces for virtio-net.
package tap

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var log = logger.WithSource("tap")

const ifNameSize = unix.IFNAMSIZ

var ErrNameTooLong = errors.New("tap name too long")

type Tap struct {
	fd   int
	name string
	mtu  int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// New attaches to the TAP interface name, creating it if the process may.
// The fd is non-blocking and every read returns one Ethernet frame.
func New(name string) (*Tap, error) {
	if len(name) >= ifNameSize {
		return nil, fmt.Errorf("%q: %w", name, ErrNameTooLong)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	t := &Tap{fd: fd, name: name}

	// Inside a jail the interface is normally configured by the host and the
	// process lacks CAP_NET_ADMIN, so failures here are not fatal.
	link, err := netlink.LinkByName(name)
	if err != nil {
		log.Warnf("look up link %s: %v", name, err)

		return t, nil
	}

	t.mtu = link.Attrs().MTU

	if link.Attrs().Flags&unix.IFF_UP == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			log.Warnf("bring up %s: %v", name, err)
		}
	}

	return t, nil
}

func (t *Tap) Name() string {
	return t.name
}

// MTU of the host link, zero when it could not be read.
func (t *Tap) MTU() int {
	return t.mtu
}

func (t *Tap) FD() int {
	return t.fd
}

func (t *Tap) Read(buf []byte) (int, error) {
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (t *Tap) Write(buf []byte) (int, error) {
	n, err := unix.Write(t.fd, buf)
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (t *Tap) Close() error {
	return unix.Close(t.fd)
}
