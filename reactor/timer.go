package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a timerfd registered like any other fd.
type Timer struct {
	fd int
}

// NewTimer creates a timer firing every interval. A zero interval leaves it
// disarmed.
func NewTimer(interval time.Duration) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}

	t := &Timer{fd: fd}

	if interval > 0 {
		if err := t.Arm(interval, interval); err != nil {
			t.Close()

			return nil, err
		}
	}

	return t, nil
}

func (t *Timer) FD() int {
	return t.fd
}

// Arm fires first after initial, then every interval (0 means once).
func (t *Timer) Arm(initial, interval time.Duration) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}

	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *Timer) Disarm() error {
	return t.Arm(0, 0)
}

// Read returns the expirations since the previous read, 0 if none.
func (t *Timer) Read() (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(t.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	if n != len(buf) {
		return 0, fmt.Errorf("short timerfd read: %d", n)
	}

	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
