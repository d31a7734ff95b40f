package tap_test

import (
	"errors"
	"os"
	"testing"

	"github.com/bobuhiro11/gomicrovm/tap"
	"golang.org/x/sys/unix"
)

func newTap(t *testing.T, name string) *tap.Tap {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("creating a tap needs root")
	}

	tp, err := tap.New(name)
	if err != nil {
		t.Skipf("tap unavailable: %v", err)
	}

	t.Cleanup(func() { tp.Close() })

	return tp
}

func TestNew(t *testing.T) { // nolint:paralleltest
	tp := newTap(t, "test_tap")

	if tp.Name() != "test_tap" {
		t.Fatalf("expected: %v, actual: %v", "test_tap", tp.Name())
	}

	if tp.MTU() != 1500 {
		t.Fatalf("expected: %v, actual: %v", 1500, tp.MTU())
	}
}

func TestWrite(t *testing.T) { // nolint:paralleltest
	tp := newTap(t, "test_write")

	if _, err := tp.Write(make([]byte, 60)); err != nil {
		t.Fatal(err)
	}
}

func TestRead(t *testing.T) { // nolint:paralleltest
	tp := newTap(t, "test_read")

	// Drain whatever the kernel sent when the link came up.
	buf := make([]byte, 2048)
	for {
		_, err := tp.Read(buf)
		if errors.Is(err, unix.EAGAIN) {
			break
		}

		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestNameTooLong(t *testing.T) {
	t.Parallel()

	if _, err := tap.New("a-name-longer-than-ifnamsiz"); !errors.Is(err, tap.ErrNameTooLong) {
		t.Fatalf("expected: %v, actual: %v", tap.ErrNameTooLong, err)
	}
}
