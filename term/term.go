// Package term switches the host terminal feeding the guest console into
// raw mode.
package term

import (
	"golang.org/x/term"
)

// IsTerminal reports whether fd is a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// SetRawMode puts fd into raw mode so that every key press reaches the guest
// unprocessed. The returned function restores the previous settings.
func SetRawMode(fd int) (func(), error) {
	old, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = term.Restore(fd, old)
	}, nil
}
