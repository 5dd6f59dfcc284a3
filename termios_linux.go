//go:build linux

package porch

import "golang.org/x/sys/unix"

// setFlag assigns val into one of termios's four flag words. Linux's
// unix.Termios represents all four as uint32.
func setFlag(t *unix.Termios, cat FlagCategory, val uint32) {
	switch cat {
	case InputFlags:
		t.Iflag = val
	case OutputFlags:
		t.Oflag = val
	case ControlFlags:
		t.Cflag = val
	case LocalFlags:
		t.Lflag = val
	}
}
