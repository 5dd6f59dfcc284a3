//go:build darwin

package porch

import "golang.org/x/sys/unix"

// setFlag assigns val into one of termios's four flag words. Darwin's
// unix.Termios represents all four as uint64.
func setFlag(t *unix.Termios, cat FlagCategory, val uint32) {
	switch cat {
	case InputFlags:
		t.Iflag = uint64(val)
	case OutputFlags:
		t.Oflag = uint64(val)
	case ControlFlags:
		t.Cflag = uint64(val)
	case LocalFlags:
		t.Lflag = uint64(val)
	}
}
