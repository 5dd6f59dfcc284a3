//go:build darwin

package porch

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

// acquireControllingTerminal makes the slave PTY fd the calling
// process's controlling terminal. The process must already be a
// session leader without one (via SysProcAttr.Setsid at re-exec time);
// this is the portable equivalent of tcsetsid, targeted by ioctl
// behavior rather than by a named libc call.
func acquireControllingTerminal(slaveFd int) error {
	return unix.IoctlSetInt(slaveFd, unix.TIOCSCTTY, 0)
}
