//go:build linux

package ipc

import "golang.org/x/sys/unix"

// fdSet sets bit fd in an FdSet, matching the FD_SET macro by hand since
// x/sys/unix doesn't provide one. unix.FdSet.Bits is [16]int64 on linux.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}
