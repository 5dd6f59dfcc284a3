//go:build darwin

package ipc

import "golang.org/x/sys/unix"

// fdSet sets bit fd in an FdSet, matching the FD_SET macro by hand since
// x/sys/unix doesn't provide one. unix.FdSet.Bits is [32]int32 on darwin.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/32] |= 1 << (uint(fd) % 32)
}
