//go:build linux

package psignal

import "golang.org/x/sys/unix"

// unix.Sigset_t on Linux is a 16-word (1024-bit) []uint64 mask; signal 1
// is bit 0 of word 0.
func sigsetAdd(set *unix.Sigset_t, signo int) {
	word := (signo - 1) / 64
	bit := uint((signo - 1) % 64)
	if word < len(set.Val) {
		set.Val[word] |= 1 << bit
	}
}

func sigsetIsMember(set *unix.Sigset_t, signo int) bool {
	word := (signo - 1) / 64
	bit := uint((signo - 1) % 64)
	if word >= len(set.Val) {
		return false
	}
	return set.Val[word]&(1<<bit) != 0
}
