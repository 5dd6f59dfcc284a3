//go:build darwin

package psignal

import "golang.org/x/sys/unix"

// unix.Sigset_t on Darwin is a single 32-bit mask (sigset_t is
// __uint32_t); signal 1 is bit 0.
func sigsetAdd(set *unix.Sigset_t, signo int) {
	*set |= 1 << uint(signo-1)
}

func sigsetIsMember(set *unix.Sigset_t, signo int) bool {
	return *set&(1<<uint(signo-1)) != 0
}
