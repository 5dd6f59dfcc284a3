// Package psignal converts between porch's wire representation of a
// signal set — a compact bitmask where bit k stands for signal k+1 — and
// the kernel's sigset_t, and answers the "which signals does this process
// currently catch" question the TERMIOS/SIGCATCH handshake needs.
package psignal

import (
	"golang.org/x/sys/unix"
)

// Mask is porch's wire form of a signal set: bit k (0-indexed) represents
// signal k+1. A uint32 covers signals 1..32, which is every
// non-realtime signal on every platform porch targets; SIGRTMIN..SIGRTMAX
// are not individually addressable over the wire.
type Mask uint32

// Set returns m with signo added; a signo outside 1..32 leaves m unchanged.
func (m Mask) Set(signo int) Mask {
	if signo < 1 || signo > 32 {
		return m
	}
	return m | (1 << uint(signo-1))
}

// Clear removes signo from m.
func (m Mask) Clear(signo int) Mask {
	if signo < 1 || signo > 32 {
		return m
	}
	return m &^ (1 << uint(signo-1))
}

// Has reports whether signo is present in m.
func (m Mask) Has(signo int) bool {
	if signo < 1 || signo > 32 {
		return false
	}
	return m&(1<<uint(signo-1)) != 0
}

// ToSigset expands m into a kernel sigset_t.
func (m Mask) ToSigset() unix.Sigset_t {
	var set unix.Sigset_t
	for signo := 1; signo <= 32; signo++ {
		if m.Has(signo) {
			sigsetAdd(&set, signo)
		}
	}
	return set
}

// FromSigset compacts a kernel sigset_t into a Mask, truncating anything
// above signal 32 (realtime signals aren't addressable over the wire).
func FromSigset(set *unix.Sigset_t) Mask {
	var m Mask
	for signo := 1; signo <= 32; signo++ {
		if sigsetIsMember(set, signo) {
			m = m.Set(signo)
		}
	}
	return m
}

// sigsetAdd and sigsetIsMember do the sigaddset/sigismember bit twiddling
// by hand over the platform's Sigset_t: x/sys/unix exposes the struct
// layout but not these helpers. Their bodies are platform-specific (see
// sigset_linux.go / sigset_darwin.go) because sigset_t's in-memory shape
// differs between a Linux 1024-bit set and a Darwin 32-bit mask.
