package psignal

import (
	"golang.org/x/sys/unix"
)

// uncatchable mirrors porch_sig_uncatchable: SIGKILL and SIGSTOP cannot
// have a disposition, so they never appear in a "caught" set.
func uncatchable(signo int) bool {
	switch signo {
	case int(unix.SIGKILL), int(unix.SIGSTOP):
		return true
	default:
		return false
	}
}

// FetchCaught returns the set of signals whose current disposition in
// the calling process is not SIG_IGN: a default disposition and an
// installed handler both count as caught. SIGKILL and SIGSTOP are never
// included, and only signals 1..32 can appear in the returned Mask.
//
// A signal whose disposition can't be queried (rather than failing the
// whole call) is conservatively reported as caught: porch itself never
// acts on the result beyond reporting it, and the caller is better
// placed to know what their platform actually supports.
func FetchCaught() Mask {
	var caught Mask
	max := Max()
	for signo := 1; signo < max; signo++ {
		if uncatchable(signo) {
			continue
		}
		ignored, known := isIgnored(signo)
		if !known {
			caught = caught.Set(signo)
			continue
		}
		if !ignored {
			caught = caught.Set(signo)
		}
	}
	return caught
}

// ApplyMask overlays applyMask onto current: when complement is false,
// every signal set in applyMask is added to current ("block these
// too"); when true, every signal set in applyMask is removed from
// current ("unblock these"), so a blocked-signal set can be adjusted in
// either direction without computing a complement set. The SETMASK
// handler does not call it: it installs the received mask as-is.
//
// porch_signals.c's surviving porch_mask_apply body iterates its own
// target set rather than applymask, which would make applymask a no-op;
// nothing in the surviving sources calls it, so there's no way to
// confirm that wasn't simply a stale comment/parameter. This rewrite
// implements the reading that makes SETMASK do something useful:
// applyMask names which signals to add or remove, not the threshold for
// which already-blocked signals to touch.
func ApplyMask(current, applyMask Mask, complement bool) Mask {
	if complement {
		return current &^ applyMask
	}
	return current | applyMask
}
