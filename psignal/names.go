package psignal

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// sigIgn is SIG_IGN's value on every platform porch targets (Linux,
// Darwin, the BSDs): 1.
const sigIgn = 1

// isIgnored reports whether signo's current disposition is SIG_IGN,
// querying without altering it (oldact-only Sigaction call, the same
// technique porch_fetch_sigcaught uses via sigaction(signo, NULL, &act)).
// known is false when the signal number can't be queried on this
// platform (out of range, or blocked from inspection), mirroring the
// original's "pretend it's caught" fallback in FetchCaught.
func isIgnored(signo int) (ignored bool, known bool) {
	var act unix.Sigaction
	if err := unix.Sigaction(signo, nil, &act); err != nil {
		return false, false
	}
	return act.Handler == sigIgn, true
}

// sigmax caches the result of probing this platform's usable signal
// range, computed once on first use.
var sigmax = -1

// Max returns one past the highest signal number porch will consider,
// mirroring porch_sigmax: on most platforms this is simply NSIG-
// equivalent (Go's last defined syscall.Signal plus the realtime range),
// but some platforms have usable signals above their nominal NSIG. Max
// is not clamped to the Mask range (the probe can return up to 129);
// Mask only records signals 1..32 and ignores higher numbers.
func Max() int {
	if sigmax < 0 {
		sigmax = probeSigmax()
	}
	return sigmax
}

// probeSigmax walks upward from a known-good signal number until
// querying its disposition fails, the direct analog of porch_sigmax's
// sigismember probing loop.
func probeSigmax() int {
	const startAt = 32 // generous: covers every named, non-realtime signal
	n := startAt
	for {
		var act unix.Sigaction
		if err := unix.Sigaction(n, nil, &act); err != nil {
			return n
		}
		n++
		if n > 128 {
			// Safety valve: never probe past a platform's plausible
			// realtime signal ceiling.
			return n
		}
	}
}

// names is the static table of POSIX signal names porch reports for
// diagnostics; unlike asking the platform's libc for
// sys_signame/sigabbrev_np at runtime, Go has no
// portable equivalent, so this lists the signals common to every
// platform porch targets. Signal numbers beyond this table report as
// "SIG<n>".
var names = map[int]string{
	int(unix.SIGHUP):    "HUP",
	int(unix.SIGINT):    "INT",
	int(unix.SIGQUIT):   "QUIT",
	int(unix.SIGILL):    "ILL",
	int(unix.SIGTRAP):   "TRAP",
	int(unix.SIGABRT):   "ABRT",
	int(unix.SIGFPE):    "FPE",
	int(unix.SIGKILL):   "KILL",
	int(unix.SIGBUS):    "BUS",
	int(unix.SIGSEGV):   "SEGV",
	int(unix.SIGPIPE):   "PIPE",
	int(unix.SIGALRM):   "ALRM",
	int(unix.SIGTERM):   "TERM",
	int(unix.SIGUSR1):   "USR1",
	int(unix.SIGUSR2):   "USR2",
	int(unix.SIGCHLD):   "CHLD",
	int(unix.SIGCONT):   "CONT",
	int(unix.SIGSTOP):   "STOP",
	int(unix.SIGTSTP):   "TSTP",
	int(unix.SIGTTIN):   "TTIN",
	int(unix.SIGTTOU):   "TTOU",
	int(unix.SIGURG):    "URG",
	int(unix.SIGXCPU):   "XCPU",
	int(unix.SIGXFSZ):   "XFSZ",
	int(unix.SIGVTALRM): "VTALRM",
	int(unix.SIGPROF):   "PROF",
	int(unix.SIGWINCH):  "WINCH",
	int(unix.SIGIO):     "IO",
	int(unix.SIGSYS):    "SYS",
}

// Name returns signo's short POSIX name (without the SIG prefix), or
// "SIG<n>" if this table doesn't recognize it.
func Name(signo int) string {
	if n, ok := names[signo]; ok {
		return n
	}
	return "SIG" + strconv.Itoa(signo)
}
