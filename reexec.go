package porch

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"porch/ipc"
	"porch/psignal"
)

// childSentinel is argv[1] of the re-exec'd process. A program that
// calls porch.Spawn must call porch.Init() at the very top of main,
// before any flag parsing or other argv-dependent work, the same way
// Docker-style reexec libraries require Init() first: if this process
// is the re-exec'd pre-exec child, Init() runs the full handshake and
// never returns.
const childSentinel = "porch-child-exec"

// Init recognizes and services a re-exec'd pre-exec child invocation.
// Callers that embed porch must call this first thing in main(); it is
// a no-op (returns immediately) for every other invocation of the
// binary.
func Init() {
	if len(os.Args) < 2 || os.Args[1] != childSentinel {
		return
	}
	runChild() // never returns: either execs the target or os.Exit(1)s
}

// reexecArgs builds the argv for the parent's re-exec call: self,
// sentinel, "--", then the target command's own argv.
func reexecArgs(exe string, targetArgv []string) []string {
	args := make([]string, 0, len(targetArgv)+3)
	args = append(args, exe, childSentinel, "--")
	args = append(args, targetArgv...)
	return args
}

// runChild is the pre-exec handshake: fd 3 is the control socket, fd 4
// the already-open PTY slave (both passed via ExtraFiles by the parent).
// Runs entirely inside the re-exec'd child before the target image
// replaces it.
func runChild() {
	ch := ipc.New(3)
	slaveFd := 4

	if err := acquireControllingTerminal(slaveFd); err != nil {
		childFail(ch, fmt.Errorf("acquire controlling terminal: %w", err))
	}
	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup2(slaveFd, fd); err != nil {
			childFail(ch, fmt.Errorf("dup2 slave onto fd %d: %w", fd, err))
		}
	}
	if slaveFd > 2 {
		unix.Close(slaveFd)
	}

	var initial unix.Termios
	if t, err := unix.IoctlGetTermios(0, ioctlGetTermios); err == nil {
		initial = *t
	} else {
		childFail(ch, fmt.Errorf("query initial termios: %w", err))
	}

	// The parent may have installed a SIGINT handler; it must not
	// follow the child across exec.
	signal.Reset(syscall.SIGINT)

	cs := &childState{ch: ch, termios: initial, env: os.Environ()}
	ch.Register(ipc.TermiosInquiry, cs.onTermiosInquiry, nil)
	ch.Register(ipc.TermiosSet, cs.onTermiosSet, nil)
	ch.Register(ipc.EnvSetup, cs.onEnvSetup, nil)
	ch.Register(ipc.Chdir, cs.onChdir, nil)
	ch.Register(ipc.SetMask, cs.onSetMask, nil)
	ch.Register(ipc.SigCatch, cs.onSigCatch, nil)
	ch.Register(ipc.SetID, cs.onSetID, nil)
	ch.Register(ipc.SetGroups, cs.onSetGroups, nil)

	if err := ch.SendNoData(ipc.Release); err != nil {
		childFail(ch, fmt.Errorf("send ready RELEASE: %w", err))
	}

	for {
		msg, err := ch.Recv()
		if err != nil {
			// Peer (parent) went away before releasing us: nothing
			// sensible to do but exit.
			os.Exit(1)
		}
		if msg.Tag == ipc.Release {
			break
		}
	}

	ch.Close()

	targetArgv := targetArgvFromOSArgs()
	if len(targetArgv) == 0 {
		os.Exit(1)
	}
	path, err := resolvePath(targetArgv[0])
	if err != nil {
		os.Exit(127)
	}
	if err := syscall.Exec(path, targetArgv, cs.env); err != nil {
		os.Exit(126)
	}
}

func targetArgvFromOSArgs() []string {
	for i, a := range os.Args {
		if a == "--" {
			return os.Args[i+1:]
		}
	}
	return nil
}

// childFail reports a pre-exec failure over IPC (tag Error) and exits,
// mirroring "Any pre-exec failure is reported over IPC as an ERROR
// message (string payload) followed by _exit(1)".
func childFail(ch *ipc.Channel, err error) {
	_ = ch.Send(ipc.Error, []byte(err.Error()))
	os.Exit(1)
}

// childState holds the pre-exec handshake's mutable state: the termios
// mirror TERMIOS_SET/TERMIOS_INQUIRY operate on, and the environment
// ENV_SETUP builds up for the eventual exec.
type childState struct {
	ch      *ipc.Channel
	termios unix.Termios
	env     []string
}

func (cs *childState) onTermiosInquiry(ch *ipc.Channel, msg ipc.Message, _ any) error {
	return ch.Send(ipc.TermiosSet, encodeTermios(&cs.termios))
}

func (cs *childState) onTermiosSet(ch *ipc.Channel, msg ipc.Message, _ any) error {
	if err := decodeTermios(msg.Payload, &cs.termios); err != nil {
		return err
	}
	if err := unix.IoctlSetTermios(0, ioctlSetTermios, &cs.termios); err != nil {
		// Non-fatal and not reported: TERMIOS_ACK carries no payload.
	}
	return ch.SendNoData(ipc.TermiosAck)
}

func (cs *childState) onEnvSetup(ch *ipc.Channel, msg ipc.Message, _ any) error {
	setup, err := decodeEnvSetup(msg.Payload)
	if err != nil {
		return err
	}
	cs.env = setup.apply(cs.env)
	return ackErrno(ch, ipc.EnvAck, nil)
}

func (cs *childState) onChdir(ch *ipc.Channel, msg ipc.Message, _ any) error {
	dir := nulTerminatedString(msg.Payload)
	err := unix.Chdir(dir)
	return ackErrno(ch, ipc.ChdirAck, err)
}

func (cs *childState) onSetMask(ch *ipc.Channel, msg ipc.Message, _ any) error {
	if len(msg.Payload) < 4 {
		return ackErrno(ch, ipc.SetMaskAck, fmt.Errorf("short SETMASK payload"))
	}
	mask := psignal.Mask(binary.LittleEndian.Uint32(msg.Payload[0:4]))
	set := mask.ToSigset()
	err := unix.PthreadSigmask(unix.SIG_SETMASK, &set, nil)
	return ackErrno(ch, ipc.SetMaskAck, err)
}

func (cs *childState) onSigCatch(ch *ipc.Channel, msg ipc.Message, _ any) error {
	mask, catch, err := decodeSigCatch(msg.Payload)
	if err != nil {
		return ackErrno(ch, ipc.SigCatchAck, err)
	}
	for signo := 1; signo <= 32; signo++ {
		if !mask.Has(signo) {
			continue
		}
		sig := syscall.Signal(signo)
		if catch {
			signal.Reset(sig)
		} else {
			signal.Ignore(sig)
		}
	}
	return ackErrno(ch, ipc.SigCatchAck, nil)
}

func (cs *childState) onSetID(ch *ipc.Channel, msg ipc.Message, _ any) error {
	if len(msg.Payload) < 8 {
		return ackErrno(ch, ipc.SetIDAck, fmt.Errorf("short SETID payload"))
	}
	gid := binary.LittleEndian.Uint32(msg.Payload[4:8])
	uid := binary.LittleEndian.Uint32(msg.Payload[0:4])
	// gid before uid: once uid is dropped to non-root, setgid(2) would fail.
	if err := unix.Setgid(int(gid)); err != nil {
		return ackErrno(ch, ipc.SetIDAck, err)
	}
	err := unix.Setuid(int(uid))
	return ackErrno(ch, ipc.SetIDAck, err)
}

func (cs *childState) onSetGroups(ch *ipc.Channel, msg ipc.Message, _ any) error {
	gids, err := decodeGIDList(msg.Payload)
	if err != nil {
		return ackErrno(ch, ipc.SetGroupsAck, err)
	}
	err = unix.Setgroups(gidsToInt(gids))
	return ackErrno(ch, ipc.SetGroupsAck, err)
}

func gidsToInt(gids []uint32) []int {
	out := make([]int, len(gids))
	for i, g := range gids {
		out[i] = int(g)
	}
	return out
}

// ackErrno sends a 4-byte little-endian errno (0 on success) for the
// *_ACK tags the child uses to report a non-fatal pre-exec action
// failure.
func ackErrno(ch *ipc.Channel, tag ipc.Tag, err error) error {
	var errno int32
	if err != nil {
		if e, ok := err.(syscall.Errno); ok {
			errno = int32(e)
		} else {
			errno = -1
		}
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(errno))
	return ch.Send(tag, buf[:])
}

func nulTerminatedString(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

// decodeSigCatch reads the SIGCATCH payload: a 4-byte Mask followed by
// a 1-byte catch flag.
func decodeSigCatch(payload []byte) (psignal.Mask, bool, error) {
	if len(payload) < 5 {
		return 0, false, fmt.Errorf("short SIGCATCH payload (%d bytes)", len(payload))
	}
	mask := psignal.Mask(binary.LittleEndian.Uint32(payload[0:4]))
	catch := payload[4] != 0
	return mask, catch, nil
}

// decodeGIDList reads a SETGROUPS payload: a uint32 count followed by
// that many uint32 gids.
func decodeGIDList(payload []byte) ([]uint32, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("short SETGROUPS payload")
	}
	n := binary.LittleEndian.Uint32(payload[0:4])
	if uint32(len(payload)) < 4+4*n {
		return nil, fmt.Errorf("truncated SETGROUPS payload")
	}
	gids := make([]uint32, n)
	for i := range gids {
		gids[i] = binary.LittleEndian.Uint32(payload[4+4*i : 8+4*i])
	}
	return gids, nil
}

// resolvePath resolves name against PATH the way execvp does, since
// syscall.Exec (unlike execvp) requires an absolute or relative path
// that already contains a slash.
func resolvePath(name string) (string, error) {
	if containsSlash(name) {
		return name, nil
	}
	return exec.LookPath(name)
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}
