package porch

import (
	"fmt"
	"os"
	"syscall"

	"github.com/creack/pty"

	"porch/ipc"
)

// ChildErrorFunc is invoked when the pre-exec child reports a fatal
// failure over IPC (tag Error), carrying its diagnostic string.
type ChildErrorFunc func(msg string)

// Spawn allocates a PTY, re-execs the calling binary as a pre-exec
// child (see reexec.go), and stalls until the child signals it has
// reached its IPC wait state.
//
// The calling program must have called Init() at the top of main for
// the re-exec to work.
func Spawn(argv []string, onChildError ChildErrorFunc) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("porch: empty argv")
	}

	parentCh, childCh, err := ipc.NewPair()
	if err != nil {
		return nil, fmt.Errorf("porch: %w", err)
	}

	master, slave, err := pty.Open()
	if err != nil {
		parentCh.Close()
		childCh.Close()
		return nil, fmt.Errorf("porch: open pty: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		master.Close()
		slave.Close()
		parentCh.Close()
		childCh.Close()
		return nil, fmt.Errorf("porch: resolve self path: %w", err)
	}

	pid, err := syscall.ForkExec(exe, reexecArgs(exe, argv), &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{0, 1, 2, uintptr(childCh.Fd()), uintptr(slave.Fd())},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})

	// Whether or not ForkExec succeeded, the parent's own copies of the
	// child's fds are no longer needed — the child never holds the PTY
	// master, and the parent never holds the slave.
	syscall.Close(childCh.Fd())
	slave.Close()

	if err != nil {
		master.Close()
		parentCh.Close()
		return nil, fmt.Errorf("porch: fork/exec: %w", err)
	}

	proc := &Process{
		pid:    pid,
		master: master,
		ipc:    parentCh,
	}

	if onChildError != nil {
		parentCh.Register(ipc.Error, func(ch *ipc.Channel, msg ipc.Message, _ any) error {
			onChildError(string(msg.Payload))
			proc.childErrored = true
			return nil
		}, nil)
	} else {
		parentCh.Register(ipc.Error, func(ch *ipc.Channel, msg ipc.Message, _ any) error {
			proc.childErrored = true
			return nil
		}, nil)
	}

	for {
		msg, err := parentCh.Recv()
		if err != nil {
			master.Close()
			reapNoHang(pid)
			return nil, fmt.Errorf("porch: waiting for child ready: %w", err)
		}
		if msg.Tag == ipc.Release {
			break
		}
	}

	return proc, nil
}

// reapNoHang collects pid without blocking if it has already exited;
// used on setup failure paths where there's no live Process to own the
// reap.
func reapNoHang(pid int) {
	var status syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
}
