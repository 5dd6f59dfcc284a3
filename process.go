package porch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"porch/ipc"
	"porch/psignal"
)

// minReadTimeout is the coarse wall-clock floor below which a
// caller-supplied read timeout is promoted to it instead.
const minReadTimeout = 1 * time.Second

// closeAlarm bounds how long Close waits for a SIGINT'd child to exit
// before escalating to SIGKILL. The original source arms a POSIX alarm
// around a blocking waitpid; this rewrite gets the same bound with an
// os.File read deadline on the PTY master, which is the idiomatic Go
// way to bound a blocking I/O wait without signal-based syscall
// interruption.
const closeAlarm = 5 * time.Second

// Process is the parent-side handle for one spawned child. Not safe
// for concurrent use from multiple goroutines — callers serialize
// their own access, matching a single-threaded cooperative model.
type Process struct {
	pid          int
	master       *os.File
	ipc          *ipc.Channel
	released     bool
	eofLatched   bool
	draining     bool
	childErrored bool
	childErrMsg  string
	hasTerm      bool
	lastSignal   int
	sigMask      psignal.Mask
	sigCaught    psignal.Mask
	status       *Status
}

// Released reports whether Release has been called.
func (p *Process) Released() bool { return p.released }

// Chdir sends CHDIR with dir as payload and awaits CHDIR_ACK, returning
// the child-reported errno as an error (nil on success).
func (p *Process) Chdir(dir string) error {
	if p.released {
		return ErrAlreadyReleased
	}
	payload := append([]byte(dir), 0)
	if err := p.ipc.Send(ipc.Chdir, payload); err != nil {
		return fmt.Errorf("porch: send CHDIR: %w", err)
	}
	return p.awaitErrnoAck(ipc.ChdirAck)
}

// Sigcatch round-trips SIGCATCH/SIGCATCH_ACK and, on success, updates
// the parent-side mirror of the child's caught set.
func (p *Process) Sigcatch(catch bool, mask psignal.Mask) error {
	if p.released {
		return ErrAlreadyReleased
	}
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(mask))
	if catch {
		buf[4] = 1
	}
	if err := p.ipc.Send(ipc.SigCatch, buf[:]); err != nil {
		return fmt.Errorf("porch: send SIGCATCH: %w", err)
	}
	if err := p.awaitErrnoAck(ipc.SigCatchAck); err != nil {
		return err
	}
	if catch {
		p.sigCaught |= mask
	} else {
		p.sigCaught &^= mask
	}
	return nil
}

// Sigmask round-trips SETMASK/SETMASK_ACK and, on success, updates the
// parent-side mirror of the child's signal mask.
func (p *Process) Sigmask(mask psignal.Mask) error {
	if p.released {
		return ErrAlreadyReleased
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(mask))
	if err := p.ipc.Send(ipc.SetMask, buf[:]); err != nil {
		return fmt.Errorf("porch: send SETMASK: %w", err)
	}
	if err := p.awaitErrnoAck(ipc.SetMaskAck); err != nil {
		return err
	}
	p.sigMask = mask
	return nil
}

// SetID sends SETID with {uid, gid} as payload and awaits SETID_ACK,
// returning the child-reported errno as an error (nil on success). The
// child applies gid before uid, since dropping uid first would leave
// setgid(2) unable to run as non-root.
func (p *Process) SetID(uid, gid uint32) error {
	if p.released {
		return ErrAlreadyReleased
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uid)
	binary.LittleEndian.PutUint32(buf[4:8], gid)
	if err := p.ipc.Send(ipc.SetID, buf[:]); err != nil {
		return fmt.Errorf("porch: send SETID: %w", err)
	}
	return p.awaitErrnoAck(ipc.SetIDAck)
}

// SetGroups sends SETGROUPS with gids as payload (a uint32 count
// followed by that many uint32 gids) and awaits SETGROUPS_ACK,
// returning the child-reported errno as an error (nil on success).
func (p *Process) SetGroups(gids []uint32) error {
	if p.released {
		return ErrAlreadyReleased
	}
	buf := make([]byte, 4+4*len(gids))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(gids)))
	for i, gid := range gids {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], gid)
	}
	if err := p.ipc.Send(ipc.SetGroups, buf); err != nil {
		return fmt.Errorf("porch: send SETGROUPS: %w", err)
	}
	return p.awaitErrnoAck(ipc.SetGroupsAck)
}

// awaitErrnoAck waits for and validates one *_ACK reply carrying a
// 4-byte errno, returning that errno wrapped as an error (nil if 0).
func (p *Process) awaitErrnoAck(want ipc.Tag) error {
	if err := p.ipc.Wait(); err != nil {
		return fmt.Errorf("porch: await %s: %w", want, err)
	}
	msg, err := p.ipc.Recv()
	if err != nil {
		return fmt.Errorf("porch: recv %s: %w", want, err)
	}
	if msg.Tag != want {
		return newUnexpectedTag(want, msg.Tag)
	}
	if len(msg.Payload) < 4 {
		return nil
	}
	errno := int32(binary.LittleEndian.Uint32(msg.Payload[0:4]))
	if errno == 0 {
		return nil
	}
	return syscall.Errno(errno)
}

// Signal delivers signo to the child via kill(2), recording it as the
// last explicitly-delivered signal so the read loop won't mistake the
// resulting death for an unexpected one.
func (p *Process) Signal(signo syscall.Signal) error {
	if !p.released {
		return ErrNotReleased
	}
	if p.pid == 0 {
		return ErrReaped
	}
	p.lastSignal = int(signo)
	return syscall.Kill(p.pid, signo)
}

// Term acquires this process's terminal handle. Allowed only
// pre-release, and only once per process.
func (p *Process) Term() (*Terminal, error) {
	if p.released {
		return nil, ErrAlreadyReleased
	}
	if p.hasTerm {
		return nil, ErrAlreadyHasTerm
	}

	t := &Terminal{proc: p}
	done := make(chan error, 1)
	p.ipc.Register(ipc.TermiosSet, func(ch *ipc.Channel, msg ipc.Message, _ any) error {
		if err := decodeTermios(msg.Payload, &t.termios); err != nil {
			done <- err
			return nil
		}
		done <- nil
		return nil
	}, nil)
	defer p.ipc.Unregister(ipc.TermiosSet)

	if err := p.ipc.Send(ipc.TermiosInquiry, nil); err != nil {
		return nil, fmt.Errorf("porch: send TERMIOS_INQUIRY: %w", err)
	}
	if err := p.ipc.Wait(); err != nil {
		return nil, fmt.Errorf("porch: await TERMIOS_SET: %w", err)
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	default:
		// The handler didn't fire during Wait's drain — something
		// other than TERMIOS_SET arrived and is now sitting in the
		// queue unhandled.
		msg, err := p.ipc.Recv()
		if err != nil {
			return nil, fmt.Errorf("porch: recv TERMIOS_SET: %w", err)
		}
		return nil, newUnexpectedTag(ipc.TermiosSet, msg.Tag)
	}

	p.hasTerm = true
	return t, nil
}

// Write writes to the PTY master, looping over partial writes.
func (p *Process) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := p.master.Write(b[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("porch: write: %w", err)
		}
	}
	return total, nil
}

// Release performs the optional ENV_SETUP round trip, then sends
// RELEASE and closes the IPC channel, latching released.
func (p *Process) Release(env *EnvSetup) error {
	if p.released {
		return ErrAlreadyReleased
	}
	if env != nil {
		if err := p.ipc.Send(ipc.EnvSetup, env.encode()); err != nil {
			return fmt.Errorf("porch: send ENV_SETUP: %w", err)
		}
		if err := p.awaitErrnoAck(ipc.EnvAck); err != nil {
			return err
		}
	}
	if err := p.ipc.SendNoData(ipc.Release); err != nil {
		return fmt.Errorf("porch: send RELEASE: %w", err)
	}
	p.ipc.Close()
	p.released = true
	return nil
}

// Eof returns whether EOF has been latched and, if the child has been
// reaped, its decomposed exit status. waitSeconds selects the reap
// style: negative means hang, 0 means non-hang,
// positive bounds the hang by that many seconds.
func (p *Process) Eof(waitSeconds int) (bool, *Status, error) {
	if !p.eofLatched || p.pid == 0 {
		return p.eofLatched, p.status, nil
	}
	if err := p.reap(waitSeconds); err != nil {
		return p.eofLatched, nil, err
	}
	return p.eofLatched, p.status, nil
}

func (p *Process) reap(waitSeconds int) error {
	if p.pid == 0 {
		return nil
	}
	if waitSeconds > 0 {
		return p.reapWithAlarm(waitSeconds)
	}
	flag := 0
	if waitSeconds == 0 {
		flag = syscall.WNOHANG
	}
	return p.wait4(flag)
}

// reapWithAlarm bounds a hanging reap to waitSeconds, the Go-idiomatic
// counterpart of porchlua_process_close's self-directed alarm(5)+waitpid.
// A blocking syscall.Wait4 is not reliably interrupted by a signal sent
// from a bare time.AfterFunc the way libc's waitpid is by alarm(), so the
// wait itself runs on its own goroutine while this goroutine selects
// between it completing and an actual SIGALRM, delivered to this
// process's own pid (not the child's — the child has no business
// receiving it) and observed via signal.Notify. On alarm, reap returns
// without having reaped; the background wait4 is left running and will
// update p.pid/p.status whenever the child actually exits.
func (p *Process) reapWithAlarm(waitSeconds int) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGALRM)
	defer signal.Stop(sigCh)

	self := syscall.Getpid()
	timer := time.AfterFunc(time.Duration(waitSeconds)*time.Second, func() {
		syscall.Kill(self, syscall.SIGALRM)
	})
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- p.wait4(0) }()

	select {
	case err := <-done:
		return err
	case <-sigCh:
		return nil
	}
}

func (p *Process) wait4(flag int) error {
	var status syscall.WaitStatus
	wpid, err := syscall.Wait4(p.pid, &status, flag, nil)
	if err != nil {
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ECHILD) {
			return nil
		}
		return fmt.Errorf("porch: wait4: %w", err)
	}
	if wpid == 0 {
		return nil // WNOHANG, still running
	}
	p.pid = 0
	s := decodeStatus(status)
	p.status = &s
	return nil
}

// Read is the parent-side read loop. timeout<0 means block
// indefinitely between chunks; timeout==0 or a positive duration
// shorter than one second is promoted to one second. cb is invoked with
// each chunk read, or nil on EOF; a true return from cb stops the loop
// successfully without consuming any more input.
func (p *Process) Read(timeout time.Duration, cb func([]byte) bool) error {
	var deadline time.Time
	hasTimeout := timeout >= 0
	if hasTimeout {
		if timeout < minReadTimeout {
			timeout = minReadTimeout
		}
		deadline = time.Now().Add(timeout)
		p.master.SetReadDeadline(deadline)
	} else {
		p.master.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 4096)
	for {
		if p.childErrored {
			return nil
		}

		n, err := p.master.Read(buf)
		if err != nil {
			if os.IsTimeout(err) {
				return nil // success, callback not invoked this cycle
			}
			if errors.Is(err, syscall.EIO) {
				n = 0 // slave close surfaces as EIO on some platforms
			} else if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				return fmt.Errorf("porch: read: %w", err)
			}
		}

		if n > 0 {
			if cb(buf[:n]) {
				return nil
			}
			continue
		}

		// EOF.
		p.eofLatched = true
		p.master.Close()
		cb(nil)
		if err := p.reap(0); err != nil {
			return err
		}
		if !p.draining && p.status != nil && p.status.Kind == StatusSignaled &&
			p.status.Code != p.lastSignal {
			return &signalDeathError{Signal: p.status.Code}
		}
		return nil
	}
}

// Close initiates graceful shutdown: a non-hanging reap, then (if
// still alive) SIGINT followed by a bounded drain and a final SIGKILL
// escalation. Always closes the IPC channel and PTY master. Best
// effort — it releases resources even on internal failure.
func (p *Process) Close() error {
	defer func() {
		if p.ipc != nil {
			p.ipc.Close()
		}
		if p.master != nil {
			p.master.Close()
		}
	}()

	if err := p.reap(0); err != nil {
		return err
	}
	if p.pid == 0 {
		return nil
	}

	syscall.Kill(p.pid, syscall.SIGINT)

	p.draining = true
	deadline := time.Now().Add(closeAlarm)
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	_ = p.Read(remaining, func([]byte) bool { return false })

	if err := p.reap(0); err != nil {
		return err
	}
	if p.pid != 0 {
		syscall.Kill(p.pid, syscall.SIGKILL)
		_ = p.reap(-1)
	}
	return nil
}

// Proxy relays bytes between the PTY master and a caller-supplied
// readable file until the child exits. outputFn receives PTY output,
// inputFn receives bytes read from in (and nil once on in's EOF, after
// which in is no longer read but PTY output keeps flowing). If pulseFn
// is supplied, it's invoked on every one-second timeout; a false return
// aborts the proxy.
func (p *Process) Proxy(in *os.File, outputFn func([]byte), inputFn func([]byte), pulseFn func() bool) error {
	inBuf := make([]byte, 4096)
	outBuf := make([]byte, 4096)
	inClosed := false

	for {
		pollTimeout := minReadTimeout
		deadline := time.Now().Add(pollTimeout)
		p.master.SetReadDeadline(deadline)
		if !inClosed {
			in.SetReadDeadline(deadline)
		}

		n, err := p.master.Read(outBuf)
		switch {
		case err == nil && n > 0:
			outputFn(outBuf[:n])
		case err == nil && n == 0, errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			p.eofLatched = true
			if rerr := p.reap(0); rerr != nil {
				return rerr
			}
			if p.status != nil && p.status.Kind == StatusExited && p.status.Code == 0 {
				return nil
			}
			if p.status != nil && p.status.Kind == StatusExited {
				return fmt.Errorf("porch: child exited with status %d", p.status.Code)
			}
			if p.status != nil {
				return &signalDeathError{Signal: p.status.Code}
			}
			return nil
		case os.IsTimeout(err):
			// fall through to input side this cycle
		default:
			return fmt.Errorf("porch: proxy read pty: %w", err)
		}

		if !inClosed {
			n, err := in.Read(inBuf)
			switch {
			case err == nil && n > 0:
				inputFn(inBuf[:n])
			case err != nil && !os.IsTimeout(err):
				inClosed = true
				inputFn(nil)
			}
		}

		if pulseFn != nil {
			now := time.Now()
			if !now.Before(deadline) {
				if !pulseFn() {
					return nil
				}
			}
		}
	}
}
