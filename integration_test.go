//go:build integration

package porch

import (
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"porch/ipc"
)

// TestMain lets this same test binary double as the re-exec'd pre-exec
// child: Spawn re-invokes os.Executable(), which for a test run is this
// binary. Init must run before testing.Main touches os.Args via flag
// parsing.
func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

func sh(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// readUntil accumulates Read callbacks into buf until contains is seen
// or the deadline elapses, returning what was collected either way.
func readUntil(t *testing.T, p *Process, contains string, deadline time.Duration) string {
	t.Helper()
	var buf strings.Builder
	start := time.Now()
	for time.Since(start) < deadline {
		remaining := deadline - time.Since(start)
		if remaining <= 0 {
			break
		}
		err := p.Read(remaining, func(chunk []byte) bool {
			if chunk == nil {
				return true
			}
			buf.Write(chunk)
			return strings.Contains(buf.String(), contains)
		})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if strings.Contains(buf.String(), contains) {
			break
		}
	}
	return buf.String()
}

// drainUntilEOF reads until the child's PTY side closes, returning
// everything collected.
func drainUntilEOF(t *testing.T, p *Process, deadline time.Duration) string {
	t.Helper()
	var buf strings.Builder
	err := p.Read(deadline, func(chunk []byte) bool {
		if chunk == nil {
			return true
		}
		buf.Write(chunk)
		return false
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return buf.String()
}

// Scenario (a): an echoing prompt program exits with a distinguishing
// code once it has read a line back from the controller.
func TestEchoPromptRoundTrip(t *testing.T) {
	proc, err := Spawn(sh(`printf '>> '; read line; printf 'got:%s\n' "$line"; exit 37`), func(msg string) {
		t.Errorf("child pre-exec error: %s", msg)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := proc.Release(nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	readUntil(t, proc, ">> ", 5*time.Second)
	if _, err := proc.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := drainUntilEOF(t, proc, 5*time.Second)
	if !strings.Contains(out, "got:hello") {
		t.Fatalf("output %q does not contain the echoed line", out)
	}

	eof, status, err := proc.Eof(5)
	if err != nil {
		t.Fatalf("Eof: %v", err)
	}
	if !eof {
		t.Fatalf("Eof latched=false after drain")
	}
	if status == nil || status.Kind != StatusExited || status.Code != 37 {
		t.Fatalf("got status %+v, want exited(37)", status)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// Scenario (b): disabling ECHO on the child's terminal stops the kernel
// line discipline from duplicating input the child itself writes back.
func TestTerminalRoundTripWithoutEcho(t *testing.T) {
	proc, err := Spawn(sh(`exec cat`), func(msg string) {
		t.Errorf("child pre-exec error: %s", msg)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	term, err := proc.Term()
	if err != nil {
		t.Fatalf("Term: %v", err)
	}
	lflag := term.Fetch(LocalFlags) &^ uint32(unix.ECHO)
	if err := term.Update(map[FlagCategory]uint32{LocalFlags: lflag}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := proc.Release(nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := proc.Write([]byte("x\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var buf strings.Builder
	err = proc.Read(2*time.Second, func(chunk []byte) bool {
		if chunk == nil {
			return true
		}
		buf.Write(chunk)
		return strings.Count(buf.String(), "x") >= 1
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got := buf.String()
	if got != "x\n" && got != "x\r\n" {
		t.Fatalf("got %q, want a single unduplicated echo of x", got)
	}

	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// Scenario (c): CHDIR applied pre-exec is visible to the exec'd program.
func TestChdirPreExec(t *testing.T) {
	proc, err := Spawn(sh(`pwd`), func(msg string) {
		t.Errorf("child pre-exec error: %s", msg)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := proc.Chdir("/tmp"); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	if err := proc.Release(nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	out := drainUntilEOF(t, proc, 5*time.Second)
	if !strings.Contains(out, "/tmp") {
		t.Fatalf("pwd output %q does not mention /tmp", out)
	}
	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// Scenario (d): a program that ignores SIGINT at the shell level keeps
// running after Signal(SIGINT) is delivered; Close then has to escalate.
func TestSignalIgnoredBySpawnedProgram(t *testing.T) {
	proc, err := Spawn(sh(`trap '' INT; while :; do sleep 1; done`), func(msg string) {
		t.Errorf("child pre-exec error: %s", msg)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := proc.Release(nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	// The shell ignores SIGINT, so a short drain should see no EOF, and
	// a non-hanging reap (checked directly — Eof's latch only flips once
	// Read has observed PTY EOF, which hasn't happened here) must find
	// it still running.
	_ = proc.Read(1*time.Second, func(chunk []byte) bool { return chunk == nil })
	if err := proc.reap(0); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if proc.pid == 0 {
		t.Fatalf("child reaped after an ignored SIGINT")
	}

	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// Scenario (e): Close escalates to SIGKILL once its bounded SIGINT drain
// expires against a program that ignores SIGINT.
func TestCloseEscalatesToSigkill(t *testing.T) {
	proc, err := Spawn(sh(`trap '' INT; while :; do sleep 1; done`), func(msg string) {
		t.Errorf("child pre-exec error: %s", msg)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := proc.Release(nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	start := time.Now()
	if err := proc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*closeAlarm {
		t.Fatalf("Close took %s, want roughly bounded by the SIGINT drain", elapsed)
	}

	// Close reaps directly via wait4, not through the PTY-EOF path Eof's
	// latch tracks, so inspect the reaped state Close left behind.
	if proc.pid != 0 {
		t.Fatalf("child not reaped after Close escalation")
	}
	if proc.status == nil || proc.status.Kind != StatusSignaled || syscall.Signal(proc.status.Code) != syscall.SIGKILL {
		t.Fatalf("got status %+v, want signaled(SIGKILL)", proc.status)
	}
}

// Scenario (f): a message of the wrong tag arriving while Term() is
// waiting for TERMIOS_SET must fail naming the offending tag, and must
// leave the TERMIOS_SET handler slot cleared so a later Term-style round
// trip on the same channel isn't shadowed by a stale registration.
func TestTermRejectsUnexpectedMessage(t *testing.T) {
	parent, child, err := ipc.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	// Each Close waits for the other end's shutdown, so both ends are
	// closed together.
	defer func() {
		done := make(chan struct{})
		go func() {
			parent.Close()
			close(done)
		}()
		child.Close()
		<-done
	}()

	proc := &Process{ipc: parent}

	// Stand in for a misbehaving child: reply to TERMIOS_INQUIRY with
	// some other tag instead of TERMIOS_SET. The handler only runs once
	// the child side drains, so pump it on a goroutine the way a real
	// re-exec'd child's own Recv loop would.
	child.Register(ipc.TermiosInquiry, func(ch *ipc.Channel, msg ipc.Message, _ any) error {
		return ch.Send(ipc.ChdirAck, []byte{0, 0, 0, 0})
	}, nil)
	go func() { _ = child.Wait() }()

	_, err = proc.Term()
	if err == nil {
		t.Fatalf("Term: want an error for an unexpected reply tag")
	}
	if !strings.Contains(err.Error(), "TERMIOS_SET") || !strings.Contains(err.Error(), "CHDIR_ACK") {
		t.Fatalf("Term error %q does not name both the wanted and the offending tag", err)
	}

	// Term registered its TERMIOS_SET handler on proc.ipc (the parent
	// side, matching Term's use of p.ipc.Register) and must have
	// unregistered it on return: a fresh TERMIOS_SET arriving at the
	// parent now should queue normally rather than vanish into a stale
	// handler.
	if err := child.Send(ipc.TermiosSet, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := parent.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Tag != ipc.TermiosSet {
		t.Fatalf("got %s, want TERMIOS_SET queued normally after Term's handler was unregistered", msg.Tag)
	}
}
