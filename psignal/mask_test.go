package psignal

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestMaskSetClearHas(t *testing.T) {
	var m Mask
	m = m.Set(int(unix.SIGINT)).Set(int(unix.SIGTERM))
	if !m.Has(int(unix.SIGINT)) || !m.Has(int(unix.SIGTERM)) {
		t.Fatalf("expected SIGINT and SIGTERM set, got %032b", uint32(m))
	}
	if m.Has(int(unix.SIGKILL)) {
		t.Fatalf("SIGKILL unexpectedly set")
	}
	m = m.Clear(int(unix.SIGINT))
	if m.Has(int(unix.SIGINT)) {
		t.Fatalf("SIGINT still set after Clear")
	}
}

func TestMaskOutOfRangeIsNoop(t *testing.T) {
	var m Mask
	m = m.Set(0).Set(33).Set(-1)
	if m != 0 {
		t.Fatalf("out-of-range Set mutated mask: %032b", uint32(m))
	}
	if m.Has(0) || m.Has(33) {
		t.Fatalf("out-of-range Has returned true")
	}
}

func TestSigsetRoundTrip(t *testing.T) {
	var m Mask
	m = m.Set(int(unix.SIGHUP)).Set(int(unix.SIGUSR1)).Set(32)
	set := m.ToSigset()
	got := FromSigset(&set)
	if got != m {
		t.Fatalf("round trip mismatch: got %032b, want %032b", uint32(got), uint32(m))
	}
}

func TestApplyMaskUnion(t *testing.T) {
	current := Mask(0).Set(int(unix.SIGHUP))
	apply := Mask(0).Set(int(unix.SIGUSR1))
	got := ApplyMask(current, apply, false)
	if !got.Has(int(unix.SIGHUP)) {
		t.Fatalf("expected SIGHUP retained from current")
	}
	if !got.Has(int(unix.SIGUSR1)) {
		t.Fatalf("expected SIGUSR1 added from apply mask")
	}
}

func TestApplyMaskComplementRemoves(t *testing.T) {
	current := Mask(0).Set(int(unix.SIGHUP)).Set(int(unix.SIGUSR1))
	apply := Mask(0).Set(int(unix.SIGUSR1))
	got := ApplyMask(current, apply, true)
	if got.Has(int(unix.SIGUSR1)) {
		t.Fatalf("SIGUSR1 should have been removed by complement")
	}
	if !got.Has(int(unix.SIGHUP)) {
		t.Fatalf("SIGHUP should have survived complement removal")
	}
}

func TestNameKnownAndUnknown(t *testing.T) {
	if Name(int(unix.SIGINT)) != "INT" {
		t.Fatalf("Name(SIGINT) = %q, want INT", Name(int(unix.SIGINT)))
	}
	if got := Name(200); got != "SIG200" {
		t.Fatalf("Name(200) = %q, want SIG200", got)
	}
}
