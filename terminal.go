package porch

import (
	"fmt"

	"golang.org/x/sys/unix"

	"porch/ipc"
)

// ccName is a control character recognized over the wire. MIN and TIME
// are literal integers (VMIN/VTIME double as the same
// termios array slots, but have numeric not caret-notation meaning);
// STATUS is optional — not every platform defines VSTATUS.
type ccName string

const (
	ccEOF    ccName = "EOF"
	ccEOL    ccName = "EOL"
	ccErase  ccName = "ERASE"
	ccIntr   ccName = "INTR"
	ccKill   ccName = "KILL"
	ccMin    ccName = "MIN"
	ccQuit   ccName = "QUIT"
	ccSusp   ccName = "SUSP"
	ccTime   ccName = "TIME"
	ccStart  ccName = "START"
	ccStop   ccName = "STOP"
	ccStatus ccName = "STATUS"
)

// literalCC is the set of control characters exchanged as plain integers
// rather than caret notation.
var literalCC = map[ccName]bool{ccMin: true, ccTime: true}

// ccIndex maps a recognized name to its slot in termios.Cc. STATUS has
// no slot here on any platform: ccIndex reports it as unknown, so
// FetchCC and Update reject it the same way as an unrecognized name.
func ccIndex(name ccName) (int, bool) {
	switch name {
	case ccEOF:
		return unix.VEOF, true
	case ccEOL:
		return unix.VEOL, true
	case ccErase:
		return unix.VERASE, true
	case ccIntr:
		return unix.VINTR, true
	case ccKill:
		return unix.VKILL, true
	case ccMin:
		return unix.VMIN, true
	case ccQuit:
		return unix.VQUIT, true
	case ccSusp:
		return unix.VSUSP, true
	case ccTime:
		return unix.VTIME, true
	case ccStart:
		return unix.VSTART, true
	case ccStop:
		return unix.VSTOP, true
	default:
		return 0, false
	}
}

// Winsize mirrors the PTY's window size, the layout TIOCGWINSZ/TIOCSWINSZ
// expect.
type Winsize struct {
	Rows, Cols, XPixel, YPixel uint16
}

// Terminal mirrors a child's termios and window size in the parent,
// with mutations round-tripped through IPC.
type Terminal struct {
	proc      *Process
	termios   unix.Termios
	winsize   Winsize
	winszOK   bool
}

// FlagCategory selects one of the four termios flag words Fetch/Update
// operate on.
type FlagCategory int

const (
	InputFlags FlagCategory = iota
	OutputFlags
	ControlFlags
	LocalFlags
)

// Fetch returns the current value of one flag category from the local
// mirror (no IPC round trip — the mirror is kept current by Update and
// the initial TERMIOS_INQUIRY populated by Term()).
func (t *Terminal) Fetch(cat FlagCategory) uint32 {
	switch cat {
	case InputFlags:
		return uint32(t.termios.Iflag)
	case OutputFlags:
		return uint32(t.termios.Oflag)
	case ControlFlags:
		return uint32(t.termios.Cflag)
	case LocalFlags:
		return uint32(t.termios.Lflag)
	default:
		return 0
	}
}

// FetchCC returns the wire-encoded form of a recognized control
// character: caret notation for ordinary characters, a plain decimal
// string for the literal MIN/TIME slots, or "" if disabled (_POSIX_VDISABLE).
func (t *Terminal) FetchCC(name ccName) (string, error) {
	idx, ok := ccIndex(name)
	if !ok {
		return "", fmt.Errorf("porch: unrecognized control character %q", name)
	}
	val := t.termios.Cc[idx]
	if literalCC[name] {
		return fmt.Sprintf("%d", val), nil
	}
	if isDisabled(val) {
		return "", nil
	}
	return encodeCaret(val), nil
}

// isDisabled reports whether b is the platform's _POSIX_VDISABLE value.
// Linux and Darwin both use 0377 (255); ground truth varies by <termios.h>
// but every target platform porch supports shares this value.
func isDisabled(b byte) bool {
	return b == 0xff
}

// Update overlays a set of flag-category values and/or control character
// strings onto the local mirror, then sends TERMIOS_SET and awaits
// TERMIOS_ACK. Named fields not present in the maps are left untouched.
func (t *Terminal) Update(flags map[FlagCategory]uint32, cc map[ccName]string) error {
	if t.proc.released {
		return ErrAlreadyReleased
	}
	for cat, val := range flags {
		setFlag(&t.termios, cat, val)
	}
	for name, encoded := range cc {
		idx, ok := ccIndex(name)
		if !ok {
			return fmt.Errorf("porch: unrecognized control character %q", name)
		}
		b, err := decodeCCValue(name, encoded)
		if err != nil {
			return err
		}
		t.termios.Cc[idx] = b
	}
	return t.sendTermiosSet()
}

func decodeCCValue(name ccName, encoded string) (byte, error) {
	if literalCC[name] {
		var n int
		if _, err := fmt.Sscanf(encoded, "%d", &n); err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("porch: invalid literal value %q for %s", encoded, name)
		}
		return byte(n), nil
	}
	if encoded == "" {
		return 0xff, nil
	}
	b, err := decodeCaret(encoded)
	if err != nil {
		return 0, fmt.Errorf("porch: invalid control character encoding %q for %s: %w", encoded, name, err)
	}
	return b, nil
}

func (t *Terminal) sendTermiosSet() error {
	payload := encodeTermios(&t.termios)
	if err := t.proc.ipc.Send(ipc.TermiosSet, payload); err != nil {
		return fmt.Errorf("porch: send TERMIOS_SET: %w", err)
	}
	if err := t.proc.ipc.Wait(); err != nil {
		return fmt.Errorf("porch: await TERMIOS_ACK: %w", err)
	}
	msg, err := t.proc.ipc.Recv()
	if err != nil {
		return fmt.Errorf("porch: recv TERMIOS_ACK: %w", err)
	}
	if msg.Tag != ipc.TermiosAck {
		return newUnexpectedTag(ipc.TermiosAck, msg.Tag)
	}
	return nil
}

// Size returns the cached window size, querying the PTY master via
// ioctl first if the cache isn't valid yet.
func (t *Terminal) Size() (cols, rows int, err error) {
	if !t.winszOK {
		if err := t.refreshSize(); err != nil {
			return 0, 0, err
		}
	}
	return int(t.winsize.Cols), int(t.winsize.Rows), nil
}

// SetSize validates cols/rows and applies them via TIOCSWINSZ on the PTY
// master, then returns the new pair.
func (t *Terminal) SetSize(cols, rows int) (int, int, error) {
	if cols <= 0 || cols > 0xffff || rows <= 0 || rows > 0xffff {
		return 0, 0, fmt.Errorf("porch: window size %dx%d out of range", cols, rows)
	}
	ws := unix.Winsize{Row: uint16(rows), Col: uint16(cols)}
	if err := unix.IoctlSetWinsize(int(t.proc.master.Fd()), unix.TIOCSWINSZ, &ws); err != nil {
		return 0, 0, fmt.Errorf("porch: TIOCSWINSZ: %w", err)
	}
	t.winsize = Winsize{Rows: ws.Row, Cols: ws.Col, XPixel: ws.Xpixel, YPixel: ws.Ypixel}
	t.winszOK = true
	return cols, rows, nil
}

func (t *Terminal) refreshSize() error {
	ws, err := unix.IoctlGetWinsize(int(t.proc.master.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return fmt.Errorf("porch: TIOCGWINSZ: %w", err)
	}
	t.winsize = Winsize{Rows: ws.Row, Cols: ws.Col, XPixel: ws.Xpixel, YPixel: ws.Ypixel}
	t.winszOK = true
	return nil
}
