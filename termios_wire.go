package porch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// encodeTermios packs a termios into the wire form TERMIOS_SET/TERMIOS_INQUIRY
// carry: four uint32 flag words, input/output speed, then one byte per Cc
// slot. Both ends are the same compiled binary (see message.go), so this
// is an explicit, platform-width-normalizing encoding rather than a raw
// struct copy — Cc array length and flag widths both vary between Linux
// and Darwin.
func encodeTermios(t *unix.Termios) []byte {
	n := len(t.Cc)
	buf := make([]byte, 16+4+4+n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.Iflag))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(t.Oflag))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(t.Cflag))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(t.Lflag))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(t.Ispeed))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(t.Ospeed))
	copy(buf[24:], t.Cc[:])
	return buf
}

func decodeTermios(payload []byte, out *unix.Termios) error {
	if len(payload) < 24 {
		return fmt.Errorf("porch: short termios payload (%d bytes)", len(payload))
	}
	setFlag(out, InputFlags, binary.LittleEndian.Uint32(payload[0:4]))
	setFlag(out, OutputFlags, binary.LittleEndian.Uint32(payload[4:8]))
	setFlag(out, ControlFlags, binary.LittleEndian.Uint32(payload[8:12]))
	setFlag(out, LocalFlags, binary.LittleEndian.Uint32(payload[12:16]))
	out.Ispeed = speedType(binary.LittleEndian.Uint32(payload[16:20]))
	out.Ospeed = speedType(binary.LittleEndian.Uint32(payload[20:24]))
	cc := payload[24:]
	n := len(out.Cc)
	if len(cc) < n {
		n = len(cc)
	}
	copy(out.Cc[:n], cc[:n])
	return nil
}

// encodeCaret renders a control character byte in caret notation:
// "^X" for control-X (0x00-0x1f, 0x7f maps to "^?"), or the literal
// character for anything else (shouldn't occur for recognized control
// characters but kept total rather than panicking).
func encodeCaret(b byte) string {
	switch {
	case b == 0x7f:
		return "^?"
	case b < 0x20:
		return "^" + string(rune('@'+b))
	default:
		return string(rune(b))
	}
}

// decodeCaret parses caret notation back into a byte.
func decodeCaret(s string) (byte, error) {
	if s == "^?" {
		return 0x7f, nil
	}
	if len(s) == 2 && s[0] == '^' {
		c := s[1]
		if c >= '@' && c <= '_' {
			return c - '@', nil
		}
		return 0, fmt.Errorf("invalid caret character %q", s)
	}
	if len(s) == 1 {
		return s[0], nil
	}
	return 0, fmt.Errorf("invalid control character encoding %q", s)
}
