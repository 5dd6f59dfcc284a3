package porch

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EnvSetup describes the ENV_SETUP payload: an optional "clear
// everything first" flag plus two NUL-delimited blobs of names to set
// (as "KEY=value" entries) and names to unset. Expansion of any
// variable references is the caller's job; porch only ever carries the
// already-expanded strings.
type EnvSetup struct {
	Clear bool
	Set   []string // "KEY=value" entries
	Unset []string // bare names
}

// encode packs an EnvSetup into the wire payload:
// {clear byte}{setsz uint32}{unsetsz uint32}{set blob}{unset blob}, each
// blob a sequence of NUL-terminated strings.
func (e EnvSetup) encode() []byte {
	setBlob := joinNUL(e.Set)
	unsetBlob := joinNUL(e.Unset)

	buf := make([]byte, 0, 1+4+4+len(setBlob)+len(unsetBlob))
	if e.Clear {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(len(setBlob)))
	buf = append(buf, sz[:]...)
	binary.LittleEndian.PutUint32(sz[:], uint32(len(unsetBlob)))
	buf = append(buf, sz[:]...)
	buf = append(buf, setBlob...)
	buf = append(buf, unsetBlob...)
	return buf
}

func decodeEnvSetup(payload []byte) (EnvSetup, error) {
	if len(payload) < 9 {
		return EnvSetup{}, fmt.Errorf("porch: short ENV_SETUP payload (%d bytes)", len(payload))
	}
	clear := payload[0] != 0
	setsz := binary.LittleEndian.Uint32(payload[1:5])
	unsetsz := binary.LittleEndian.Uint32(payload[5:9])
	rest := payload[9:]
	if uint32(len(rest)) < setsz+unsetsz {
		return EnvSetup{}, fmt.Errorf("porch: truncated ENV_SETUP payload")
	}
	setBlob := rest[:setsz]
	unsetBlob := rest[setsz : setsz+unsetsz]
	return EnvSetup{
		Clear: clear,
		Set:   splitNUL(setBlob),
		Unset: splitNUL(unsetBlob),
	}, nil
}

func joinNUL(entries []string) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func splitNUL(blob []byte) []string {
	if len(blob) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimSuffix(blob, []byte{0}), []byte{0})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		out = append(out, string(p))
	}
	return out
}

// apply produces the resulting environment (as "KEY=value" entries, the
// shape syscall.Exec's envv parameter and os.Environ() already share)
// from a base environment and this EnvSetup.
func (e EnvSetup) apply(base []string) []string {
	set := make(map[string]bool, len(e.Set))
	for _, kv := range e.Set {
		if k, _, ok := splitKV(kv); ok {
			set[k] = true
		}
	}
	unset := make(map[string]bool, len(e.Unset))
	for _, k := range e.Unset {
		unset[k] = true
	}

	var result []string
	if !e.Clear {
		for _, kv := range base {
			k, _, ok := splitKV(kv)
			if ok && (unset[k] || set[k]) {
				continue
			}
			result = append(result, kv)
		}
	}
	return append(result, e.Set...)
}

func splitKV(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
