package ipc

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the on-wire size of a Message's header: a uint32 payload
// length followed by a uint32 tag, both little-endian. Both ends of the
// socketpair are the same compiled binary (parent and its re-exec'd
// child), so there is no cross-arch concern — this is just an explicit
// wire shape instead of relying on in-memory struct layout.
const headerSize = 8

// maxPayload bounds a single message's payload. The handshake only ever
// carries termios structs, small env blobs, and short strings; this is
// generous headroom against a corrupt or hostile peer, not a tuned limit.
const maxPayload = 1 << 20

// Message is one frame of the ipc protocol: a Tag and its payload.
type Message struct {
	Tag     Tag
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d bytes)", m.Tag, len(m.Payload))
}

func encodeHeader(tag Tag, size int) [headerSize]byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(size))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(tag))
	return hdr
}

func decodeHeader(buf []byte) (tag Tag, size int, err error) {
	if len(buf) != headerSize {
		return 0, 0, fmt.Errorf("ipc: short header (%d bytes)", len(buf))
	}
	size = int(binary.LittleEndian.Uint32(buf[0:4]))
	tag = Tag(binary.LittleEndian.Uint32(buf[4:8]))
	if !tag.valid() {
		return 0, 0, fmt.Errorf("ipc: invalid tag %d in header", uint32(tag))
	}
	if size < 0 || size > maxPayload {
		return 0, 0, fmt.Errorf("ipc: implausible payload size %d", size)
	}
	return tag, size, nil
}
