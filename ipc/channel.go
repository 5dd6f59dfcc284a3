package ipc

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations attempted after the peer has shut
// down its write side and every queued message has been drained.
var ErrClosed = errors.New("ipc: channel closed")

// Handler services one tag's messages as they arrive, either via Recv's
// dispatch loop or during a Close drain. cookie is whatever was passed to
// Register.
type Handler func(ch *Channel, msg Message, cookie any) error

type handlerEntry struct {
	fn     Handler
	cookie any
	set    bool
}

// Channel wraps one end of a non-blocking, close-on-exec Unix domain
// socketpair fd in the framed Tag/Message protocol. It is not safe for
// concurrent use from multiple goroutines without external locking —
// porch serializes all access to a given Channel through the owning
// Process or reexec handshake goroutine, mirroring the single-threaded
// assumption the protocol this was ported from makes.
type Channel struct {
	mu       sync.Mutex
	fd       int
	eof      bool
	queue    []Message
	handlers [tagLast]handlerEntry
}

// NewPair creates a connected pair of Channels backed by a non-blocking,
// close-on-exec SOCK_STREAM socketpair. One end is handed to the child
// across the re-exec via ExtraFiles; the other is kept by the parent.
func NewPair() (parent, child *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("ipc: set nonblocking: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return New(fds[0]), New(fds[1]), nil
}

// New wraps an already-connected, already-configured fd. Ownership of fd
// transfers to the Channel: Close will close it.
func New(fd int) *Channel {
	return &Channel{fd: fd}
}

// Fd returns the underlying file descriptor, for handing to ExtraFiles
// before a re-exec. After this call the Channel still owns the fd.
func (c *Channel) Fd() int {
	return c.fd
}

// Register installs (or replaces) the handler for tag. Recv and Close's
// drain dispatch to it instead of queuing matching messages.
func (c *Channel) Register(tag Tag, fn Handler, cookie any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[tag] = handlerEntry{fn: fn, cookie: cookie, set: true}
}

// Unregister removes tag's handler, if any; matching messages are queued
// for Recv again afterward.
func (c *Channel) Unregister(tag Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[tag] = handlerEntry{}
}

// Send writes a framed message, draining any pending input first (the
// original's send path does this so a peer's backpressure doesn't stall
// behind an unread handshake response). Short writes of the header are
// fatal framing errors; partial payload writes retry.
func (c *Channel) Send(tag Tag, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(tag, payload)
}

// SendNoData sends tag with an empty payload.
func (c *Channel) SendNoData(tag Tag) error {
	return c.Send(tag, nil)
}

func (c *Channel) send(tag Tag, payload []byte) error {
	if c.fd < 0 {
		return ErrClosed
	}
	if err := c.drainLocked(); err != nil {
		return err
	}
	hdr := encodeHeader(tag, len(payload))
	for {
		n, err := unix.Write(c.fd, hdr[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if werr := c.waitWritableLocked(); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("ipc: write header: %w", err)
		}
		if n != headerSize {
			return fmt.Errorf("ipc: short header write (%d bytes)", n)
		}
		break
	}
	if len(payload) > 0 {
		if err := c.writeAllLocked(payload); err != nil {
			return fmt.Errorf("ipc: write payload: %w", err)
		}
	}
	return nil
}

func (c *Channel) writeAllLocked(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				if err == unix.EAGAIN {
					if werr := c.waitWritableLocked(); werr != nil {
						return werr
					}
				}
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (c *Channel) waitWritableLocked() error {
	for {
		var wfds unix.FdSet
		fdSet(&wfds, c.fd)
		n, err := unix.Select(c.fd+1, nil, &wfds, nil, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ipc: select (write): %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Recv drains and dispatches any registered handlers, then pops and
// returns the oldest unhandled message. It blocks (via Wait) if the
// queue is empty and the peer hasn't closed.
func (c *Channel) Recv() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := c.drainLocked(); err != nil && err != ErrClosed {
			return Message{}, err
		}
		if msg, ok := c.popLocked(); ok {
			return msg, nil
		}
		if c.fd < 0 {
			return Message{}, ErrClosed
		}
		if err := c.waitReadableLocked(); err != nil {
			return Message{}, err
		}
	}
}

// Wait blocks until a message is queued, a registered tag has been
// dispatched, or the peer has shut down. It does not itself pop a
// message — call Recv (or rely on a registered Handler) afterward.
func (c *Channel) Wait() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 || c.fd < 0 {
		return nil
	}
	if err := c.waitReadableLocked(); err != nil && err != ErrClosed {
		return err
	}
	return nil
}

func (c *Channel) waitReadableLocked() error {
	for {
		var rfds unix.FdSet
		fdSet(&rfds, c.fd)
		n, err := unix.Select(c.fd+1, &rfds, nil, nil, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ipc: select (read): %w", err)
		}
		if n > 0 {
			return c.drainLocked()
		}
	}
}

// popLocked removes and returns the oldest queued message, if any.
func (c *Channel) popLocked() (Message, bool) {
	if len(c.queue) == 0 {
		return Message{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// drainLocked reads every fully-available frame off the fd without
// blocking, dispatching to a registered Handler or appending to the
// queue. It returns ErrClosed once the peer's write side has shut down
// and nothing more is buffered.
func (c *Channel) drainLocked() error {
	if c.fd < 0 {
		return ErrClosed
	}
	for {
		var hdrBuf [headerSize]byte
		n, err := unix.Read(c.fd, hdrBuf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ipc: read header: %w", err)
		}
		if n == 0 {
			c.closeLocked()
			return ErrClosed
		}
		if n != headerSize {
			return fmt.Errorf("ipc: short header read (%d bytes)", n)
		}
		tag, size, err := decodeHeader(hdrBuf[:])
		if err != nil {
			return err
		}
		payload, err := c.readPayloadLocked(size)
		if err != nil {
			return err
		}
		msg := Message{Tag: tag, Payload: payload}
		if h := c.handlers[tag]; h.set {
			// Handlers may call back into the channel (Send, Close), so
			// the lock is released for the duration of the call.
			c.mu.Unlock()
			err := h.fn(c, msg, h.cookie)
			c.mu.Lock()
			if err != nil {
				return fmt.Errorf("ipc: handler for %s: %w", tag, err)
			}
			if c.fd < 0 {
				return ErrClosed
			}
			continue
		}
		c.queue = append(c.queue, msg)
	}
}

// readPayloadLocked reads exactly size bytes, blocking (via select) across
// EAGAIN — once a header has been read the frame must be completed, there
// is no partial-message state to leave around.
func (c *Channel) readPayloadLocked(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	got := 0
	for got < size {
		n, err := unix.Read(c.fd, buf[got:])
		if err != nil {
			if err == unix.EAGAIN {
				if werr := c.waitReadableForPayloadLocked(); werr != nil {
					return nil, werr
				}
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("ipc: read payload: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("ipc: peer closed mid-message (%d/%d bytes)", got, size)
		}
		got += n
	}
	return buf, nil
}

func (c *Channel) waitReadableForPayloadLocked() error {
	for {
		var rfds unix.FdSet
		fdSet(&rfds, c.fd)
		n, err := unix.Select(c.fd+1, &rfds, nil, nil, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ipc: select (payload): %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Close shuts down the write side, then drains (dispatching handlers as
// normal) until the peer's own shutdown is observed, and finally closes
// the fd. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	for {
		err := c.drainLocked()
		c.queue = c.queue[:0]
		if err == ErrClosed {
			break
		}
		if err != nil {
			c.closeLocked()
			return err
		}
		if werr := c.waitReadableLocked(); werr != nil && werr != ErrClosed {
			c.queue = c.queue[:0]
			c.closeLocked()
			return werr
		}
		c.queue = c.queue[:0]
		if c.fd < 0 {
			break
		}
	}
	c.closeLocked()
	return nil
}

func (c *Channel) closeLocked() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.eof = true
}
