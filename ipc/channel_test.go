package ipc

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

// closePair closes both ends together: Close waits for the peer's own
// shutdown, so closing one end and only then the other never returns.
func closePair(parent, child *Channel) {
	done := make(chan struct{})
	go func() {
		parent.Close()
		close(done)
	}()
	child.Close()
	<-done
}

func TestSendRecvRoundTrip(t *testing.T) {
	parent, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer closePair(parent, child)

	if err := parent.Send(Release, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := child.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Tag != Release || string(msg.Payload) != "hello" {
		t.Fatalf("got %v, want RELEASE(hello)", msg)
	}
}

func TestSendNoData(t *testing.T) {
	parent, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer closePair(parent, child)

	if err := parent.SendNoData(Chdir); err != nil {
		t.Fatalf("SendNoData: %v", err)
	}
	msg, err := child.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Tag != Chdir || len(msg.Payload) != 0 {
		t.Fatalf("got %v, want empty CHDIR", msg)
	}
}

func TestRegisteredHandlerDispatchedDuringDrain(t *testing.T) {
	parent, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer closePair(parent, child)

	var got Message
	child.Register(ChdirAck, func(ch *Channel, msg Message, cookie any) error {
		got = msg
		return nil
	}, nil)

	if err := parent.Send(ChdirAck, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := child.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Tag != ChdirAck {
		t.Fatalf("handler not dispatched, got %v", got)
	}
}

func TestCloseUnblocksPeerRecv(t *testing.T) {
	parent, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer child.Close()

	// parent.Close returns only once it sees the child's end shut down,
	// which happens when child.Recv observes EOF, so it runs alongside.
	closed := make(chan error, 1)
	go func() { closed <- parent.Close() }()
	_, err = child.Recv()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after peer close: got %v, want ErrClosed", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseClearsQueueWhenEOFObservedInSameDrain(t *testing.T) {
	parent, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer child.Close()

	// Queue an unhandled message, then shut the parent's write side down
	// without the child ever calling Recv — so child.Close's own drain
	// is the first one to see both the queued message and peer EOF.
	if err := parent.SendNoData(Chdir); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := unix.Shutdown(parent.Fd(), unix.SHUT_WR); err != nil {
		t.Fatalf("parent shutdown: %v", err)
	}

	if err := child.Close(); err != nil {
		t.Fatalf("child Close: %v", err)
	}
	if len(child.queue) != 0 {
		t.Fatalf("queue not empty after Close: %v", child.queue)
	}
	if err := parent.Close(); err != nil {
		t.Fatalf("parent Close: %v", err)
	}
}

func TestMultipleMessagesQueueInOrder(t *testing.T) {
	parent, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer closePair(parent, child)

	tags := []Tag{EnvSetup, Chdir, SetMask}
	for _, tag := range tags {
		if err := parent.SendNoData(tag); err != nil {
			t.Fatalf("Send %s: %v", tag, err)
		}
	}
	for _, want := range tags {
		msg, err := child.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if msg.Tag != want {
			t.Fatalf("got %s, want %s", msg.Tag, want)
		}
	}
}
