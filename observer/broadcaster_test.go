package observer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestBroadcasterFanOutToWatcher(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()
	defer b.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL+"?mode=r", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for b.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.Count() != 1 {
		t.Fatalf("expected 1 watcher registered, got %d", b.Count())
	}

	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("watcher read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}

func TestBroadcasterInjectFromWatcher(t *testing.T) {
	received := make(chan []byte, 1)
	b := NewBroadcaster(func(p []byte) error {
		cp := append([]byte(nil), p...)
		received <- cp
		return nil
	})
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()
	defer b.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("abc")); err != nil {
		t.Fatalf("watcher write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "abc" {
			t.Fatalf("got %q, want %q", got, "abc")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inject callback")
	}
}

func TestBroadcasterCloseDisconnectsWatchers(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL+"?mode=r", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for b.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Close()

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected read to fail after broadcaster closed")
	}
}
