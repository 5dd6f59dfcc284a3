// Package observer mirrors a process handle's PTY output to any number
// of connected WebSocket watchers: watchers dial in, and every byte
// written to the Broadcaster fans out to all of them.
package observer

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Mode controls which direction a given watcher connection is allowed
// to use.
type Mode int

const (
	ModeRW Mode = iota // watcher may read output and inject input
	ModeR              // watcher may only read output
	ModeW              // watcher may only inject input
)

// Inject is called with bytes received from a watcher in ModeRW or
// ModeW, so the caller can feed them to the process under observation.
type Inject func([]byte) error

// Broadcaster fans PTY output out to connected WebSocket watchers and
// implements io.Writer, so a Process.Read callback can write each chunk
// to it with no core-package coupling.
type Broadcaster struct {
	inject Inject

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool
}

type watcher struct {
	conn *websocket.Conn
	mode Mode
}

// NewBroadcaster creates a Broadcaster. inject may be nil if no
// watcher is ever allowed to send input (all watchers behave as
// ModeR regardless of the mode they request).
func NewBroadcaster(inject Inject) *Broadcaster {
	return &Broadcaster{
		inject:   inject,
		watchers: make(map[*watcher]struct{}),
	}
}

// Write implements io.Writer. It never blocks on a slow watcher for
// long: each watcher write gets its own short timeout, and a watcher
// that errors is dropped rather than stalling the others.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.Lock()
	watchers := make([]*watcher, 0, len(b.watchers))
	for w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		if w.mode == ModeW {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := w.conn.Write(ctx, websocket.MessageBinary, p)
		cancel()
		if err != nil {
			b.drop(w)
		}
	}
	return len(p), nil
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a watcher until it disconnects or the Broadcaster is
// closed. The "mode" query parameter selects ModeR/ModeW/ModeRW,
// defaulting to ModeRW.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("observer: accept: %v", err)
		return
	}

	mode := modeFromQuery(r.URL.Query().Get("mode"))
	if b.inject == nil {
		mode = ModeR
	}
	watcher := &watcher{conn: conn, mode: mode}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "broadcaster closed")
		return
	}
	b.watchers[watcher] = struct{}{}
	b.mu.Unlock()

	defer b.drop(watcher)

	if mode == ModeR {
		// Reader-only watchers still need their connection read so the
		// library's control-frame handling (ping/pong, close) runs.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if len(data) == 0 || b.inject == nil {
			continue
		}
		if err := b.inject(data); err != nil {
			log.Printf("observer: inject: %v", err)
		}
	}
}

// Close disconnects every watcher and rejects future connections.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	watchers := make([]*watcher, 0, len(b.watchers))
	for w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.watchers = make(map[*watcher]struct{})
	b.mu.Unlock()

	for _, w := range watchers {
		w.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// Count returns the number of currently connected watchers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

func (b *Broadcaster) drop(w *watcher) {
	b.mu.Lock()
	_, ok := b.watchers[w]
	delete(b.watchers, w)
	b.mu.Unlock()
	if ok {
		w.conn.CloseNow()
	}
}

func modeFromQuery(s string) Mode {
	switch s {
	case "r":
		return ModeR
	case "w":
		return ModeW
	default:
		return ModeRW
	}
}
