// Command porchcat is a smoke-test binary for package porch: it spawns
// a command under a PTY and relays the operator's own terminal to it,
// the same shape as an interactive expect script's "interact" mode but
// without any scripting language in front of it.
//
//go:build darwin || linux

package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"porch"
	"porch/observer"
)

func main() {
	porch.Init() // must run first: services re-exec'd pre-exec children

	logPath := os.Getenv("PORCHCAT_LOG")
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), fmt.Sprintf("porchcat-%d.log", os.Getpid()))
	}
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		log.SetOutput(f)
	}

	fs := flag.NewFlagSet("porchcat", flag.ExitOnError)
	watchAddr := fs.String("watch-addr", "", "bind address for a WebSocket watcher endpoint (overrides PORCHCAT_WATCH_ADDR env and config file)")
	fs.Parse(os.Args[1:])
	argv := fs.Args()

	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: porchcat [-watch-addr host:port] <command> [args...]")
		os.Exit(1)
	}

	addr := *watchAddr
	if addr == "" {
		addr = os.Getenv("PORCHCAT_WATCH_ADDR")
	}
	if addr == "" {
		addr = readConfigValue("watch_addr")
	}

	if err := run(argv, addr); err != nil {
		log.Printf("porchcat: %v", err)
		fmt.Fprintf(os.Stderr, "porchcat: %v\n", err)
		os.Exit(1)
	}
}

// session holds the operator-facing relay state: porch's own Process
// plus the local terminal's raw-mode save/restore.
type session struct {
	proc        *porch.Process
	term        *porch.Terminal
	origTermios unix.Termios
	mu          sync.Mutex
}

func run(argv []string, watchAddr string) error {
	proc, err := porch.Spawn(argv, func(msg string) {
		log.Printf("porchcat: child pre-exec error: %s", msg)
	})
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	term, err := proc.Term()
	if err != nil {
		return fmt.Errorf("term: %w", err)
	}

	s := &session{proc: proc, term: term}

	var bc *observer.Broadcaster
	if watchAddr != "" {
		bc = observer.NewBroadcaster(func(data []byte) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			_, err := proc.Write(data)
			return err
		})
		srv := &http.Server{Addr: watchAddr, Handler: bc}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("porchcat: watch server: %v", err)
			}
		}()
		defer bc.Close()
		log.Printf("porchcat: watchers may connect to ws://%s", watchAddr)
	}

	if err := s.setRaw(); err != nil {
		log.Printf("warn: setRaw: %v", err)
	} else {
		defer s.restoreTermios()
	}

	if err := s.syncWinsize(); err != nil {
		log.Printf("warn: syncWinsize: %v", err)
	}

	if err := proc.Release(nil); err != nil {
		return fmt.Errorf("release: %w", err)
	}

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if err := s.syncWinsize(); err != nil {
				log.Printf("warn: syncWinsize on SIGWINCH: %v", err)
			}
		}
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				s.mu.Lock()
				proc.Write(buf[:n])
				s.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	err = proc.Read(-1, func(chunk []byte) bool {
		if chunk == nil {
			return true // EOF: stop the loop
		}
		os.Stdout.Write(chunk)
		if bc != nil {
			bc.Write(chunk)
		}
		return false
	})

	closeErr := proc.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (s *session) syncWinsize() error {
	ws, err := unix.IoctlGetWinsize(int(os.Stdin.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return err
	}
	_, _, err = s.term.SetSize(int(ws.Col), int(ws.Row))
	return err
}

// setRaw and restoreTermios put the operator's own terminal (not the
// child's) into raw mode for the session's duration, the cfmakeraw
// equivalent against golang.org/x/sys/unix.Termios.
func (s *session) setRaw() error {
	fd := int(os.Stdin.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	s.origTermios = *t

	raw := *t
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, ioctlSetTermios, &raw)
}

func (s *session) restoreTermios() {
	fd := int(os.Stdin.Fd())
	unix.IoctlSetTermios(fd, ioctlSetTermios, &s.origTermios)
}
