//go:build tinygo

// Package netflash accepts a UF2 file over a plain TCP connection and
// feeds it straight into the orchestrator, as a second way to trigger a
// load alongside the SD card path, useful when there's no card reader
// nearby. The wire protocol is deliberately thin: a one-line header
// naming the file, then the raw UF2 block stream, then a one-line result.
package netflash

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"

	"github.com/crucible-systems/sdloader/internal/orchestrator"
)

const (
	defaultTimeout = 10 * time.Minute
	rxBufSize      = 4096 + 64
	headerBufSize  = 128
)

var (
	mu          sync.Mutex
	enabled     bool
	enabledAt   time.Time
	enableFor   time.Duration
	stack       *xnet.StackAsync
	logger      *slog.Logger
	orch        *orchestrator.Orchestrator
	listenPort  uint16
	rxBuf       [rxBufSize]byte
	txBuf       [512]byte
)

// Enable opens the receiver for one session, for timeout (or
// defaultTimeout if zero). It auto-disables after the window elapses or
// after one session completes, to minimize the window a network-visible
// flasher is reachable.
func Enable(timeout time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if timeout == 0 {
		timeout = defaultTimeout
	}
	enabled = true
	enabledAt = time.Now()
	enableFor = timeout
	if logger != nil {
		logger.Info("netflash:enabled", slog.String("timeout", timeout.String()))
	}
}

// Disable closes the receiver immediately.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	enabled = false
	if logger != nil {
		logger.Info("netflash:disabled")
	}
}

// IsEnabled reports whether the receiver is currently open, expiring the
// window if it has elapsed.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		return false
	}
	if time.Since(enabledAt) > enableFor {
		enabled = false
		return false
	}
	return true
}

// Init wires the receiver to a network stack, an Orchestrator to drive
// loads against, and a port to listen on. It starts disabled; call Enable
// to open a window. Init must be called once at start of day.
func Init(s *xnet.StackAsync, o *orchestrator.Orchestrator, port int, log *slog.Logger) {
	mu.Lock()
	stack = s
	orch = o
	listenPort = uint16(port)
	logger = log
	mu.Unlock()

	go serverLoop()
}

func serverLoop() {
	mu.Lock()
	s, l, port := stack, logger, listenPort
	mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.Error("netflash:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             rxBuf[:],
		TxBuf:             txBuf[:],
		TxPacketQueueSize: 2,
	}); err != nil {
		l.Error("netflash:configure-failed", slog.String("err", err.Error()))
		return
	}

	l.Info("netflash:ready", slog.Int("port", int(port)))

	for {
		for !IsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := s.ListenTCP(&conn, port); err != nil {
			l.Error("netflash:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && IsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !IsEnabled() {
			conn.Abort()
			continue
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		l.Info("netflash:connected")
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.Error("netflash:session-panic")
				}
			}()
			handleSession(&conn, l)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		Disable()
	}
}

// handleSession reads the "LOAD <filename>\n" header, streams the UF2
// body through the orchestrator, and writes back one result line.
func handleSession(conn *tcp.Conn, l *slog.Logger) {
	var header [headerBufSize]byte
	n, err := readLine(conn, header[:], 10*time.Second)
	if err != nil {
		l.Error("netflash:no-header", slog.String("err", err.Error()))
		return
	}
	line := string(header[:n])
	if !strings.HasPrefix(line, "LOAD ") {
		l.Error("netflash:bad-header", slog.String("got", line))
		writeLine(conn, "ERROR expected LOAD <filename>")
		return
	}
	filename := strings.TrimSpace(line[len("LOAD "):])

	r := &connReader{conn: conn, timeout: 30 * time.Second}
	res, loadErr := orch.Load(r, filename)
	if loadErr != nil {
		l.Error("netflash:load-error", slog.String("err", loadErr.Error()))
		writeLine(conn, fmt.Sprintf("ERROR %s", loadErr.Error()))
		return
	}

	l.Info("netflash:result", slog.String("filename", filename), slog.String("result", res.String()))
	writeLine(conn, res.String())
}

// connReader adapts a tcp.Conn into an io.Reader with a per-Read timeout,
// matching the orchestrator's expectation that a short read means
// end-of-stream, never a spurious empty read.
type connReader struct {
	conn    *tcp.Conn
	timeout time.Duration
}

func (r *connReader) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(r.timeout)
	for time.Now().Before(deadline) {
		if r.conn.State().IsClosed() || r.conn.State().IsClosing() {
			return 0, io.EOF
		}
		n, err := r.conn.Read(buf)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		if n > 0 {
			return n, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, errors.New("netflash: read timeout")
}

func readLine(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return total, io.EOF
		}
		n, err := conn.Read(buf[total : total+1])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return total, err
		}
		if n > 0 {
			if buf[total] == '\n' {
				return total, nil
			}
			total += n
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}
	return total, errors.New("netflash: header timeout")
}

func writeLine(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
	conn.Write([]byte("\n"))
	conn.Flush()
}
