//go:build tinygo

// Package console runs a tiny authenticated TCP debug console for field
// diagnosis: "why didn't my card boot" without requiring UART access. It
// is read-only, every command reports state, none of them can trigger a
// load or touch flash. That capability belongs to netflash and the SD
// path alone.
package console

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"

	"github.com/crucible-systems/sdloader/internal/flashdrv"
	"github.com/crucible-systems/sdloader/internal/ledstatus"
	"github.com/crucible-systems/sdloader/internal/proginfo"
	"github.com/crucible-systems/sdloader/internal/secrets"
	"github.com/crucible-systems/sdloader/internal/target"
	"github.com/crucible-systems/sdloader/version"
)

const (
	port      = uint16(23) // telnet
	rxBufSize = 1024
	txBufSize = 1024
	cmdBufMax = 256
)

var (
	rxBuf [rxBufSize]byte
	txBuf [txBufSize]byte
	cmdBuf [cmdBufMax]byte
)

// Authentication state for brute-force protection, shared across
// sessions since there is only ever one console listener.
var (
	authFailures    int
	lastFailureTime time.Time
)

const (
	cmdHelp     = "help"
	cmdVersion  = "version"
	cmdTarget   = "target"
	cmdProgInfo = "proginfo"
	cmdBootCmd  = "bootcmd"
	cmdStatus   = "status"
)

// Deps is everything the console reports on. It never calls Erase or
// Program, only Target, a read-only flashdrv.Reader, and the
// boot-command scratch registers.
type Deps struct {
	Target      target.Target
	Reader      flashdrv.Reader
	ScratchRegs proginfo.ScratchRegs
}

// Run listens on the telnet port and serves one authenticated session at
// a time, forever. Call it in its own goroutine.
func Run(stack *xnet.StackAsync, deps Deps, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             rxBuf[:],
		TxBuf:             txBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), port)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if lockout := lockoutRemaining(); lockout > 0 {
			time.Sleep(1 * time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, port); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		if !authenticate(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			closeConn(&conn)
			continue
		}
		logger.Info("console:authenticated")

		write(&conn, "sdloader debug console. Type 'help' for commands.\r\n> ")
		conn.Flush()

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			serve(&conn, deps, logger)
		}()

		closeConn(&conn)
		logger.Info("console:disconnected")
	}
}

func serve(conn *tcp.Conn, deps Deps, logger *slog.Logger) {
	var readBuf [64]byte
	var cmdLen int
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(cmdBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				time.Sleep(10 * time.Millisecond)
				if cmdLen > 0 {
					dispatch(conn, cmdBuf[:cmdLen], deps)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 {
				cmdBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}
		if cmdLen >= len(cmdBuf)-1 {
			cmdLen = 0
			write(conn, "\r\nline too long\r\n> ")
			conn.Flush()
		}
	}
}

func dispatch(conn *tcp.Conn, cmd []byte, deps Deps) {
	defer func() {
		if r := recover(); r != nil {
			write(conn, "\r\ninternal error\r\n")
		}
	}()

	switch string(cmd) {
	case cmdHelp:
		write(conn, "commands: help version target proginfo bootcmd status\r\n")

	case cmdVersion:
		write(conn, "sdloader\r\n  version: ")
		write(conn, version.Version)
		write(conn, "\r\n  sha:     ")
		write(conn, version.GitSHA)
		write(conn, "\r\n  built:   ")
		write(conn, version.BuildDate)
		write(conn, "\r\n")

	case cmdTarget:
		writeTarget(conn, deps.Target)

	case cmdProgInfo:
		writeProgInfo(conn, deps)

	case cmdBootCmd:
		writeBootCmd(conn, deps)

	case cmdStatus:
		write(conn, "led: ")
		write(conn, ledstatus.Current().String())
		write(conn, "\r\n")

	default:
		write(conn, "unknown command: ")
		conn.Write(cmd)
		write(conn, "\r\ntype 'help' for commands\r\n")
	}
	conn.Flush()
	time.Sleep(50 * time.Millisecond)
}

func writeTarget(conn *tcp.Conn, tgt target.Target) {
	write(conn, "platform: ")
	if tgt.Platform() == target.PlatformA {
		write(conn, "A\r\n")
	} else {
		write(conn, "B\r\n")
	}
	write(conn, "flash_end: ")
	flashEnd, err := tgt.FlashEnd()
	if err != nil {
		write(conn, "unresolved\r\n")
	} else {
		write(conn, "0x")
		writeHex(conn, flashEnd)
		write(conn, "\r\n")
	}
	layout := tgt.ProgInfo()
	write(conn, "proginfo offset: 0x")
	writeHex(conn, layout.Offset)
	write(conn, " size: ")
	writeInt(conn, layout.Size)
	write(conn, "\r\npreserves stub: ")
	write(conn, yesNo(tgt.PreserveStub()))
	write(conn, "\r\ncommits proginfo: ")
	write(conn, yesNo(tgt.CommitsProgInfo()))
	write(conn, "\r\n")
}

func writeProgInfo(conn *tcp.Conn, deps Deps) {
	layout := deps.Target.ProgInfo()
	info, err := proginfo.Get(deps.Reader, layout)
	if err != nil {
		write(conn, "no application installed (")
		write(conn, err.Error())
		write(conn, ")\r\n")
		return
	}
	write(conn, "application installed\r\n  flash_end: 0x")
	writeHex(conn, info.FlashEnd)
	write(conn, "\r\n  filename:  ")
	if info.Filename == "" {
		write(conn, "(none)")
	} else {
		write(conn, info.Filename)
	}
	write(conn, "\r\n")
}

func writeBootCmd(conn *tcp.Conn, deps Deps) {
	if deps.ScratchRegs == nil {
		write(conn, "no scratch registers configured\r\n")
		return
	}
	words := deps.ScratchRegs.Read()
	write(conn, "scratch: 0x")
	writeHex(conn, words[0])
	write(conn, " 0x")
	writeHex(conn, words[1])
	write(conn, " 0x")
	writeHex(conn, words[2])
	write(conn, "\r\n")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func write(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func writeHex(conn *tcp.Conn, n uint32) {
	const hexDigits = "0123456789abcdef"
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	start := 0
	for start < 7 && buf[start] == '0' {
		start++
	}
	conn.Write(buf[start:])
}

var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

// authenticate prompts for the console password with client echo
// disabled and compares it in constant time.
func authenticate(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	write(conn, "Password: ")
	conn.Flush()

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		write(conn, "\r\n")
		conn.Flush()
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}
		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]
			if skipIAC > 0 {
				skipIAC--
				continue
			}
			if b == 0xFF {
				skipIAC = 2
				continue
			}
			if b == '\n' || b == '\r' {
				restoreEcho()
				expected := []byte(secrets.ConsolePassword())
				ok := subtle.ConstantTimeCompare(passBuf[:passLen], expected) == 1
				if ok {
					authFailures = 0
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}
		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}
	restoreEcho()
	recordFailure()
	return false
}

func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

// lockoutRemaining returns how much longer new connections are refused,
// escalating with repeated failures.
func lockoutRemaining() time.Duration {
	var lockout time.Duration
	switch {
	case authFailures >= 10:
		lockout = 5 * time.Minute
	case authFailures >= 5:
		lockout = 30 * time.Second
	case authFailures >= 3:
		lockout = 5 * time.Second
	default:
		return 0
	}
	remaining := lockout - time.Since(lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func closeConn(conn *tcp.Conn) {
	conn.Close()
	for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
}

func formatRemoteIP(addr []byte) string {
	if len(addr) != 4 {
		return "unknown"
	}
	var buf [15]byte
	pos := 0
	for i := 0; i < 4; i++ {
		if i > 0 {
			buf[pos] = '.'
			pos++
		}
		pos += writeIntToBuf(buf[pos:], int(addr[i]))
	}
	return string(buf[:pos])
}

func writeIntToBuf(buf []byte, n int) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}
	var digits [3]byte
	i := len(digits)
	for n > 0 && i > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	copy(buf, digits[i:])
	return len(digits) - i
}
