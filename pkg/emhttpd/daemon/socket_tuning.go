package daemon

import (
	"net"

	"golang.org/x/sys/unix"
)

// SocketTuning is the optional "(new) Socket tuning options" bundle from
// SPEC_FULL.md §6, adapted from the teacher's socket package
// (socket/tuning.go + tuning_linux.go + tuning_darwin.go +
// tuning_other.go) to apply at accept time via golang.org/x/sys/unix
// rather than raw syscall.SetsockoptInt, since unix already carries the
// platform-specific constants this daemon needs for epoll/kqueue too.
// Zero values mean "leave the system default in place".
type SocketTuning struct {
	RecvBuffer  int
	SendBuffer  int
	KeepAlive   bool
	QuickAck    bool // Linux only; no-op elsewhere
	DeferAccept bool // Linux only; applied to the listener, not each conn
}

// applyConnTuning applies the per-connection options (buffer sizes,
// keepalive, QuickACK) to an accepted socket. Non-TCP connections (e.g.
// a net.Pipe in tests) are left untouched.
func applyConnTuning(c net.Conn, t *SocketTuning) error {
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var lastErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			lastErr = err
			return
		}
		if t.RecvBuffer > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, t.RecvBuffer)
		}
		if t.SendBuffer > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, t.SendBuffer)
		}
		if t.KeepAlive {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		}
		applyPlatformConnTuning(int(fd), t)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return lastErr
}

// applyListenerTuning applies listener-scoped options (TCP_DEFER_ACCEPT
// and friends), which must be set before Accept is first called.
func applyListenerTuning(l net.Listener, t *SocketTuning) error {
	tcp, ok := l.(*net.TCPListener)
	if !ok {
		return nil
	}
	file, err := tcp.File()
	if err != nil {
		return err
	}
	defer file.Close()
	return applyPlatformListenerTuning(int(file.Fd()), t)
}
