package daemon

import (
	"errors"
	"net"
	"time"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
)

// nonblockIO adapts a net.Conn to conn.IO for the two select-based
// scheduler modes, using the same already-expired-deadline polling
// technique as tlsshim.Shim rather than driving raw fd reads directly:
// the poller only tells this daemon which fds are *candidates* for
// readiness (epoll/kqueue readability, or every fd on the portable
// fallback), and a would-block Read/Write here is simply reported back
// to the FSM as conn.ErrWouldBlock so it suspends until the next tick.
type nonblockIO struct {
	net.Conn
}

var pastDeadline = time.Unix(1, 0)

func (n nonblockIO) Read(p []byte) (int, error) {
	n.Conn.SetReadDeadline(pastDeadline)
	c, err := n.Conn.Read(p)
	if err != nil && isDeadlineExceeded(err) {
		return c, conn.ErrWouldBlock
	}
	return c, err
}

func (n nonblockIO) Write(p []byte) (int, error) {
	n.Conn.SetWriteDeadline(pastDeadline)
	c, err := n.Conn.Write(p)
	if err != nil && isDeadlineExceeded(err) {
		return c, conn.ErrWouldBlock
	}
	return c, err
}

var errNotTCPConn = errors.New("daemon: connection is not a *net.TCPConn, cannot register with poller")

// connFD extracts a duplicated file descriptor from a *net.TCPConn for
// registration with the poller; the duplicate is owned by the caller
// and must be closed independently of the original net.Conn (which the
// daemon continues to use for Read/Write via nonblockIO).
func connFD(c net.Conn) (int, error) {
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return -1, errNotTCPConn
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	if err := raw.Control(func(rawfd uintptr) {
		fd, dupErr = dupFD(int(rawfd))
	}); err != nil {
		return -1, err
	}
	return fd, dupErr
}
