// Package tlsshim implements the TLS Shim (spec §4.E): a conn.IO
// implementation that drives a TLS handshake and then translates the
// FSM's read/write calls into TLS session calls, mapping would-block
// and fatal TLS errors the same way a plain socket maps EAGAIN and
// ECONNRESET. The Connection FSM in pkg/emhttpd/conn is unchanged by
// TLS; only the IO implementation handed to conn.New differs, per the
// "function-pointer dispatch for TLS vs plain" design note.
package tlsshim

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"time"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
)

// ErrTLSFatal wraps a TLS-layer error that is not a would-block
// condition: an alert, a handshake failure, or any other error the
// crypto/tls state machine reports as terminal for the session.
var ErrTLSFatal = errors.New("tlsshim: fatal TLS error")

// pastDeadline is used to poll a *tls.Conn without blocking: a deadline
// already in the past makes Read/Write return immediately with either
// the requested bytes (if already buffered at the kernel/TLS-record
// layer) or a timeout error, which Shim maps to conn.ErrWouldBlock. This
// is the standard way to drive crypto/tls — which only speaks
// net.Conn — from a readiness-polling scheduler that does not own a
// blocking thread per connection.
var pastDeadline = time.Unix(1, 0)

// Shim adapts a *tls.Conn to conn.IO. Blocking mode (used by the
// thread-per-connection scheduler) performs ordinary blocking
// Read/Write; non-blocking mode (used by both select schedulers) polls
// with an already-expired deadline and translates a timeout into
// conn.ErrWouldBlock, per §4.E's "map TLS would-block/interrupted into
// the FSM's try again without advancing state".
type Shim struct {
	tlsConn     *tls.Conn
	blocking    bool
	idleTimeout time.Duration
}

// New wraps raw, an already-accepted net.Conn, in a TLS server session
// using cfg. blocking selects which I/O discipline Read/Write use; it
// must match the scheduler mode the connection is driven under.
func New(raw net.Conn, cfg *tls.Config, blocking bool) *Shim {
	return &Shim{tlsConn: tls.Server(raw, cfg), blocking: blocking}
}

// SetIdleTimeout arms a per-read/write deadline for blocking mode, so a
// thread-per-connection worker's idle timeout (enforced the same way
// daemon.deadlineIO enforces it for plaintext sockets) also applies to
// TLS connections: a deadline-exceeded error is reported as
// conn.ErrWouldBlock rather than a fatal I/O error.
func (s *Shim) SetIdleTimeout(d time.Duration) { s.idleTimeout = d }

func (s *Shim) readDeadline() time.Time {
	if !s.blocking {
		return pastDeadline
	}
	if s.idleTimeout > 0 {
		return time.Now().Add(s.idleTimeout)
	}
	return time.Time{}
}

// Handshake drives TLS_CONNECTION_INIT. It returns (true, nil) once the
// handshake has completed, (false, nil) when the caller should retry on
// the next readiness signal (non-blocking mode only — blocking mode
// never returns this), and a non-nil error on fatal handshake failure.
func (s *Shim) Handshake() (done bool, err error) {
	if s.blocking {
		if err := s.tlsConn.Handshake(); err != nil {
			return false, errFromTLS(err)
		}
		return true, nil
	}
	s.tlsConn.SetDeadline(pastDeadline)
	err = s.tlsConn.Handshake()
	if err == nil {
		s.tlsConn.SetDeadline(time.Time{})
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, errFromTLS(err)
}

// Read implements conn.IO.
func (s *Shim) Read(p []byte) (int, error) {
	dl := s.readDeadline()
	if !dl.IsZero() {
		s.tlsConn.SetReadDeadline(dl)
	}
	n, err := s.tlsConn.Read(p)
	if err != nil && isTimeout(err) {
		return n, conn.ErrWouldBlock
	}
	if err != nil && isFatalTLS(err) {
		return n, errFromTLS(err)
	}
	return n, err
}

// Write implements conn.IO.
func (s *Shim) Write(p []byte) (int, error) {
	dl := s.readDeadline()
	if !dl.IsZero() {
		s.tlsConn.SetWriteDeadline(dl)
	}
	n, err := s.tlsConn.Write(p)
	if err != nil && isTimeout(err) {
		return n, conn.ErrWouldBlock
	}
	if err != nil && isFatalTLS(err) {
		return n, errFromTLS(err)
	}
	return n, err
}

// Close sends close_notify (via *tls.Conn.Close, which writes the TLS
// close-notify alert before closing the underlying socket) per §4.E.
func (s *Shim) Close() error {
	return s.tlsConn.Close()
}

// ConnectionState exposes the negotiated parameters queryable per
// spec.md §6: cipher suite, protocol version, and (once available) the
// negotiated ALPN protocol.
func (s *Shim) ConnectionState() conn.TLSInfo {
	st := s.tlsConn.ConnectionState()
	return conn.TLSInfo{
		Enabled:         true,
		Version:         st.Version,
		CipherSuite:     st.CipherSuite,
		NegotiatedProto: st.NegotiatedProtocol,
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isFatalTLS reports whether err terminates the session outright, as
// opposed to a plain EOF/closed-connection condition, which is returned
// unwrapped so the FSM handles it exactly as it would for a plain socket.
func isFatalTLS(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	var alertErr tls.AlertError
	var recordErr tls.RecordHeaderError
	return errors.As(err, &alertErr) || errors.As(err, &recordErr)
}

func errFromTLS(err error) error {
	return errors.Join(ErrTLSFatal, err)
}
