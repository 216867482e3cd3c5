package daemon

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
	"github.com/yourusername/emhttpd/pkg/emhttpd/tlsshim"
)

// runThreadPerConnection is the Thread-per-connection scheduler (§4.F):
// the accept loop runs on its own goroutine, and each accepted
// connection is handed to a freshly spawned worker that drives the FSM
// with blocking read/write until Closed — grounded directly on the
// teacher's BaseServer accept-and-dispatch pattern (server/server.go),
// generalized from net/http-style handlers to the conn.Connection FSM.
func (d *Daemon) runThreadPerConnection() {
	defer d.wg.Done()
	for {
		raw, err := d.listener.Accept()
		if err != nil {
			if d.shutdown.Load() {
				return
			}
			d.log("accept failed", "error", err)
			continue
		}
		if d.connSem != nil {
			select {
			case d.connSem <- struct{}{}:
			default:
				d.metrics.rejectedConnections.Inc()
				raw.Close()
				continue
			}
		}
		d.metrics.acceptedConnections.Inc()
		d.wg.Add(1)
		go d.serveBlocking(raw)
	}
}

// deadlineIO wraps a blocking net.Conn so a per-connection idle timeout
// can be enforced on the single goroutine already driving this
// connection's FSM, rather than by a second goroutine racing the FSM's
// "owned by exactly one goroutine at a time" invariant (§5). Each Read
// arms a deadline of timeout past now; a deadline-exceeded error is
// reported as conn.ErrWouldBlock, which simply suspends the FSM tick —
// the caller then drives one TriggerIdle tick to let Advance's own
// timedOut() check decide whether to close with "timeout".
type deadlineIO struct {
	conn.NetIO
	timeout time.Duration
}

func (d deadlineIO) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		d.NetIO.Conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	n, err := d.NetIO.Read(p)
	if err != nil && isDeadlineExceeded(err) {
		return n, conn.ErrWouldBlock
	}
	return n, err
}

func isDeadlineExceeded(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (d *Daemon) serveBlocking(raw net.Conn) {
	defer d.wg.Done()

	if d.opts.SocketTuning != nil {
		if err := applyConnTuning(raw, d.opts.SocketTuning); err != nil {
			d.log("connection tuning failed", "error", err, "remote", raw.RemoteAddr().String())
		}
	}

	id := uuid.New()
	var c *conn.Connection
	var io conn.IO = deadlineIO{NetIO: conn.NetIO{Conn: raw}, timeout: d.opts.Timeout}

	if d.tlsConf != nil {
		shim := tlsshim.New(raw, d.tlsConf, true)
		shim.SetIdleTimeout(d.opts.Timeout)
		c = conn.NewTLS(shim, raw.RemoteAddr().String(), d.connCfg)
		if done, err := shim.Handshake(); err != nil || !done {
			d.log("tls handshake failed", "conn_id", id.String(), "error", err)
			raw.Close()
			return
		}
		c.CompleteHandshake(shim.ConnectionState())
		io = shim
	} else {
		c = conn.New(io, raw.RemoteAddr().String(), d.connCfg)
	}

	tc := &trackedConn{id: id, c: c, raw: raw, io: io, fd: -1}
	d.track(tc)
	defer d.untrack(tc)
	defer raw.Close()

	for c.State() != conn.Closed {
		c.Advance(conn.TriggerReadable)
		if c.State() != conn.Closed {
			c.Advance(conn.TriggerIdle)
		}
	}
}
