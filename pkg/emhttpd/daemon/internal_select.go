package daemon

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
	"github.com/yourusername/emhttpd/pkg/emhttpd/tlsshim"
)

// listenerTag distinguishes the listen socket's entry in the poller's
// tag map from every trackedConn's.
var listenerTag = &struct{}{}

// pollIdleInterval bounds how long a wait() call blocks when nothing is
// ready, so every live connection still gets a TriggerIdle sweep even
// during a quiet period, per §4.D's "Idle tick: if now - last_activity >
// timeout, transition to CLOSED".
const pollIdleInterval = time.Second

// runInternalSelect is the Internal-select-thread scheduler (§4.F): a
// single goroutine owns the poller over the listener, every live
// connection, and the wakeup pipe, advancing each ready connection's
// FSM one step before returning to wait — grounded on the other_examples
// epoll/kqueue Engine's accept/poll loop, generalized from its inline
// HTTP parsing to this daemon's conn.Connection FSM.
func (d *Daemon) runInternalSelect() {
	defer d.wg.Done()

	for !d.shutdown.Load() {
		tags, err := d.poll.wait(pollIdleInterval)
		if err != nil {
			d.log("internal-select: poll wait failed", "error", err)
			continue
		}
		for _, tag := range tags {
			if tag == listenerTag {
				d.acceptAvailable()
				continue
			}
			d.tickConn(tag.(*trackedConn))
		}
		d.sweepIdle()
	}
}

// acceptAvailable drains every pending connection from the listen
// socket, the standard accept-until-EAGAIN loop for a readiness-polled
// listener (mirrors the blocking accept loop's one-at-a-time Accept,
// but a single readiness edge can carry an arbitrarily deep backlog).
func (d *Daemon) acceptAvailable() {
	if tcpLn, ok := d.listener.(*net.TCPListener); ok {
		tcpLn.SetDeadline(pastDeadline)
	}
	for {
		raw, err := d.listener.Accept()
		if err != nil {
			if !isDeadlineExceeded(err) && !d.shutdown.Load() {
				d.log("accept failed", "error", err)
			}
			return
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

		tc, err := d.newNonblockingConn(raw)
		if err != nil {
			d.log("accept setup failed", "error", err)
			raw.Close()
			if d.connSem != nil {
				<-d.connSem
			}
			continue
		}
		d.track(tc)
		if tc.fd >= 0 {
			if err := d.poll.add(tc.fd, tc); err != nil {
				d.log("register conn with poller failed", "error", err)
				d.closeTracked(tc)
			}
		}
	}
}

// newNonblockingConn builds a trackedConn driven with non-blocking I/O,
// shared by InternalSelect's accept loop and ExternalSelect's Run.
func (d *Daemon) newNonblockingConn(raw net.Conn) (*trackedConn, error) {
	if d.opts.SocketTuning != nil {
		if err := applyConnTuning(raw, d.opts.SocketTuning); err != nil {
			d.log("connection tuning failed", "error", err, "remote", raw.RemoteAddr().String())
		}
	}

	id := uuid.New()
	fd, fdErr := connFD(raw)
	if fdErr != nil {
		return nil, fdErr
	}

	if d.tlsConf != nil {
		shim := tlsshim.New(raw, d.tlsConf, false)
		c := conn.NewTLS(shim, raw.RemoteAddr().String(), d.connCfg)
		return &trackedConn{id: id, c: c, raw: raw, io: shim, fd: fd, tlsShim: shim}, nil
	}

	io := nonblockIO{Conn: raw}
	c := conn.New(io, raw.RemoteAddr().String(), d.connCfg)
	return &trackedConn{id: id, c: c, raw: raw, io: io, fd: fd}, nil
}

// tickConn advances one connection one step in response to a readiness
// signal: it first drives a pending TLS handshake to completion (over
// as many ticks as it takes), then steps the FSM itself exactly once.
func (d *Daemon) tickConn(tc *trackedConn) {
	if tc.tlsShim != nil && tc.c.State() == conn.TLSConnectionInit {
		done, err := tc.tlsShim.Handshake()
		if err != nil {
			d.log("tls handshake failed", "conn_id", tc.id.String(), "error", err)
			d.closeTracked(tc)
			return
		}
		if !done {
			return
		}
		tc.c.CompleteHandshake(tc.tlsShim.ConnectionState())
	}

	tc.c.Advance(conn.TriggerReadable)
	if tc.c.State() == conn.Closed {
		d.closeTracked(tc)
	}
}

// sweepIdle gives every tracked connection a TriggerIdle tick once per
// poll iteration, so connections with no traffic still get reaped on
// timeout even though they never produce a readiness event.
func (d *Daemon) sweepIdle() {
	d.mu.Lock()
	tcs := make([]*trackedConn, 0, len(d.conns))
	for tc := range d.conns {
		tcs = append(tcs, tc)
	}
	d.mu.Unlock()

	for _, tc := range tcs {
		if tc.c.State() == conn.TLSConnectionInit {
			continue
		}
		tc.c.Advance(conn.TriggerIdle)
		if tc.c.State() == conn.Closed {
			d.closeTracked(tc)
		}
	}
}

func (d *Daemon) closeTracked(tc *trackedConn) {
	if tc.fd >= 0 {
		d.poll.remove(tc.fd)
		closeDupFD(tc.fd)
	}
	tc.raw.Close()
	d.untrack(tc)
}

// listenerFD duplicates the listen socket's file descriptor for
// registration with the poller, mirroring connFD's duplicate-and-own
// contract.
func listenerFD(l net.Listener) (int, error) {
	tcp, ok := l.(*net.TCPListener)
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
