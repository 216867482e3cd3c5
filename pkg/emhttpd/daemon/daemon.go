// Package daemon implements the Daemon/Scheduler (spec §4.F) and the
// Public Surface (§4.G): it owns the listen socket, accepts
// connections, constructs one conn.Connection per accepted socket, and
// drives each one to completion under exactly one of three fixed
// scheduling disciplines, the way the teacher's server.BaseServer owns
// one listener and one connection set per Server instance.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
	"github.com/yourusername/emhttpd/pkg/emhttpd/tlsshim"
)

// Mode selects one of the three execution modes described in §4.F.
// It is fixed for the lifetime of a Daemon.
type Mode uint8

const (
	// ThreadPerConnection spawns one goroutine per accepted connection,
	// driving its FSM with blocking reads/writes until Closed.
	ThreadPerConnection Mode = iota
	// InternalSelect owns a single readiness-polling loop (epoll/kqueue)
	// over the listener, every live connection, and a wakeup pipe.
	InternalSelect
	// ExternalSelect exposes FillReadinessSets/Run/GetTimeout so the host
	// process drives the poll loop itself.
	ExternalSelect
)

func (m Mode) String() string {
	switch m {
	case ThreadPerConnection:
		return "thread-per-connection"
	case InternalSelect:
		return "internal-select"
	case ExternalSelect:
		return "external-select"
	default:
		return "unknown"
	}
}

// Options configures a Daemon, per spec.md §6's configuration-option
// list plus the ambient/domain-stack additions in SPEC_FULL.md.
type Options struct {
	// Network is "tcp", "tcp4", or "tcp6". Default "tcp".
	Network string
	// Addr is host:port to listen on; a 0 port is ephemeral.
	Addr string
	Mode Mode

	Timeout              time.Duration
	MaxConnections       int
	PoolSize             int
	MaxKeepAliveRequests int
	Limits               conn.Limits

	Handler      conn.Handler
	AcceptPolicy conn.AcceptPolicy
	Notify       conn.NotifyCompleted
	Log          conn.LogFunc

	// TLSCert/TLSKey are PEM-encoded; supplying both enables TLS on the
	// listener. Certificate/key parsing from disk is the host's job —
	// the core never reads a file path (§1, §4.E).
	TLSCert          []byte
	TLSKey           []byte
	TLSCipherSuites  []uint16
	TLSMinVersion    uint16

	// SocketTuning, when non-nil, applies the optional TCP_QUICKACK /
	// TCP_DEFER_ACCEPT / buffer-sizing / keepalive-timing options from
	// §6's "(new) Socket tuning options" to every accepted connection.
	SocketTuning *SocketTuning

	// MetricsRegisterer, when non-nil, registers the daemon's
	// prometheus.Collectors against it.
	MetricsRegisterer prometheus.Registerer
}

func (o *Options) applyDefaults() {
	if o.Network == "" {
		o.Network = "tcp"
	}
	if o.PoolSize == 0 {
		o.PoolSize = 32 << 10
	}
}

// Daemon is one running (or stopped) server instance: a listener, a
// connection set, and the fixed scheduling discipline driving it.
type Daemon struct {
	opts     Options
	listener net.Listener
	tlsConf  *tls.Config
	connCfg  *conn.Config
	metrics  *metricsSet
	log      conn.LogFunc

	connSem chan struct{}

	mu       sync.Mutex
	conns    map[*trackedConn]struct{}
	shutdown atomic.Bool
	wg       sync.WaitGroup

	poll       *poller // only used by InternalSelect/ExternalSelect
	listenerFD int     // duplicated fd, valid only alongside poll
}

// trackedConn pairs a conn.Connection with the bookkeeping the daemon
// needs outside the FSM itself: its own identity (for log/metric
// correlation, per SPEC_FULL.md's "(new, ambient) Connection identity"),
// its raw net.Conn (for non-blocking Read/Write and for removal from a
// poller), and whether it is still registered with a poller.
type trackedConn struct {
	id  uuid.UUID
	c   *conn.Connection
	raw net.Conn
	io  conn.IO
	fd  int // -1 when unknown (e.g. a net.Pipe in tests, or thread-per-connection mode)

	// tlsShim is non-nil only for TLS connections driven by a
	// non-blocking scheduler mode, which must re-drive the handshake
	// across ticks rather than completing it inline before tracking.
	tlsShim *tlsshim.Shim
}

// New constructs a Daemon bound to opts but does not start accepting
// connections; call Start.
func New(opts Options) (*Daemon, error) {
	opts.applyDefaults()
	if opts.Handler == nil {
		return nil, errors.New("daemon: Options.Handler is required")
	}

	d := &Daemon{opts: opts, conns: make(map[*trackedConn]struct{}), listenerFD: -1}
	d.log = opts.Log
	if d.log == nil {
		d.log = defaultLogger()
	}

	if opts.MaxConnections > 0 {
		d.connSem = make(chan struct{}, opts.MaxConnections)
	}

	if len(opts.TLSCert) > 0 && len(opts.TLSKey) > 0 {
		cert, err := tls.X509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("daemon: parse TLS keypair: %w", err)
		}
		minVersion := opts.TLSMinVersion
		if minVersion == 0 {
			minVersion = tls.VersionTLS12
		}
		d.tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   minVersion,
			CipherSuites: opts.TLSCipherSuites,
		}
	}

	d.connCfg = &conn.Config{
		Limits:               opts.Limits,
		Timeout:              opts.Timeout,
		PoolSize:             opts.PoolSize,
		Handler:              opts.Handler,
		AcceptPolicy:         opts.AcceptPolicy,
		MaxKeepAliveRequests: opts.MaxKeepAliveRequests,
	}
	d.connCfg.Notify = d.wrapNotify(opts.Notify)
	d.connCfg.Log = d.wrapLog()

	var err error
	d.metrics, err = newMetricsSet(opts.MetricsRegisterer)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Start opens the listen socket (§6: SO_REUSEADDR, non-blocking accept)
// and launches the scheduling discipline selected by Options.Mode. For
// ExternalSelect, Start only opens the listener; the host must call
// FillReadinessSets/Run/GetTimeout itself.
func (d *Daemon) Start() error {
	ln, err := net.Listen(d.opts.Network, d.opts.Addr)
	if err != nil {
		return err
	}
	if d.opts.SocketTuning != nil {
		if err := applyListenerTuning(ln, d.opts.SocketTuning); err != nil {
			d.log("listener tuning failed", "error", err)
		}
	}
	d.listener = ln

	switch d.opts.Mode {
	case ThreadPerConnection:
		d.wg.Add(1)
		go d.runThreadPerConnection()
	case InternalSelect:
		p, err := newPoller()
		if err != nil {
			ln.Close()
			return fmt.Errorf("daemon: internal-select poller: %w", err)
		}
		d.poll = p
		if fd, err := listenerFD(d.listener); err != nil {
			d.log("internal-select: cannot obtain listener fd", "error", err)
			d.listenerFD = -1
		} else {
			d.listenerFD = fd
			_ = d.poll.add(d.listenerFD, listenerTag)
		}
		d.wg.Add(1)
		go d.runInternalSelect()
	case ExternalSelect:
		p, err := newPoller()
		if err != nil {
			ln.Close()
			return fmt.Errorf("daemon: external-select poller: %w", err)
		}
		d.poll = p
		if fd, err := listenerFD(d.listener); err != nil {
			d.log("external-select: cannot obtain listener fd", "error", err)
			d.listenerFD = -1
		} else {
			d.listenerFD = fd
		}
	default:
		ln.Close()
		return fmt.Errorf("daemon: unknown mode %v", d.opts.Mode)
	}
	return nil
}

// Addr returns the listener's actual address, useful when Options.Addr
// requested an ephemeral port.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Stop drains connections up to ctx's deadline, then forcibly closes
// whatever remains, per §6's "blocks until the listen socket is closed
// and all worker threads have joined".
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if d.listener != nil {
		d.listener.Close()
	}
	if d.poll != nil {
		d.poll.wakeup()
	}

	d.mu.Lock()
	for tc := range d.conns {
		tc.c.Advance(conn.TriggerIdle) // no-op unless already suspended
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	var stopErr error
	select {
	case <-drained:
	case <-ctx.Done():
		d.forceCloseAll()
		stopErr = ctx.Err()
	}

	if d.poll != nil {
		if d.listenerFD >= 0 {
			closeDupFD(d.listenerFD)
		}
		d.poll.Close()
	}
	return stopErr
}

func (d *Daemon) forceCloseAll() {
	d.mu.Lock()
	tcs := make([]*trackedConn, 0, len(d.conns))
	for tc := range d.conns {
		tcs = append(tcs, tc)
	}
	d.mu.Unlock()
	for _, tc := range tcs {
		if d.poll != nil && tc.fd >= 0 {
			d.poll.remove(tc.fd)
			closeDupFD(tc.fd)
		}
		tc.raw.Close()
	}
}

func (d *Daemon) track(tc *trackedConn) {
	d.mu.Lock()
	d.conns[tc] = struct{}{}
	d.mu.Unlock()
	d.metrics.activeConnections.Inc()
}

func (d *Daemon) untrack(tc *trackedConn) {
	d.mu.Lock()
	delete(d.conns, tc)
	d.mu.Unlock()
	if tc.c.State() == conn.Closed {
		tc.c.Release()
	}
	d.metrics.activeConnections.Dec()
	if d.connSem != nil {
		<-d.connSem
	}
}

func (d *Daemon) wrapNotify(user conn.NotifyCompleted) conn.NotifyCompleted {
	return func(c *conn.Connection, code conn.TerminationCode) {
		d.metrics.observeTermination(code)
		if user != nil {
			user(c, code)
		}
	}
}

func (d *Daemon) wrapLog() conn.LogFunc {
	return func(msg string, kv ...any) {
		d.log(msg, kv...)
	}
}
