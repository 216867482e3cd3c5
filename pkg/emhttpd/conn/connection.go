package conn

import (
	"time"

	"github.com/yourusername/emhttpd/pkg/emhttpd/header"
	"github.com/yourusername/emhttpd/pkg/emhttpd/pool"
	"github.com/yourusername/emhttpd/pkg/emhttpd/response"
)

// Handler is the application's request callback. It is invoked once a
// request's headers (and, for bodies under the configured limit, its
// body) have been parsed into c.Headers. It must call c.QueueResponse
// before returning, or the connection is closed with an
// application-error termination.
type Handler func(c *Connection)

// AcceptPolicy decides whether to admit an already-parsed request. It
// backs both the general accept/reject decision made in
// HEADERS_PROCESSED and the Expect:100-continue "reject" branch
// described in §4.D.
type AcceptPolicy func(c *Connection) bool

// NotifyCompleted is invoked exactly once per connection, at the moment
// it reaches CLOSED, with the termination code.
type NotifyCompleted func(c *Connection, code TerminationCode)

// LogFunc receives structured log lines from the FSM. msg is a short
// event name; kv is alternating key/value pairs.
type LogFunc func(msg string, kv ...any)

// Config holds the callbacks and limits shared by every connection a
// daemon creates. One Config is shared read-only across connections.
type Config struct {
	Limits       Limits
	Timeout      time.Duration
	PoolSize     int
	Handler      Handler
	AcceptPolicy AcceptPolicy
	Notify       NotifyCompleted
	Log          LogFunc

	// MaxKeepAliveRequests caps how many requests one connection serves
	// before the FSM forces Connection: close (0 = unbounded).
	MaxKeepAliveRequests int
}

// Connection is one accepted socket and its in-flight request, driven by
// Advance. It is owned by exactly one goroutine at a time.
type Connection struct {
	cfg        *Config
	io         IO
	remoteAddr string

	Pool    *pool.Pool
	Headers *header.Store

	state        State
	lastActivity time.Time
	requests     int

	rbuf *readBuf

	reqLine        RequestLine
	hasCL          bool
	contentLength  int64
	bodyReadN      int
	chunkedReq     bool
	expectContinue bool
	bodyBuf        []byte
	chunkDec       *chunkedDecoder

	httpMinor int
	keepAlive bool
	mustClose bool

	resp        *response.Response
	statusCode  int
	respCursor  int64
	respChunked bool
	respDone    bool
	bodyScratch []byte

	pending      []byte
	pendingOff   int
	headersBuilt bool

	termCode TerminationCode
	closed   bool

	tlsInfo TLSInfo
}

// TLSInfo carries the queryable TLS parameters for a live connection,
// populated by tlsshim when the connection was accepted over TLS.
type TLSInfo struct {
	Enabled         bool
	Version         uint16
	CipherSuite     uint16
	NegotiatedProto string
}

// New creates a Connection ready to run the FSM from INIT. Callers that
// accepted over TLS should set conn.tlsInfo via SetTLSInfo after the
// handshake completes, or start the connection in TLSConnectionInit and
// let tlsshim drive the handshake before handing control to Advance.
func New(io IO, remoteAddr string, cfg *Config) *Connection {
	cfg.Limits = NewLimits(cfg.Limits)
	p := pool.New(cfg.PoolSize)
	c := &Connection{
		cfg:          cfg,
		io:           io,
		remoteAddr:   remoteAddr,
		Pool:         p,
		Headers:      header.New(p),
		state:        Init,
		lastActivity: time.Now(),
	}
	c.rbuf = newReadBuf(p)
	p.Mark()
	return c
}

// NewTLS creates a Connection that starts in TLSConnectionInit rather
// than Init. The caller (tlsshim) drives the handshake and then calls
// CompleteHandshake once it succeeds. While the connection sits in
// TLSConnectionInit, Advance does not drive the handshake, which is
// entirely the TLS shim's responsibility; an idle tick still applies the
// timeout check and can close the connection.
func NewTLS(io IO, remoteAddr string, cfg *Config) *Connection {
	c := New(io, remoteAddr, cfg)
	c.state = TLSConnectionInit
	return c
}

// CompleteHandshake records the negotiated TLS parameters and moves a
// TLSConnectionInit connection into Init, ready to be driven by Advance
// like any plaintext connection.
func (c *Connection) CompleteHandshake(info TLSInfo) {
	c.tlsInfo = info
	c.state = Init
	c.touch()
}

// RemoteAddr returns the peer address supplied at construction.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// State returns the connection's current FSM state.
func (c *Connection) State() State { return c.state }

// SetTLSInfo records the negotiated TLS parameters, queryable via TLSParams.
func (c *Connection) SetTLSInfo(info TLSInfo) { c.tlsInfo = info }

// TLSParams returns the connection's TLS parameters (Enabled is false for
// plaintext connections).
func (c *Connection) TLSParams() TLSInfo { return c.tlsInfo }

// Method, Path, Query return the parsed request line, valid from
// HEADERS_RECEIVED through the end of the request.
func (c *Connection) Method() []byte { return c.reqLine.Method }
func (c *Connection) Path() []byte   { return c.reqLine.Path }
func (c *Connection) Query() []byte  { return c.reqLine.Query }

// ProtoMinor returns 0 or 1, the parsed HTTP/1.x minor version.
func (c *Connection) ProtoMinor() int { return c.httpMinor }

// Body returns the fully-buffered request body, valid from BODY_RECEIVED
// onward.
func (c *Connection) Body() []byte { return c.bodyBuf }

// RequestCount returns how many requests this connection has completed,
// including the in-flight one.
func (c *Connection) RequestCount() int { return c.requests }

// QueueResponse attaches resp and statusCode to the connection and
// transitions the FSM into the response-writing branch, per §4.G. It
// takes a reference of its own (IncRef), which the connection releases
// once the response has been sent or the connection is released; the
// caller keeps its own reference and releases it separately, so one
// Response can be shared across many connections. closeAfter forces the
// connection to close once the
// response has been sent, overriding the negotiated keep-alive decision.
func (c *Connection) QueueResponse(resp *response.Response, statusCode int, closeAfter bool) {
	resp.IncRef()
	c.resp = resp
	c.statusCode = statusCode
	if closeAfter {
		c.mustClose = true
	}
	c.state = HeadersSending
}

func (c *Connection) touch() { c.lastActivity = time.Now() }

func (c *Connection) timedOut() bool {
	if c.cfg.Timeout <= 0 {
		return false
	}
	return time.Since(c.lastActivity) > c.cfg.Timeout
}

func (c *Connection) logf(msg string, kv ...any) {
	if c.cfg.Log != nil {
		c.cfg.Log(msg, kv...)
	}
}

// Advance drives the FSM in response to trigger. It never blocks: it
// returns as soon as no further progress can be made without blocking
// I/O, without application data, or without an external readiness
// signal. Callers should inspect State() after Advance returns; Closed
// means the connection is done and its resources (via Release) may be
// reclaimed.
func (c *Connection) Advance(trigger Trigger) {
	if c.state == Closed {
		return
	}
	if trigger == TriggerIdle {
		if c.timedOut() {
			c.closeWith(ErrTimeoutKind)
			return
		}
		// A producer that previously returned "try again later" gets a
		// retry on every idle tick, per §4.D's "..._BODY_UNREADY ... or
		// after a short retry".
		switch c.state {
		case NormalBodyUnready:
			c.state = NormalBodyReady
		case ChunkedBodyUnready:
			c.state = ChunkedBodyReady
		default:
			return
		}
	} else {
		c.touch()
	}

	for {
		switch c.state {
		case Init, URLReceived, HeaderPartReceived:
			if !c.stepReadHeaders() {
				return
			}
		case HeadersReceived:
			if !c.stepProcessHeaders() {
				return
			}
		case HeadersProcessed:
			if !c.stepAfterPolicy() {
				return
			}
		case ContinueSending:
			if !c.flushPending() {
				return
			}
			c.state = ContinueSent
		case ContinueSent:
			c.state = BodyReceived
		case BodyReceived:
			if !c.stepReadBody() {
				return
			}
			c.stepDispatch()
		case FootersReceived:
			c.stepDispatch()
		case HeadersSending:
			if !c.stepSendHeaders() {
				return
			}
			c.state = HeadersSent
		case HeadersSent:
			c.state = c.nextBodyState()
		case NormalBodyReady, ChunkedBodyReady:
			if !c.stepSendBody() {
				return
			}
		case NormalBodyUnready, ChunkedBodyUnready:
			return // waiting on an external readiness signal or retry tick
		case BodySent, FootersSent:
			c.stepFinishResponse()
		case Closed:
			return
		default:
			return
		}
	}
}

// closeWith terminates the connection for the given error kind. Malformed
// and oversized requests get a best-effort status response first, per
// §7's policy ("Protocol-level malformed-request produces a best-effort
// 400 ... oversized-request produces 413; timeout produces no response,
// just close").
func (c *Connection) closeWith(kind ErrorKind) {
	switch kind {
	case ErrMalformedRequest:
		c.closeWithCode(400, kind)
	case ErrOversizedRequest:
		c.closeWithCode(413, kind)
	default:
		c.closeTerminal(kind)
	}
}

// closeWithCode writes a minimal response, a status line plus
// "Connection: close" (best-effort; write failures are ignored since the
// connection is being torn down
// regardless) before terminating with the code's mapped termination.
func (c *Connection) closeWithCode(code int, kind ErrorKind) {
	c.closeWithTerm(code, terminationFor(kind))
}

// closeWithTerm is closeWithCode with an explicit termination code,
// decoupled from ErrorKind, for the policy-rejection path (§4.D's
// "application's policy callback returns reject ... final response is
// written directly"), which is not itself an error.
func (c *Connection) closeWithTerm(code int, term TerminationCode) {
	if c.state == Closed {
		return
	}
	buf := buildSimpleStatusLine(code)
	buf = append(buf, "Connection: close\r\n\r\n"...)
	c.io.Write(buf)
	c.state = Closed
	c.termCode = term
	c.io.Close()
	if c.cfg.Notify != nil {
		c.cfg.Notify(c, c.termCode)
	}
}

func (c *Connection) closeTerminal(kind ErrorKind) {
	if c.state == Closed {
		return
	}
	c.state = Closed
	c.termCode = terminationFor(kind)
	c.io.Close()
	if c.cfg.Notify != nil {
		c.cfg.Notify(c, c.termCode)
	}
}

func (c *Connection) finishClean() {
	c.closeTerminal(ErrNone)
}

func buildSimpleStatusLine(code int) []byte {
	out := make([]byte, 0, 32)
	out = append(out, "HTTP/1.1 "...)
	out = appendInt(out, code)
	out = append(out, ' ')
	out = append(out, statusText(code)...)
	out = append(out, "\r\n"...)
	return out
}

func appendInt(dst []byte, n int) []byte {
	if n == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	return append(dst, tmp[i:]...)
}

// Release returns the connection's pool to the shared recycling pool.
// It must only be called after State() == Closed.
func (c *Connection) Release() {
	if c.resp != nil {
		c.resp.Release()
		c.resp = nil
	}
	c.Pool.Destroy()
}

// TerminationCode returns the code reported (or to be reported) via the
// Notify callback; meaningful once State() == Closed.
func (c *Connection) TerminationCode() TerminationCode { return c.termCode }
