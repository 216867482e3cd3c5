package conn

import (
	"net/http"
	"time"
)

// normalBodyChunk bounds how much of a response body is staged into the
// connection's pool-backed scratch buffer per write, so a large or
// unbounded streamed body never needs more than one fixed-size slab of
// pool space regardless of its total length.
const normalBodyChunk = 16 * 1024

// flushPending writes c.pending[c.pendingOff:] to the socket, returning
// false (suspending the FSM) on a short write or ErrWouldBlock. It is
// used for every write the FSM performs: the 100-continue interim line,
// the status-line-plus-headers block, and each body/chunk slab.
func (c *Connection) flushPending() bool {
	for c.pendingOff < len(c.pending) {
		n, err := c.io.Write(c.pending[c.pendingOff:])
		c.pendingOff += n
		if err != nil {
			if err == ErrWouldBlock {
				return false
			}
			c.closeTerminal(ErrIO)
			return false
		}
		if n == 0 {
			return false
		}
	}
	c.pending = c.pending[:0]
	c.pendingOff = 0
	return true
}

// stepSendHeaders serializes the status line and headers into one
// contiguous flush buffer (per §4.D: "the serializer does not fragment
// small writes") and writes it out.
func (c *Connection) stepSendHeaders() bool {
	if !c.headersBuilt {
		c.buildResponseHeaders()
		c.headersBuilt = true
	}
	if !c.flushPending() {
		return false
	}
	c.headersBuilt = false
	return true
}

// effectiveKeepAlive folds mustClose and the configured per-connection
// request cap into the keep-alive decision made back in
// HEADERS_RECEIVED.
func (c *Connection) effectiveKeepAlive() bool {
	if c.mustClose || !c.keepAlive {
		return false
	}
	if c.cfg.MaxKeepAliveRequests > 0 && c.requests >= c.cfg.MaxKeepAliveRequests {
		return false
	}
	return true
}

// buildResponseHeaders writes the status line and response headers into
// c.pending. Date, Content-Length (when known), and Connection are
// injected by the FSM, overriding any caller-supplied duplicates of
// those three names, per §4.D.
func (c *Connection) buildResponseHeaders() {
	hasSize := c.resp.HasSize()
	useChunked := !hasSize && c.httpMinor == 1
	if !hasSize && c.httpMinor == 0 {
		// HTTP/1.0 has no chunked transfer coding; an unknown-length
		// body can only be terminated by closing the connection.
		c.mustClose = true
	}
	keepAlive := c.effectiveKeepAlive()

	buf := c.pending[:0]
	buf = append(buf, "HTTP/1."...)
	buf = appendInt(buf, c.httpMinor)
	buf = append(buf, ' ')
	buf = appendInt(buf, c.statusCode)
	buf = append(buf, ' ')
	buf = append(buf, statusText(c.statusCode)...)
	buf = append(buf, "\r\n"...)

	buf = append(buf, "Date: "...)
	buf = append(buf, time.Now().UTC().Format(http.TimeFormat)...)
	buf = append(buf, "\r\n"...)

	c.resp.VisitHeaders(func(name, value string) bool {
		if isInjectedHeaderName(name) {
			return true
		}
		buf = append(buf, name...)
		buf = append(buf, ':', ' ')
		buf = append(buf, value...)
		buf = append(buf, "\r\n"...)
		return true
	})

	switch {
	case useChunked:
		buf = append(buf, "Transfer-Encoding: chunked\r\n"...)
	case hasSize:
		buf = append(buf, "Content-Length: "...)
		buf = appendInt64(buf, c.resp.TotalSize())
		buf = append(buf, "\r\n"...)
	}

	if keepAlive {
		buf = append(buf, "Connection: keep-alive\r\n"...)
	} else {
		buf = append(buf, "Connection: close\r\n"...)
	}
	buf = append(buf, "\r\n"...)

	c.pending = buf
	c.pendingOff = 0
	c.keepAlive = keepAlive
	c.respChunked = useChunked
}

func isInjectedHeaderName(name string) bool {
	b := []byte(name)
	return bytesEqualFold(b, "Date") || bytesEqualFold(b, "Content-Length") || bytesEqualFold(b, "Connection")
}

// nextBodyState picks the response-side branch to enter after headers
// have been sent: HEAD requests and responses with a known zero-length
// body skip straight to BodySent.
func (c *Connection) nextBodyState() State {
	c.respCursor = 0
	c.respDone = false
	c.bodyScratch = nil
	c.pending = c.pending[:0]
	c.pendingOff = 0

	if bytesEqualFold(c.reqLine.Method, "HEAD") {
		return BodySent
	}
	if buf, ok := c.resp.Buffer(); ok && len(buf) == 0 {
		return BodySent
	}
	if c.respChunked {
		return ChunkedBodyReady
	}
	return NormalBodyReady
}

// stepSendBody drives NORMAL_BODY_READY/CHUNKED_BODY_READY: stage one
// slab of body, flush it, and repeat until the producer signals done.
func (c *Connection) stepSendBody() bool {
	if c.respChunked {
		return c.stepSendChunkedBody()
	}
	return c.stepSendNormalBody()
}

func (c *Connection) stepSendNormalBody() bool {
	for {
		if c.pendingOff < len(c.pending) {
			if !c.flushPending() {
				return false
			}
			continue
		}
		if c.respDone {
			c.state = BodySent
			return true
		}
		if !c.fillNormalSlab() {
			return false
		}
	}
}

func (c *Connection) fillNormalSlab() bool {
	if buf, ok := c.resp.Buffer(); ok {
		if c.respCursor >= int64(len(buf)) {
			c.respDone = true
			c.pending = c.pending[:0]
			c.pendingOff = 0
			return true
		}
		end := c.respCursor + normalBodyChunk
		if end > int64(len(buf)) {
			end = int64(len(buf))
		}
		c.pending = buf[c.respCursor:end]
		c.pendingOff = 0
		c.respCursor = end
		return true
	}

	if c.bodyScratch == nil {
		c.bodyScratch = c.Pool.Allocate(normalBodyChunk)
	}
	n, done, err := c.resp.Read(c.respCursor, c.bodyScratch)
	if err != nil {
		c.closeTerminal(ErrIO)
		return false
	}
	if n == 0 && !done {
		c.state = NormalBodyUnready
		return false
	}
	c.respCursor += int64(n)
	c.pending = c.bodyScratch[:n]
	c.pendingOff = 0
	c.respDone = done
	return true
}

func (c *Connection) stepSendChunkedBody() bool {
	for {
		if c.pendingOff < len(c.pending) {
			if !c.flushPending() {
				return false
			}
			continue
		}
		if c.respDone {
			c.state = BodySent
			return true
		}
		if !c.fillChunkedSlab() {
			return false
		}
	}
}

// fillChunkedSlab stages one RFC 7230 §4.1 chunk (or the terminating
// "0\r\n\r\n") into c.pending.
func (c *Connection) fillChunkedSlab() bool {
	if c.bodyScratch == nil {
		c.bodyScratch = c.Pool.Allocate(normalBodyChunk)
	}

	var n int
	var done bool

	if buf, ok := c.resp.Buffer(); ok {
		if c.respCursor >= int64(len(buf)) {
			done = true
		} else {
			end := c.respCursor + int64(len(c.bodyScratch))
			if end > int64(len(buf)) {
				end = int64(len(buf))
			}
			n = copy(c.bodyScratch, buf[c.respCursor:end])
			done = end >= int64(len(buf))
		}
	} else {
		var err error
		n, done, err = c.resp.Read(c.respCursor, c.bodyScratch)
		if err != nil {
			c.closeTerminal(ErrIO)
			return false
		}
		if n == 0 && !done {
			c.state = ChunkedBodyUnready
			return false
		}
	}
	c.respCursor += int64(n)

	frame := c.pending[:0]
	if n > 0 {
		frame = appendHex(frame, uint64(n))
		frame = append(frame, "\r\n"...)
		frame = append(frame, c.bodyScratch[:n]...)
		frame = append(frame, "\r\n"...)
	}
	if done {
		frame = append(frame, "0\r\n\r\n"...)
		c.respDone = true
	}
	c.pending = frame
	c.pendingOff = 0
	return true
}

// stepFinishResponse handles BODY_SENT/FOOTERS_SENT: release the
// response reference and either reset to the mark and loop back to
// INIT for the next pipelined request, or close, per §4.D.
func (c *Connection) stepFinishResponse() {
	if c.resp != nil {
		c.resp.Release()
		c.resp = nil
	}
	if c.effectiveKeepAlive() {
		c.Pool.ResetToMark()
		c.Headers.Reset()
		c.resetRequestState()
		c.state = Init
		return
	}
	c.finishClean()
}

func (c *Connection) resetRequestState() {
	c.reqLine = RequestLine{}
	c.hasCL = false
	c.contentLength = 0
	c.bodyReadN = 0
	c.chunkedReq = false
	c.expectContinue = false
	c.bodyBuf = nil
	c.chunkDec = nil
	c.httpMinor = 0
	c.keepAlive = false
	c.mustClose = false
	c.statusCode = 0
	c.respCursor = 0
	c.respDone = false
	c.respChunked = false
	c.bodyScratch = nil
	c.headersBuilt = false
	c.pending = nil
	c.pendingOff = 0
}

func appendInt64(dst []byte, n int64) []byte {
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

func appendHex(dst []byte, n uint64) []byte {
	if n == 0 {
		return append(dst, '0')
	}
	const digits = "0123456789abcdef"
	var tmp [16]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = digits[n&0xf]
		n >>= 4
	}
	return append(dst, tmp[i:]...)
}
