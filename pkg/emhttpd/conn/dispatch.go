package conn

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/url"

	"github.com/yourusername/emhttpd/pkg/emhttpd/header"
)

var (
	hConnection  = []byte("Connection")
	hContentType = []byte("Content-Type")
)

func bytesEqualFold(a []byte, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ac := a[i]
		if ac >= 'A' && ac <= 'Z' {
			ac += 32
		}
		bc := b[i]
		if bc >= 'A' && bc <= 'Z' {
			bc += 32
		}
		if ac != bc {
			return false
		}
	}
	return true
}

// stepReadHeaders drives Init/URLReceived/HeaderPartReceived: it reads
// from the socket and parses the request line and header lines
// incrementally, one complete line at a time, leaving any unconsumed
// prefix in the read buffer for the next call (no byte is parsed
// twice). It returns false when the FSM must suspend (short read,
// would-block) and true once the blank line ending the header block has
// been consumed and HeadersReceived has been entered.
func (c *Connection) stepReadHeaders() bool {
	limit := c.cfg.Limits.MaxHeadersSize
	for {
		unconsumed := c.rbuf.unconsumed()
		line, n, ok := findLine(unconsumed)
		if !ok {
			if len(unconsumed) >= limit {
				c.closeWith(ErrOversizedRequest)
				return false
			}
			if c.state != Init {
				c.state = HeaderPartReceived
			}
			read, err := c.rbuf.fill(c.io, limit)
			if err != nil {
				if err == ErrWouldBlock {
					return false
				}
				if read == 0 {
					if c.state == Init {
						// client closed before sending anything: not an
						// error, just an early disconnect.
						c.finishClean()
					} else {
						c.closeWith(ErrMalformedRequest)
					}
					return false
				}
			}
			if read == 0 {
				return false
			}
			continue
		}

		c.rbuf.consume(n)

		if c.state == Init {
			rl, perr := parseRequestLine(line)
			if perr != nil {
				if perr == errUnsupportedVersion {
					c.closeWithCode(505, ErrMalformedRequest)
				} else {
					c.closeWith(ErrMalformedRequest)
				}
				return false
			}
			c.reqLine = rl
			c.httpMinor = rl.ProtoMinor
			c.state = URLReceived
			continue
		}

		if len(line) == 0 {
			c.state = HeadersReceived
			return true
		}

		hl, herr := parseHeaderLine(line)
		if herr != nil {
			c.closeWith(ErrMalformedRequest)
			return false
		}
		if hl.Cont {
			if !c.Headers.AppendToLastValue(hl.Value) {
				c.closeWith(ErrMalformedRequest)
				return false
			}
			c.state = URLReceived
			continue
		}
		if !c.addRequestHeader(hl.Name, hl.Value) {
			c.closeWith(ErrOversizedRequest)
			return false
		}
		c.state = URLReceived
	}
}

// addRequestHeader stores name/value in the header store and updates the
// FSM's parsed view of the handful of headers that drive protocol
// decisions (Content-Length, Transfer-Encoding, Expect, Cookie).
// Connection is only stored here; computeKeepAlive reads it back from
// the store.
func (c *Connection) addRequestHeader(name, value []byte) bool {
	if !c.Headers.Add(header.KindRequestHeader, name, value) {
		return false
	}
	switch {
	case bytesEqualFold(name, "Content-Length"):
		n, ok := parseDigits(value)
		if !ok {
			c.closeWith(ErrMalformedRequest)
			return false
		}
		if c.hasCL && int64(n) != c.contentLength {
			c.closeWith(ErrMalformedRequest)
			return false
		}
		c.hasCL = true
		c.contentLength = int64(n)
	case bytesEqualFold(name, "Transfer-Encoding"):
		if bytesEqualFold(bytes.TrimSpace(value), "chunked") {
			c.chunkedReq = true
		}
	case bytesEqualFold(name, "Expect"):
		if bytesEqualFold(bytes.TrimSpace(value), "100-continue") {
			c.expectContinue = true
		}
	case bytesEqualFold(name, "Cookie"):
		c.addCookies(value)
	}
	return true
}

func containsToken(value []byte, token string) bool {
	for _, part := range bytes.Split(value, []byte(",")) {
		if bytesEqualFold(bytes.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func (c *Connection) addCookies(value []byte) {
	for _, pair := range bytes.Split(value, []byte(";")) {
		pair = bytes.TrimSpace(pair)
		eq := bytes.IndexByte(pair, '=')
		if eq <= 0 {
			continue
		}
		c.Headers.Add(header.KindCookie, pair[:eq], pair[eq+1:])
	}
}

// stepProcessHeaders performs the pre-application decisions described by
// HEADERS_RECEIVED: the Content-Length/chunked mutual-exclusion check,
// keep-alive negotiation, and the accept-policy admission call. It
// returns false when the connection was closed (malformed request or
// policy rejection) as part of this step.
func (c *Connection) stepProcessHeaders() bool {
	if c.hasCL && c.chunkedReq {
		c.closeWithCode(400, ErrMalformedRequest)
		return false
	}

	c.keepAlive = c.computeKeepAlive()

	admitted := true
	if c.cfg.AcceptPolicy != nil {
		admitted = c.cfg.AcceptPolicy(c)
	}
	if !admitted {
		c.closeWithTerm(403, CompletedOK)
		return false
	}

	c.state = HeadersProcessed
	return true
}

// computeKeepAlive implements §4.D's keep-alive rule: HTTP/1.1 defaults
// to keep-alive unless Connection: close; HTTP/1.0 defaults to close
// unless Connection: keep-alive.
func (c *Connection) computeKeepAlive() bool {
	conn := c.Headers.GetKind(header.KindRequestHeader, hConnection)
	if c.httpMinor == 1 {
		return !containsToken(conn, "close")
	}
	return containsToken(conn, "keep-alive")
}

// stepAfterPolicy drives HEADERS_PROCESSED: a 1.1 Expect:100-continue
// request moves into CONTINUE_SENDING; everything else proceeds directly
// to reading (or skipping) the body.
func (c *Connection) stepAfterPolicy() bool {
	if c.expectContinue && c.httpMinor == 1 {
		c.pending = append(c.pending[:0], "HTTP/1.1 100 Continue\r\n\r\n"...)
		c.pendingOff = 0
		c.state = ContinueSending
		return true
	}
	c.state = BodyReceived
	return true
}

// stepReadBody reads the upload body (if any) per the negotiated framing
// (Content-Length or chunked), returning false to suspend on short reads.
func (c *Connection) stepReadBody() bool {
	if c.chunkedReq {
		return c.stepReadChunkedBody()
	}
	return c.stepReadFixedBody()
}

func (c *Connection) stepReadFixedBody() bool {
	if c.contentLength == 0 {
		return true
	}
	if c.cfg.Limits.MaxBodySize > 0 && c.contentLength > c.cfg.Limits.MaxBodySize {
		c.closeWithCode(413, ErrOversizedRequest)
		return false
	}
	if c.bodyBuf == nil {
		c.bodyBuf = c.Pool.Allocate(int(c.contentLength))
		if c.bodyBuf == nil {
			c.closeWithCode(413, ErrOversizedRequest)
			return false
		}
		c.bodyReadN = 0
	}
	for int64(c.bodyReadN) < c.contentLength {
		if avail := c.rbuf.unconsumed(); len(avail) > 0 {
			n := copy(c.bodyBuf[c.bodyReadN:], avail)
			c.rbuf.consume(n)
			c.bodyReadN += n
			continue
		}
		n, err := c.io.Read(c.bodyBuf[c.bodyReadN:])
		c.bodyReadN += n
		if err != nil {
			if err == ErrWouldBlock {
				return false
			}
			c.closeWith(ErrMalformedRequest)
			return false
		}
		if n == 0 {
			return false
		}
	}
	return true
}

func (c *Connection) stepReadChunkedBody() bool {
	if c.chunkDec == nil {
		c.chunkDec = newChunkedDecoder(c.Pool, c.cfg.Limits.MaxChunkSize, c.cfg.Limits.MaxBodySize)
	}
	for {
		consumed, done, err := c.chunkDec.Feed(c.rbuf.unconsumed())
		if consumed > 0 {
			c.rbuf.consume(consumed)
		}
		if err != nil {
			if err == errBodyTooLarge {
				c.closeWithCode(413, ErrOversizedRequest)
			} else {
				c.closeWithCode(400, ErrMalformedRequest)
			}
			return false
		}
		if done {
			c.bodyBuf = c.chunkDec.Body()
			c.applyChunkFooters()
			c.state = FootersReceived
			return true
		}
		if !c.rbuf.ensureCapacity(4096, 0) {
			c.closeWithCode(413, ErrOversizedRequest)
			return false
		}
		n, rerr := c.io.Read(c.rbuf.data[c.rbuf.filled:])
		c.rbuf.filled += n
		if rerr != nil {
			if rerr == ErrWouldBlock {
				return false
			}
			c.closeWith(ErrMalformedRequest)
			return false
		}
		if n == 0 {
			return false
		}
	}
}

func (c *Connection) applyChunkFooters() {
	for _, f := range c.chunkDec.Footers() {
		c.Headers.Add(header.KindFooter, f.name, f.value)
	}
}

// stepDispatch parses any POST body (BODY_RECEIVED/FOOTERS_RECEIVED) and
// invokes the application handler. A handler that returns without
// queuing a response terminates the connection with an
// application-error, per Handler's contract.
func (c *Connection) stepDispatch() {
	c.requests++
	c.parsePostBody()
	if c.cfg.Handler != nil {
		c.cfg.Handler(c)
	}
	if c.state != HeadersSending {
		c.closeWith(ErrApplication)
	}
}

// parsePostBody decodes application/x-www-form-urlencoded and
// multipart/form-data bodies into the header store, per §4.D's POST-body
// parsing rule: form fields become POST-arg entries and multipart part
// headers become footer entries. Unrecognized or
// absent Content-Type leaves the raw body available via Body() only.
func (c *Connection) parsePostBody() {
	if len(c.bodyBuf) == 0 {
		return
	}
	ct := c.Headers.GetKind(header.KindRequestHeader, hContentType)
	if ct == nil {
		return
	}
	mediaType, params, err := mime.ParseMediaType(string(ct))
	if err != nil {
		return
	}
	switch mediaType {
	case "application/x-www-form-urlencoded":
		c.parseURLEncodedBody()
	case "multipart/form-data":
		if boundary := params["boundary"]; boundary != "" {
			c.parseMultipartBody(boundary)
		}
	}
}

func (c *Connection) parseURLEncodedBody() {
	values, err := url.ParseQuery(string(c.bodyBuf))
	if err != nil {
		return
	}
	for k, vs := range values {
		for _, v := range vs {
			c.Headers.Add(header.KindPostArg, []byte(k), []byte(v))
		}
	}
}

func (c *Connection) parseMultipartBody(boundary string) {
	limit := c.cfg.Limits.MaxBodySize
	var total int64
	mr := multipart.NewReader(bytes.NewReader(c.bodyBuf), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
		data, rerr := io.ReadAll(part)
		part.Close()
		if rerr != nil {
			return
		}
		total += int64(len(data))
		if limit > 0 && total > limit {
			c.closeWithCode(413, ErrOversizedRequest)
			return
		}
		c.Headers.Add(header.KindPostArg, []byte(part.FormName()), data)
		for k, vs := range part.Header {
			for _, v := range vs {
				c.Headers.Add(header.KindFooter, []byte(k), []byte(v))
			}
		}
	}
}
