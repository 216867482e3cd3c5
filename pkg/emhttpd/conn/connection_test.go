package conn

import (
	"strings"
	"testing"
	"time"

	"github.com/yourusername/emhttpd/pkg/emhttpd/response"
)

// mockIO is a blocking-style IO implementation, the conn-package analogue
// of the teacher's mockConn: Write never returns ErrWouldBlock, and
// unless blockOnEmpty is set neither does Read, which returns io.EOF
// once the preloaded request bytes are exhausted,
// matching the contract of a thread-per-connection worker's blocking
// socket.
type mockIO struct {
	r      *strings.Reader
	w      strings.Builder
	closed bool

	// blockOnEmpty, when set, makes a Read past the end of the
	// preloaded bytes return ErrWouldBlock (an open socket with
	// nothing buffered yet) instead of io.EOF (a closed socket). Tests
	// exercising suspension/timeout need the former; tests exercising a
	// complete, fully-buffered exchange want the latter.
	blockOnEmpty bool
}

func newMockIO(data string) *mockIO {
	return &mockIO{r: strings.NewReader(data)}
}

func (m *mockIO) Read(p []byte) (int, error) {
	if m.r.Len() == 0 && m.blockOnEmpty {
		return 0, ErrWouldBlock
	}
	return m.r.Read(p)
}
func (m *mockIO) Write(p []byte) (int, error) { return m.w.Write(p) }
func (m *mockIO) Close() error                { m.closed = true; return nil }

func newTestConn(data string, cfg *Config) (*Connection, *mockIO) {
	if cfg == nil {
		cfg = &Config{}
	}
	io := newMockIO(data)
	c := New(io, "127.0.0.1:0", cfg)
	return c, io
}

func TestGETRequestWithClose(t *testing.T) {
	var gotMethod, gotPath string
	cfg := &Config{
		Handler: func(c *Connection) {
			gotMethod = string(c.Method())
			gotPath = string(c.Path())
			resp := response.NewFromBuffer([]byte("hello, world\n"), false, false)
			c.QueueResponse(resp, 200, false)
		},
	}
	c, io := newTestConn("GET / HTTP/1.0\r\n\r\n", cfg)
	c.Advance(TriggerReadable)

	if gotMethod != "GET" || gotPath != "/" {
		t.Fatalf("handler saw method=%q path=%q", gotMethod, gotPath)
	}
	if c.State() != Closed {
		t.Fatalf("state = %v, want Closed", c.State())
	}
	out := io.w.String()
	if !strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n") {
		t.Fatalf("response does not start with status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 13\r\n") {
		t.Fatalf("missing Content-Length: %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatalf("missing Connection: close: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello, world\n") {
		t.Fatalf("body not at end of response: %q", out)
	}
	if !io.closed {
		t.Fatal("socket was not closed")
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var paths []string
	cfg := &Config{
		Handler: func(c *Connection) {
			paths = append(paths, string(c.Path()))
			resp := response.NewFromBuffer([]byte("ok"), false, false)
			c.QueueResponse(resp, 200, false)
		},
	}
	req := "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n"
	c, io := newTestConn(req, cfg)
	io.blockOnEmpty = true // the peer keeps the socket open after sending both

	markBefore := c.Pool.Offset()
	c.Advance(TriggerReadable)

	if len(paths) != 2 || paths[0] != "/a" || paths[1] != "/b" {
		t.Fatalf("paths = %v, want [/a /b]", paths)
	}
	if c.State() == Closed {
		t.Fatal("connection closed on a keep-alive stream")
	}
	if io.closed {
		t.Fatal("socket closed despite keep-alive")
	}
	out := io.w.String()
	if strings.Count(out, "HTTP/1.1 200 OK") != 2 {
		t.Fatalf("expected two responses, got: %q", out)
	}
	if c.Pool.Offset() > markBefore+4096 {
		// the pool should not grow unboundedly across keep-alive requests;
		// a generous bound catches accidental non-reset growth.
		t.Fatalf("pool offset grew past the mark discipline: %d", c.Pool.Offset())
	}
}

func TestHeaderCaseInsensitiveLookup(t *testing.T) {
	var got []byte
	cfg := &Config{
		Handler: func(c *Connection) {
			got = c.Headers.Get([]byte("content-length"))
			resp := response.NewFromBuffer(nil, false, false)
			c.QueueResponse(resp, 204, true)
		},
	}
	c, _ := newTestConn("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\ntest", cfg)
	c.Advance(TriggerReadable)
	if string(got) != "4" {
		t.Fatalf("case-insensitive Content-Length lookup = %q, want 4", got)
	}
}

func TestExpectContinue(t *testing.T) {
	var body string
	cfg := &Config{
		AcceptPolicy: func(c *Connection) bool { return true },
		Handler: func(c *Connection) {
			body = string(c.Body())
			resp := response.NewFromBuffer([]byte("ok"), false, false)
			c.QueueResponse(resp, 200, false)
		},
	}
	req := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\ntest"
	c, io := newTestConn(req, cfg)
	c.Advance(TriggerReadable)

	out := io.w.String()
	if !strings.HasPrefix(out, "HTTP/1.1 100 Continue\r\n\r\n") {
		t.Fatalf("response does not begin with 100 Continue: %q", out)
	}
	if body != "test" {
		t.Fatalf("body = %q, want test", body)
	}
	if !strings.Contains(out, "HTTP/1.1 200 OK") {
		t.Fatalf("missing final response: %q", out)
	}
}

func TestChunkedRequestBody(t *testing.T) {
	var body string
	cfg := &Config{
		Handler: func(c *Connection) {
			body = string(c.Body())
			resp := response.NewFromBuffer([]byte("ok"), false, false)
			c.QueueResponse(resp, 200, false)
		},
	}
	req := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	c, io := newTestConn(req, cfg)
	c.Advance(TriggerReadable)

	if body != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
	if !strings.Contains(io.w.String(), "200") {
		t.Fatalf("missing 200 response: %q", io.w.String())
	}
}

func TestChunkedResponseBody(t *testing.T) {
	chunks := [][]byte{bytes100(), nil, bytes200(), nil}
	idx := 0
	cfg := &Config{
		Handler: func(c *Connection) {
			resp := response.NewFromCallback(false, 0, func(_ any, _ int64, buf []byte) (int, bool, error) {
				if idx >= len(chunks) {
					return 0, true, nil
				}
				chunk := chunks[idx]
				idx++
				if chunk == nil {
					return 0, false, nil // "try again later"
				}
				n := copy(buf, chunk)
				return n, idx >= len(chunks), nil
			}, nil, nil)
			c.QueueResponse(resp, 200, false)
		},
	}
	c, io := newTestConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n", cfg)
	c.Advance(TriggerReadable)

	// drive idle ticks to retry the "try again later" producer callback
	for i := 0; i < len(chunks) && c.State() != Closed && c.State() != BodySent; i++ {
		c.Advance(TriggerIdle)
	}
	if !strings.Contains(io.w.String(), "Transfer-Encoding: chunked") {
		t.Fatalf("expected chunked response, got: %q", io.w.String())
	}
	if !strings.HasSuffix(io.w.String(), "0\r\n\r\n") {
		t.Fatalf("chunked stream does not end in terminating chunk: %q", io.w.String())
	}
}

func bytes100() []byte { return make([]byte, 100) }
func bytes200() []byte { return make([]byte, 200) }

func TestMalformedRequestLine(t *testing.T) {
	cfg := &Config{Handler: func(c *Connection) {
		t.Fatal("handler should not be invoked for a malformed request")
	}}
	c, io := newTestConn("GET /\x00 HTTP/1.1\r\n\r\n", cfg)
	c.Advance(TriggerReadable)

	if c.State() != Closed {
		t.Fatalf("state = %v, want Closed", c.State())
	}
	if c.TerminationCode() != WithError {
		t.Fatalf("termination = %v, want WithError", c.TerminationCode())
	}
	out := io.w.String()
	if !strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("expected 400 response, got: %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatalf("expected Connection: close, got: %q", out)
	}
}

func TestTimeout(t *testing.T) {
	cfg := &Config{Timeout: time.Millisecond}
	c, io := newTestConn("GET ", cfg)
	io.blockOnEmpty = true
	c.Advance(TriggerReadable) // suspends mid request-line, nothing more buffered

	time.Sleep(5 * time.Millisecond)
	c.Advance(TriggerIdle)

	if c.State() != Closed {
		t.Fatalf("state = %v, want Closed", c.State())
	}
	if c.TerminationCode() != Timeout {
		t.Fatalf("termination = %v, want Timeout", c.TerminationCode())
	}
	if io.w.Len() != 0 {
		t.Fatalf("timeout must not write a response, got: %q", io.w.String())
	}
}
