// Package emhttpd is the thin Public Surface façade over the
// sub-packages that implement the spec's components: pool, header,
// response, conn, tlsshim, and daemon. A host process that only wants
// to start a server, build responses, and queue them on connections
// can depend on this package alone, the way the teacher's root
// shockwave package re-exports pkg/shockwave/server without requiring
// callers to reach into the internal packages directly.
package emhttpd

import (
	"context"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
	"github.com/yourusername/emhttpd/pkg/emhttpd/daemon"
	"github.com/yourusername/emhttpd/pkg/emhttpd/response"
)

// Re-exported types so callers need only import this package.
type (
	Daemon          = daemon.Daemon
	Options         = daemon.Options
	Mode            = daemon.Mode
	Connection      = conn.Connection
	Handler         = conn.Handler
	AcceptPolicy    = conn.AcceptPolicy
	NotifyCompleted = conn.NotifyCompleted
	LogFunc         = conn.LogFunc
	TerminationCode = conn.TerminationCode
	Limits          = conn.Limits
	Response        = response.Response
	ContentReader   = response.ContentReader
)

// Scheduling modes, re-exported for convenience.
const (
	ThreadPerConnection = daemon.ThreadPerConnection
	InternalSelect      = daemon.InternalSelect
	ExternalSelect      = daemon.ExternalSelect
)

// Termination codes, re-exported for convenience.
const (
	CompletedOK    = conn.CompletedOK
	WithError      = conn.WithError
	Timeout        = conn.Timeout
	DaemonShutdown = conn.DaemonShutdown
	TLSError       = conn.TLSError
)

// Start constructs a Daemon from opts and begins accepting connections.
// It is the single entry point a host process needs: no goroutine or
// socket setup beyond it, and Stop() tears down everything Start()
// brought up.
func Start(opts Options) (*Daemon, error) {
	d, err := daemon.New(opts)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		return nil, err
	}
	return d, nil
}

// Stop is a convenience wrapper around (*Daemon).Stop.
func Stop(ctx context.Context, d *Daemon) error {
	return d.Stop(ctx)
}

// NewResponseFromBuffer builds a Response backed by an in-memory
// buffer. mustCopy duplicates data into the response; mustFree (only
// meaningful when mustCopy is false) makes the Response drop its
// reference to data when the response is destroyed.
func NewResponseFromBuffer(data []byte, mustCopy, mustFree bool) *Response {
	return response.NewFromBuffer(data, mustCopy, mustFree)
}

// NewResponseFromCallback builds a Response backed by a streaming
// producer. hasSize/totalSize are ignored (treated as "unknown") when
// hasSize is false.
func NewResponseFromCallback(hasSize bool, totalSize int64, reader ContentReader, ctx any, freeCtx func(any)) *Response {
	return response.NewFromCallback(hasSize, totalSize, reader, ctx, freeCtx)
}
