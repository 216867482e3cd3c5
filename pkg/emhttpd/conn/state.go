// Package conn implements the Connection FSM: the per-connection
// automaton that parses requests incrementally from a byte stream,
// dispatches application callbacks, and serializes responses, all
// without blocking. It is the core of the library — everything else
// (pool, header store, response object, TLS shim, daemon schedulers)
// exists to feed or drive this state machine.
package conn

// State is one state of the per-connection automaton. The request-side
// states are entered in roughly ascending numeric order; the
// response-side states may be revisited repeatedly while a streamed or
// chunked body is produced.
type State uint8

const (
	// TLSConnectionInit is a pre-state used only by TLS-enabled
	// connections: it drives the handshake and then falls into Init.
	TLSConnectionInit State = iota

	Init
	URLReceived
	HeaderPartReceived
	HeadersReceived
	HeadersProcessed
	ContinueSending
	ContinueSent
	BodyReceived
	FootersReceived
	HeadersSending
	HeadersSent
	NormalBodyReady
	NormalBodyUnready
	ChunkedBodyReady
	ChunkedBodyUnready
	BodySent
	FootersSent
	Closed
)

func (s State) String() string {
	switch s {
	case TLSConnectionInit:
		return "TLS_CONNECTION_INIT"
	case Init:
		return "INIT"
	case URLReceived:
		return "URL_RECEIVED"
	case HeaderPartReceived:
		return "HEADER_PART_RECEIVED"
	case HeadersReceived:
		return "HEADERS_RECEIVED"
	case HeadersProcessed:
		return "HEADERS_PROCESSED"
	case ContinueSending:
		return "CONTINUE_SENDING"
	case ContinueSent:
		return "CONTINUE_SENT"
	case BodyReceived:
		return "BODY_RECEIVED"
	case FootersReceived:
		return "FOOTERS_RECEIVED"
	case HeadersSending:
		return "HEADERS_SENDING"
	case HeadersSent:
		return "HEADERS_SENT"
	case NormalBodyReady:
		return "NORMAL_BODY_READY"
	case NormalBodyUnready:
		return "NORMAL_BODY_UNREADY"
	case ChunkedBodyReady:
		return "CHUNKED_BODY_READY"
	case ChunkedBodyUnready:
		return "CHUNKED_BODY_UNREADY"
	case BodySent:
		return "BODY_SENT"
	case FootersSent:
		return "FOOTERS_SENT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is the Closed state.
func (s State) Terminal() bool { return s == Closed }

// TerminationCode is reported to the daemon's notify-completed callback
// exactly once per connection, at the moment it reaches Closed.
type TerminationCode uint8

const (
	CompletedOK TerminationCode = iota
	WithError
	Timeout
	DaemonShutdown
	TLSError
)

func (t TerminationCode) String() string {
	switch t {
	case CompletedOK:
		return "completed-ok"
	case WithError:
		return "with-error"
	case Timeout:
		return "timeout"
	case DaemonShutdown:
		return "daemon-shutdown"
	case TLSError:
		return "tls-error"
	default:
		return "unknown"
	}
}

// Trigger identifies why Advance was called.
type Trigger uint8

const (
	// TriggerIdle is a time-based maintenance tick, used to detect
	// per-connection timeouts.
	TriggerIdle Trigger = iota
	TriggerReadable
	TriggerWritable
)
