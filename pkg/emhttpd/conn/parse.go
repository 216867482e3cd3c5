package conn

import "bytes"

// findLine scans data for a line terminator. Parsing is strict
// line-by-line, but lenient about what ends a line: CRLF is canonical, a
// lone LF ends a line, and a lone CR (not immediately followed by LF)
// also ends a line, per §4.D's transition rules. It returns the line
// content (without terminator), the number of bytes the terminator
// itself occupies including the content, and whether a full line was
// found.
func findLine(data []byte) (line []byte, total int, ok bool) {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			if i > 0 && data[i-1] == '\r' {
				return data[:i-1], i + 1, true
			}
			return data[:i], i + 1, true
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					continue // handled as CRLF on the next iteration
				}
				return data[:i], i + 1, true
			}
			// CR is the last buffered byte; ambiguous until more data
			// arrives, so keep scanning (nothing further to find).
		}
	}
	return nil, 0, false
}

// RequestLine is the parsed first line of an HTTP request.
type RequestLine struct {
	Method      []byte
	Path        []byte
	Query       []byte
	ProtoMajor  int
	ProtoMinor  int
}

func isControlByte(b byte) bool {
	return b < 0x20 || b == 0x7f
}

func parseRequestLine(line []byte) (RequestLine, error) {
	var rl RequestLine

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return rl, errInvalidRequestLine
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return rl, errInvalidRequestLine
	}

	method := line[:sp1]
	target := rest[:sp2]
	version := rest[sp2+1:]

	if !isValidMethodToken(method) {
		return rl, errInvalidRequestLine
	}
	if len(target) == 0 || (target[0] != '/' && !(len(target) == 1 && target[0] == '*')) {
		return rl, errInvalidRequestLine
	}
	for _, b := range target {
		if isControlByte(b) {
			return rl, errInvalidRequestLine
		}
	}

	major, minor, err := parseHTTPVersion(version)
	if err != nil {
		return rl, err
	}

	rl.Method = method
	rl.ProtoMajor = major
	rl.ProtoMinor = minor
	if q := bytes.IndexByte(target, '?'); q >= 0 {
		rl.Path = target[:q]
		rl.Query = target[q+1:]
	} else {
		rl.Path = target
	}
	return rl, nil
}

func isValidMethodToken(m []byte) bool {
	if len(m) == 0 {
		return false
	}
	for _, b := range m {
		switch {
		case b >= 'A' && b <= 'Z':
		case b >= 'a' && b <= 'z':
		default:
			return false
		}
	}
	return true
}

// parseHTTPVersion parses "HTTP/major.minor". A well-formed version this
// package does not support (e.g. HTTP/2.0) is reported via
// errUnsupportedVersion so the caller can reply 505; anything that isn't
// even a well-formed version string is errInvalidRequestLine (400).
func parseHTTPVersion(v []byte) (major, minor int, err error) {
	const prefix = "HTTP/"
	if len(v) < len(prefix)+3 || string(v[:len(prefix)]) != prefix {
		return 0, 0, errInvalidRequestLine
	}
	v = v[len(prefix):]
	dot := bytes.IndexByte(v, '.')
	if dot <= 0 || dot == len(v)-1 {
		return 0, 0, errInvalidRequestLine
	}
	major, ok1 := parseDigits(v[:dot])
	minor, ok2 := parseDigits(v[dot+1:])
	if !ok1 || !ok2 {
		return 0, 0, errInvalidRequestLine
	}
	if major != 1 || (minor != 0 && minor != 1) {
		return major, minor, errUnsupportedVersion
	}
	return major, minor, nil
}

func parseDigits(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// headerLine is one parsed "Name: value" line, or a continuation whose
// Name is nil.
type headerLine struct {
	Name  []byte
	Value []byte
	Cont  bool
}

func parseHeaderLine(line []byte) (headerLine, error) {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		return headerLine{Value: bytes.TrimSpace(line), Cont: true}, nil
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return headerLine{}, errInvalidHeaderLine
	}
	name := line[:colon]
	for _, b := range name {
		if b == ' ' || b == '\t' {
			// whitespace before the colon is rejected, matching the
			// teacher's own parseHeaders behavior
			return headerLine{}, errInvalidHeaderLine
		}
	}
	value := bytes.TrimSpace(line[colon+1:])
	return headerLine{Name: name, Value: value}, nil
}
