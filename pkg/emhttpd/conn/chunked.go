package conn

import (
	"bytes"

	"github.com/yourusername/emhttpd/pkg/emhttpd/pool"
)

// chunkedStage is where a chunkedDecoder is within one chunk.
type chunkedStage uint8

const (
	stageSize chunkedStage = iota
	stageData
	stageDataCRLF
	stageTrailer
	stageDone
)

// chunkedDecoder incrementally decodes RFC 7230 §4.1 chunked transfer
// encoding from an accumulating input buffer. Unlike a blocking
// io.Reader it never reads past what's already buffered: Feed consumes
// as much complete framing as is present and reports how many input
// bytes it used, leaving the rest for the next call once more bytes
// have arrived. Chunk extensions (text after ';' in a size line) are
// discarded without interpretation — RFC 7230 §4.1.1 marks them
// optional, and skipping them closes off a request-smuggling vector the
// same way the teacher's own chunked reader does.

// chunkFooter is one trailer field-line parsed from the terminating
// trailer section of a chunked body, stored as a (name, value) pair
// copied into the decoder's pool so it outlives the input buffer it was
// read from.
type chunkFooter struct {
	name  []byte
	value []byte
}

type chunkedDecoder struct {
	stage     chunkedStage
	remaining uint64
	maxChunk  uint64
	maxBody   uint64
	total     uint64
	body      []byte
	bodyPool  *pool.Pool
	footers   []chunkFooter
}

func newChunkedDecoder(p *pool.Pool, maxChunk, maxBody int64) *chunkedDecoder {
	return &chunkedDecoder{bodyPool: p, maxChunk: uint64(maxChunk), maxBody: uint64(maxBody)}
}

// Feed advances decoding using input starting at offset 0. It returns
// the number of bytes of input consumed, whether the terminating
// zero-length chunk (and its trailer section) has been fully consumed,
// and any error.
func (d *chunkedDecoder) Feed(input []byte) (consumed int, done bool, err error) {
	for consumed < len(input) {
		switch d.stage {
		case stageSize:
			line, n, ok := findLine(input[consumed:])
			if !ok {
				return consumed, false, nil
			}
			if idx := bytes.IndexByte(line, ';'); idx >= 0 {
				line = line[:idx]
			}
			line = bytes.TrimSpace(line)
			size, ok := parseHexDigits(line)
			if !ok {
				return consumed, false, errInvalidChunkFraming
			}
			if d.maxChunk > 0 && size > d.maxChunk {
				return consumed, false, errInvalidChunkFraming
			}
			consumed += n
			d.remaining = size
			if size == 0 {
				d.stage = stageTrailer
			} else {
				d.stage = stageData
			}

		case stageData:
			avail := uint64(len(input) - consumed)
			take := d.remaining
			if take > avail {
				take = avail
			}
			if take > 0 {
				if !d.appendBody(input[consumed : consumed+int(take)]) {
					return consumed, false, errBodyTooLarge
				}
				consumed += int(take)
				d.remaining -= take
			}
			if d.remaining > 0 {
				return consumed, false, nil // need more input for this chunk
			}
			d.stage = stageDataCRLF

		case stageDataCRLF:
			line, n, ok := findLine(input[consumed:])
			if !ok {
				return consumed, false, nil
			}
			if len(line) != 0 {
				return consumed, false, errInvalidChunkFraming
			}
			consumed += n
			d.stage = stageSize

		case stageTrailer:
			line, n, ok := findLine(input[consumed:])
			if !ok {
				return consumed, false, nil
			}
			consumed += n
			if len(line) == 0 {
				d.stage = stageDone
				return consumed, true, nil
			}
			hl, herr := parseHeaderLine(line)
			if herr != nil {
				return consumed, false, errInvalidChunkFraming
			}
			if hl.Cont {
				if !d.foldLastFooter(hl.Value) {
					return consumed, false, errInvalidChunkFraming
				}
			} else {
				d.footers = append(d.footers, chunkFooter{
					name:  d.copyBytes(hl.Name),
					value: d.copyBytes(hl.Value),
				})
			}

		case stageDone:
			return consumed, true, nil
		}
	}
	return consumed, d.stage == stageDone, nil
}

// Body returns the decoded body bytes accumulated so far.
func (d *chunkedDecoder) Body() []byte { return d.body }

// Footers returns the trailer field-lines parsed from the terminating
// trailer section, in insertion order.
func (d *chunkedDecoder) Footers() []chunkFooter { return d.footers }

func (d *chunkedDecoder) copyBytes(b []byte) []byte {
	out := d.bodyPool.Allocate(len(b))
	copy(out, b)
	return out
}

func (d *chunkedDecoder) foldLastFooter(cont []byte) bool {
	if len(d.footers) == 0 {
		return false
	}
	last := &d.footers[len(d.footers)-1]
	oldLen := len(last.value)
	grown := d.bodyPool.Reallocate(last.value, oldLen, oldLen+1+len(cont))
	if grown == nil {
		return false
	}
	grown[oldLen] = ' '
	copy(grown[oldLen+1:], cont)
	last.value = grown
	return true
}

func (d *chunkedDecoder) appendBody(b []byte) bool {
	if d.maxBody > 0 && d.total+uint64(len(b)) > d.maxBody {
		return false
	}
	oldLen := len(d.body)
	grown := d.bodyPool.Reallocate(d.body, oldLen, oldLen+len(b))
	if grown == nil {
		return false
	}
	copy(grown[oldLen:], b)
	d.body = grown
	d.total += uint64(len(b))
	return true
}

func parseHexDigits(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint64(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}
