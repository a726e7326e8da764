// pkg/linkformat/accumulator.go
package linkformat

import (
	"errors"
)

// DefaultCapacity is the accumulator size used by the discovery scenario.
const DefaultCapacity = 512

const titleAttr = "title="

// ErrUnterminated is reported when a discovery payload ends inside a
// <uri> or a quoted title.
var ErrUnterminated = errors.New("link-format payload ended inside an entry")

// Accumulator turns a .well-known/core payload, delivered block by block,
// into "uri: title" lines. State survives block boundaries and is reset
// whenever block 0 is consumed, so one accumulator can serve repeated
// discoveries.
//
// Bytes beyond the capacity are dropped. Truncated reports whether that
// happened; it is not treated as an error.
type Accumulator struct {
	buf      []byte
	capacity int

	inName       bool
	inDesc       bool
	titleCounter int
	skipFirst    bool
	truncated    bool
}

// NewAccumulator creates an accumulator holding at most capacity bytes.
func NewAccumulator(capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	a := &Accumulator{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
	}
	a.Reset()
	return a
}

// Reset clears the accumulated text and the parser state.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.inName = false
	a.inDesc = false
	a.titleCounter = 0
	a.skipFirst = true
	a.truncated = false
}

// Consume scans one block of the payload.
func (a *Accumulator) Consume(blockIndex int, p []byte) {
	if blockIndex == 0 {
		a.Reset()
	}

	for _, c := range p {
		switch c {
		case '<':
			if a.skipFirst {
				a.skipFirst = false
			} else {
				a.append('\n')
			}
			a.inName = true
		case '>':
			a.inName = false
			a.append(':')
			a.append(' ')
		case '"':
			if a.inDesc {
				a.inDesc = false
			} else if a.titleCounter == len(titleAttr) {
				a.inDesc = true
			}
		default:
			if a.inName || a.inDesc {
				a.append(c)
			}
		}

		if a.titleCounter < len(titleAttr) && c == titleAttr[a.titleCounter] {
			a.titleCounter++
		} else {
			a.titleCounter = 0
		}
	}
}

func (a *Accumulator) append(c byte) {
	if len(a.buf) >= a.capacity {
		a.truncated = true
		return
	}
	a.buf = append(a.buf, c)
}

// Finalize returns the accumulated text.
func (a *Accumulator) Finalize() string {
	return string(a.buf)
}

// Truncated reports whether bytes were dropped because the buffer was full.
func (a *Accumulator) Truncated() bool {
	return a.truncated
}

// Err returns ErrUnterminated when the last consumed byte left the parser
// inside an entry.
func (a *Accumulator) Err() error {
	if a.inName || a.inDesc {
		return ErrUnterminated
	}
	return nil
}

// Len returns the number of accumulated bytes.
func (a *Accumulator) Len() int {
	return len(a.buf)
}
