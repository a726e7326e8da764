// pkg/scenario/request.go
package scenario

import (
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/twinfer/coap-exerciser/pkg/payload"
)

// Request describes one request the driver wants on the wire. Code
// codes.Empty is a CoAP ping.
type Request struct {
	Type message.Type
	Code codes.Code
	Path string

	// BlockSize is the block size for the transfer direction of the
	// request: Block2 for GET, Block1 for PUT/POST. 0 means no block option.
	BlockSize int

	Accept           message.MediaType
	HasAccept        bool
	ContentFormat    message.MediaType
	HasContentFormat bool
	Size1            int

	// Body produces the PUT/POST payload block by block.
	Body payload.Source
	// Sink receives the response payload block by block. It is only fed by
	// Do; observe notifications are consumed by the driver itself.
	Sink payload.Sink

	Observe bool
}

func (r *Request) String() string {
	if r.Code == codes.Empty {
		return "PING"
	}
	return fmt.Sprintf("%s %s /%s", r.Type, r.Code, r.Path)
}

// Response is the engine's view of a completed exchange or a single observe
// notification.
type Response struct {
	Code             codes.Code
	ContentFormat    message.MediaType
	HasContentFormat bool
	ETag             []byte
	// ETagMismatch is set when the ETag changed between blocks of one
	// transfer.
	ETagMismatch bool
	Body         []byte

	// Observe is set when the response carried the Observe option.
	Observe bool
	// ObserveEnd marks the notification that ended an observation from the
	// server side.
	ObserveEnd bool

	Err error
}

// Class is the CoAP response class (2 for success, 4 client error, ...).
func (r *Response) Class() int {
	return int(r.Code) >> 5
}

// Success reports a 2.xx response without transport error.
func (r *Response) Success() bool {
	return r.Err == nil && r.Class() == 2
}

// Observation is a running observe registration.
type Observation interface {
	Cancel(ctx context.Context) error
}

// Engine performs CoAP exchanges for the driver. Do runs one request to
// completion including all blocks. Observe registers and calls onNotify for
// every notification, from the engine's own goroutine.
type Engine interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Observe(ctx context.Context, req *Request, onNotify func(*Response)) (Observation, error)
}

// Collector is a Sink that keeps the payload of the current transfer.
type Collector struct {
	buf []byte
}

func (c *Collector) Consume(blockIndex int, p []byte) {
	if blockIndex == 0 {
		c.buf = c.buf[:0]
	}
	c.buf = append(c.buf, p...)
}

func (c *Collector) Reset() {
	c.buf = c.buf[:0]
}

func (c *Collector) Bytes() []byte {
	return c.buf
}

func (c *Collector) String() string {
	return string(c.buf)
}
