// pkg/server/response.go
package server

import (
	"bytes"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
)

// response is the answer to one request, or one server-initiated message.
type response struct {
	code             codes.Code
	result           payload.Result
	contentFormat    message.MediaType
	hasContentFormat bool
	body             []byte

	etag       []byte
	maxAge     uint32
	hasMaxAge  bool
	observe    uint32
	hasObserve bool
	block1     uint32
	hasBlock1  bool
	block2     uint32
	hasBlock2  bool
	location   []string

	// separate is set when the reply is deferred; nothing goes out now.
	separate bool
}

func (r *response) setObserve(seq uint32) {
	r.observe = seq & 0xffffff
	r.hasObserve = true
}

func (r *response) setBlock2(blk *payload.Block, more bool) {
	if v, err := payload.EncodeBlock(blk.Index, blk.Size, more); err == nil {
		r.block2 = v
		r.hasBlock2 = true
	}
}

func (r *response) setBlock1(blk *payload.Block, more bool) {
	if v, err := payload.EncodeBlock(blk.Index, blk.Size, more); err == nil {
		r.block1 = v
		r.hasBlock1 = true
	}
}

// hasPayload reports whether the message carries a body or a content
// format.
func (r *response) hasPayload() bool {
	return r.body != nil || r.hasContentFormat
}

// applyOptions sets the options of r on m. The setters keep the option
// list ordered.
func (r *response) applyOptions(m *pool.Message) {
	if r.etag != nil {
		m.SetOptionBytes(message.ETag, r.etag)
	}
	if r.hasObserve {
		m.SetObserve(r.observe)
	}
	for _, seg := range r.location {
		m.AddOptionBytes(message.LocationPath, []byte(seg))
	}
	if r.hasMaxAge {
		m.SetOptionUint32(message.MaxAge, r.maxAge)
	}
	if r.hasBlock2 {
		m.SetOptionUint32(message.Block2, r.block2)
	}
	if r.hasBlock1 {
		m.SetOptionUint32(message.Block1, r.block1)
	}
}

// writeTo fills m as a standalone message.
func (r *response) writeTo(m *pool.Message) {
	m.SetCode(r.code)
	if r.hasPayload() {
		m.SetContentFormat(r.contentFormat)
		m.SetBody(bytes.NewReader(r.body))
	}
	r.applyOptions(m)
}

// errorCode maps a rejecting result to its response code. Content-format
// errors depend on the direction: a GET cannot be served in the accepted
// format, a PUT or POST carries an unsupported one.
func errorCode(method codes.Code, res payload.Result) codes.Code {
	switch res {
	case payload.ResultContentFormatError:
		if method == codes.GET {
			return codes.NotAcceptable
		}
		return codes.UnsupportedMediaType
	case payload.ResultNotAllowed:
		return codes.MethodNotAllowed
	case payload.ResultNotFound:
		return codes.NotFound
	case payload.ResultBufferTooSmall, payload.ResultTooLarge:
		return codes.RequestEntityTooLarge
	case payload.ResultURITooLong, payload.ResultNoPayload:
		return codes.BadOption
	default:
		return codes.InternalServerError
	}
}

func diagnostic(code codes.Code, res payload.Result, text string) *response {
	return &response{
		code:             code,
		result:           res,
		contentFormat:    message.TextPlain,
		hasContentFormat: true,
		body:             []byte(text),
	}
}

func rejection(method codes.Code, res payload.Result) *response {
	return diagnostic(errorCode(method, res), res, strings.ReplaceAll(res.String(), "_", " "))
}

// contentResponse answers a GET. blockRequested tells whether the client
// asked for a block, in which case the Block2 option is echoed even on the
// final block.
func contentResponse(reply resource.Reply, blk *payload.Block, blockRequested bool) *response {
	switch reply.Result {
	case payload.ResultOK, payload.ResultSendBlock:
	case payload.ResultNoPayload:
		if blk.Index > 0 {
			return rejection(codes.GET, reply.Result)
		}
	default:
		return rejection(codes.GET, reply.Result)
	}

	resp := &response{
		code:             codes.Content,
		result:           reply.Result,
		contentFormat:    reply.ContentFormat,
		hasContentFormat: true,
		etag:             bytes.Clone(reply.ETag),
	}
	if reply.MaxAge > 0 {
		resp.maxAge = uint32(reply.MaxAge / time.Second)
		resp.hasMaxAge = true
	}
	if reply.Valid {
		resp.code = codes.Valid
		resp.hasContentFormat = false
		return resp
	}

	resp.body = reply.Data
	if resp.body == nil {
		resp.body = []byte{}
	}
	more := reply.Result == payload.ResultSendBlock
	if more || blockRequested {
		resp.setBlock2(blk, more)
	}
	return resp
}

// writeResponse answers a PUT or POST.
func writeResponse(method codes.Code, reply resource.Reply, blk *payload.Block) *response {
	switch reply.Result {
	case payload.ResultSendBlock:
		resp := &response{code: codes.Continue, result: reply.Result}
		if blk != nil {
			resp.setBlock1(blk, true)
		}
		return resp
	case payload.ResultOK:
	default:
		return rejection(method, reply.Result)
	}

	resp := &response{code: codes.Changed, result: reply.Result, etag: bytes.Clone(reply.ETag)}
	if method == codes.POST && reply.Created != "" {
		resp.code = codes.Created
		resp.location = strings.Split(reply.Created, "/")
	}
	if blk != nil {
		resp.setBlock1(blk, false)
	}
	return resp
}

func deleteResponse(reply resource.Reply) *response {
	switch reply.Result {
	case payload.ResultOK, payload.ResultDeleteKeep:
		return &response{code: codes.Deleted, result: reply.Result}
	default:
		return rejection(codes.DELETE, reply.Result)
	}
}
