// pkg/server/request.go
package server

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
)

const (
	observeNone = iota
	observeRegister
	observeDeregister
)

// request is a CoAP request reduced to what the resource table needs.
type request struct {
	typ   message.Type
	code  codes.Code
	token []byte
	uri   string

	block1 *payload.Block
	more   bool
	block2 *payload.Block

	accept           message.MediaType
	hasAccept        bool
	contentFormat    message.MediaType
	hasContentFormat bool
	size1            int
	etags            [][]byte
	observe          int

	body []byte
}

// decodeRequest copies everything it keeps out of m, which goes back to the
// message pool once the handler returns.
func decodeRequest(m *pool.Message) (*request, error) {
	req := &request{
		typ:   m.Type(),
		code:  m.Code(),
		token: bytes.Clone(m.Token()),
	}

	opts := m.Options()
	path, err := opts.Path()
	if err != nil && !errors.Is(err, message.ErrOptionNotFound) {
		return nil, fmt.Errorf("invalid Uri-Path: %w", err)
	}
	req.uri = resource.NormalizeURI(path)

	if v, err := opts.GetUint32(message.Block2); err == nil {
		blk, _, err := payload.DecodeBlock(v)
		if err != nil {
			return nil, fmt.Errorf("invalid Block2: %w", err)
		}
		req.block2 = &blk
	}
	if v, err := opts.GetUint32(message.Block1); err == nil {
		blk, more, err := payload.DecodeBlock(v)
		if err != nil {
			return nil, fmt.Errorf("invalid Block1: %w", err)
		}
		req.block1 = &blk
		req.more = more
	}

	if v, err := opts.GetUint32(message.Accept); err == nil {
		req.accept = message.MediaType(v)
		req.hasAccept = true
	}
	if cf, err := m.ContentFormat(); err == nil {
		req.contentFormat = cf
		req.hasContentFormat = true
	}
	if v, err := opts.GetUint32(message.Size1); err == nil {
		req.size1 = int(v)
	}
	for _, o := range opts {
		if o.ID == message.ETag {
			req.etags = append(req.etags, bytes.Clone(o.Value))
		}
	}

	if v, err := m.Observe(); err == nil {
		switch v {
		case 0:
			req.observe = observeRegister
		case 1:
			req.observe = observeDeregister
		}
	}

	if m.Body() != nil {
		body, err := m.ReadBody()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.body = body
	}
	return req, nil
}

// tableRequest builds the table view of req for the given block.
func (r *request) tableRequest(blk *payload.Block) resource.Request {
	return resource.Request{
		URI:              r.uri,
		Block:            blk,
		Last:             !r.more,
		Accept:           r.accept,
		HasAccept:        r.hasAccept,
		ContentFormat:    r.contentFormat,
		HasContentFormat: r.hasContentFormat,
		Size1:            r.size1,
		ETags:            r.etags,
		Payload:          r.body,
	}
}

// cancelsObservation reports whether a GET without the Observe option ends
// an existing registration. Block2 continuations of a notification do not.
func (r *request) cancelsObservation() bool {
	return r.code == codes.GET && r.observe == observeNone && r.block2.Offset() == 0
}
