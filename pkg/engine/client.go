// pkg/engine/client.go
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/scenario"
)

// maxUnblockedBody bounds request bodies sent without a Block1 option.
const maxUnblockedBody = 1024

var ErrBodyTooLarge = errors.New("request body needs a block size")

// coapConn is the part of a go-coap client connection the engine uses for
// plain exchanges.
type coapConn interface {
	Do(req *pool.Message) (*pool.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Client runs scenario requests over one go-coap connection. It performs
// block-wise transfers itself, one block per exchange.
type Client struct {
	conn   coapConn
	logger *service.Logger

	mu        sync.Mutex
	sentBlock []int
}

func NewClient(conn coapConn, logger *service.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SentBlocks returns the payload sizes of the request blocks sent by the
// last PUT or POST.
func (c *Client) SentBlocks() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sentBlock...)
}

func (c *Client) Do(ctx context.Context, req *scenario.Request) (*scenario.Response, error) {
	switch req.Code {
	case codes.Empty:
		if err := c.conn.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping failed: %w", err)
		}
		return &scenario.Response{Code: codes.Empty}, nil
	case codes.PUT, codes.POST:
		return c.write(ctx, req)
	default:
		first, err := c.exchange(ctx, req, 0, req.BlockSize)
		if err != nil {
			return nil, err
		}
		return c.complete(ctx, req, first, true)
	}
}

// snapshot holds what the engine needs from a response after the pooled
// message has been released.
type snapshot struct {
	code      codes.Code
	cf        message.MediaType
	hasCF     bool
	etag      []byte
	body      []byte
	observe   bool
	block2    uint32
	hasBlock2 bool
}

func snapshotOf(m *pool.Message) (snapshot, error) {
	s := snapshot{code: m.Code()}
	if cf, err := m.ContentFormat(); err == nil {
		s.cf, s.hasCF = cf, true
	}
	if etag, err := m.ETag(); err == nil {
		s.etag = append([]byte(nil), etag...)
	}
	if _, err := m.Observe(); err == nil {
		s.observe = true
	}
	if v, err := m.Options().GetUint32(message.Block2); err == nil {
		s.block2, s.hasBlock2 = v, true
	}
	if m.Body() != nil {
		body, err := m.ReadBody()
		if err != nil {
			return s, fmt.Errorf("failed to read response body: %w", err)
		}
		s.body = body
	}
	return s, nil
}

func (c *Client) newMessage(ctx context.Context, req *scenario.Request) (*pool.Message, error) {
	token, err := message.GetToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	msg := pool.NewMessage(ctx)
	msg.SetCode(req.Code)
	msg.SetType(req.Type)
	msg.SetToken(token)
	if err := msg.SetPath(req.Path); err != nil {
		return nil, fmt.Errorf("failed to set path %s: %w", req.Path, err)
	}
	if req.HasAccept {
		msg.SetOptionUint32(message.Accept, uint32(req.Accept))
	}
	return msg, nil
}

// exchange sends one bodiless request, with Block2 for GET, and returns the
// response snapshot.
func (c *Client) exchange(ctx context.Context, req *scenario.Request, index, size int) (snapshot, error) {
	msg, err := c.newMessage(ctx, req)
	if err != nil {
		return snapshot{}, err
	}
	if size > 0 && req.Code == codes.GET {
		v, err := payload.EncodeBlock(index, size, false)
		if err != nil {
			return snapshot{}, err
		}
		msg.SetOptionUint32(message.Block2, v)
	}

	if c.logger != nil {
		c.logger.Debugf("Sending %s block %d/%d", req, index, size)
	}
	resp, err := c.conn.Do(msg)
	if err != nil {
		return snapshot{}, fmt.Errorf("%s failed: %w", req, err)
	}
	return snapshotOf(resp)
}

// complete follows Block2 from the first response until the last block.
// The request sink is fed only when feed is set.
func (c *Client) complete(ctx context.Context, req *scenario.Request, first snapshot, feed bool) (*scenario.Response, error) {
	resp := &scenario.Response{
		Code:             first.code,
		ContentFormat:    first.cf,
		HasContentFormat: first.hasCF,
		ETag:             first.etag,
		Observe:          first.observe,
	}

	s := first
	index := 0
	for {
		if feed && req.Sink != nil {
			req.Sink.Consume(index, s.body)
		}
		resp.Body = append(resp.Body, s.body...)
		if index > 0 && !bytes.Equal(s.etag, resp.ETag) {
			resp.ETagMismatch = true
		}

		if !s.hasBlock2 || s.code != codes.Content {
			return resp, nil
		}
		blk, more, err := payload.DecodeBlock(s.block2)
		if err != nil {
			return nil, err
		}
		if !more {
			return resp, nil
		}

		index = blk.Index + 1
		next := *req
		next.Observe = false
		s, err = c.exchange(ctx, &next, index, blk.Size)
		if err != nil {
			return nil, err
		}
		if s.code != codes.Content {
			resp.Code = s.code
			return resp, nil
		}
	}
}

// write sends the request body with Block1, one block per exchange, until
// the last block or a response other than 2.31 Continue.
func (c *Client) write(ctx context.Context, req *scenario.Request) (*scenario.Response, error) {
	size := req.BlockSize
	dst := make([]byte, maxUnblockedBody)
	if size > 0 {
		dst = dst[:size]
	}

	var sent []int
	defer func() {
		c.mu.Lock()
		c.sentBlock = sent
		c.mu.Unlock()
	}()

	for index := 0; ; index++ {
		var blk *payload.Block
		if size > 0 {
			blk = &payload.Block{Index: index, Size: size}
		}

		n, res := 0, payload.ResultOK
		if req.Body != nil {
			n, res = req.Body.Read(dst, blk)
		}
		if res == payload.ResultNoPayload {
			n, res = 0, payload.ResultOK
		}
		if res.IsError() {
			return nil, fmt.Errorf("%s: body source returned %s", req, res)
		}
		more := res == payload.ResultSendBlock
		if more && blk == nil {
			return nil, fmt.Errorf("%s: %w (more than %d bytes)", req, ErrBodyTooLarge, maxUnblockedBody)
		}

		msg, err := c.newMessage(ctx, req)
		if err != nil {
			return nil, err
		}
		if req.HasContentFormat {
			msg.SetContentFormat(req.ContentFormat)
		}
		if blk != nil {
			v, err := payload.EncodeBlock(index, size, more)
			if err != nil {
				return nil, err
			}
			msg.SetOptionUint32(message.Block1, v)
		}
		if index == 0 && req.Size1 > 0 && blk != nil {
			msg.SetOptionUint32(message.Size1, uint32(req.Size1))
		}
		msg.SetBody(bytes.NewReader(append([]byte(nil), dst[:n]...)))
		sent = append(sent, n)

		if c.logger != nil {
			c.logger.Debugf("Sending %s block %s (%d bytes, more=%v)", req, blk, n, more)
		}
		out, err := c.conn.Do(msg)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", req, err)
		}
		s, err := snapshotOf(out)
		if err != nil {
			return nil, err
		}

		if !more || s.code != codes.Continue {
			return &scenario.Response{
				Code:             s.code,
				ContentFormat:    s.cf,
				HasContentFormat: s.hasCF,
				ETag:             s.etag,
				Body:             s.body,
			}, nil
		}
	}
}
