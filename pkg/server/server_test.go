package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/coap-exerciser/pkg/config"
	"github.com/twinfer/coap-exerciser/pkg/metrics"
	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
)

func testLogger() *service.Logger {
	return service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

type sentMessage struct {
	typ   message.Type
	token []byte
	resp  *response
}

type fakePeer struct {
	remote string
	err    error
	closed bool

	mu   sync.Mutex
	sent []sentMessage
}

func (p *fakePeer) Remote() string {
	return p.remote
}

func (p *fakePeer) Closed() bool {
	return p.closed
}

func (p *fakePeer) Send(_ context.Context, typ message.Type, token []byte, resp *response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{typ: typ, token: token, resp: resp})
	return nil
}

func (p *fakePeer) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func newTestServer(t *testing.T, mutate ...func(*config.ServerConfig)) *Server {
	t.Helper()
	cfg := config.DefaultConfig().Server
	cfg.Listen = "127.0.0.1:0"
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg, testLogger(), metrics.NewManager(service.MockResources()))
	require.NoError(t, err)
	return s
}

// runTick advances the table and waits until every queued message went out.
func runTick(s *Server, now time.Time) {
	s.tick(now)
	s.deliveries.Wait()
}

func get(uri string, blk *payload.Block) *request {
	return &request{typ: message.Confirmable, code: codes.GET, uri: uri, block2: blk, token: []byte{0x01}}
}

func TestGetServesRequestedBlock(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	resp := s.serve(get(resource.URITest, &payload.Block{Index: 0, Size: 16}), p)
	assert.Equal(t, codes.Content, resp.code)
	assert.Len(t, resp.body, 16)
	require.True(t, resp.hasBlock2)
	blk, more, err := payload.DecodeBlock(resp.block2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, payload.Block{Index: 0, Size: 16}, blk)
	assert.Equal(t, message.TextPlain, resp.contentFormat)
}

func TestGetWithoutBlockOptionUsesServerMaximum(t *testing.T) {
	s := newTestServer(t, func(c *config.ServerConfig) { c.MaxBlockSize = 64 })
	p := &fakePeer{remote: "10.0.0.1:5683"}

	resp := s.serve(get(resource.URIData1024, nil), p)
	assert.Equal(t, codes.Content, resp.code)
	assert.Len(t, resp.body, 64)
	require.True(t, resp.hasBlock2)
	_, more, err := payload.DecodeBlock(resp.block2)
	require.NoError(t, err)
	assert.True(t, more)

	resp = s.serve(get(resource.URITest, nil), p)
	assert.Equal(t, codes.Content, resp.code)
	assert.False(t, resp.hasBlock2, "a representation that fits needs no Block2")
	assert.Equal(t, resource.DefaultTestContent, string(resp.body))
}

func TestResponseBlockReducesOversizedRequests(t *testing.T) {
	s := newTestServer(t, func(c *config.ServerConfig) { c.MaxBlockSize = 64 })

	assert.Equal(t, &payload.Block{Index: 0, Size: 64}, s.responseBlock(nil))
	assert.Equal(t, &payload.Block{Index: 3, Size: 32}, s.responseBlock(&payload.Block{Index: 3, Size: 32}))
	assert.Equal(t, &payload.Block{Index: 16, Size: 64}, s.responseBlock(&payload.Block{Index: 1, Size: 1024}))
}

func TestGetPastEndIsBadOption(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	resp := s.serve(get(resource.URIData128, &payload.Block{Index: 8, Size: 16}), p)
	assert.Equal(t, codes.BadOption, resp.code)
}

func TestSeparateResponseIsSentOnTick(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URISeparate, &payload.Block{Index: 0, Size: 64})
	req.token = []byte{0xaa, 0xbb}
	resp := s.serve(req, p)
	require.True(t, resp.separate)
	assert.Empty(t, p.messages())

	s.mu.Lock()
	assert.Equal(t, 1, s.pendingCount())
	s.mu.Unlock()

	runTick(s, time.Now())
	msgs := p.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Confirmable, msgs[0].typ)
	assert.Equal(t, []byte{0xaa, 0xbb}, msgs[0].token)
	assert.Equal(t, codes.Content, msgs[0].resp.code)
	assert.Equal(t, "That took a long time", string(msgs[0].resp.body))

	s.mu.Lock()
	assert.Equal(t, 0, s.pendingCount())
	s.mu.Unlock()

	// Nothing owed any more.
	runTick(s, time.Now())
	assert.Len(t, p.messages(), 1)
}

func TestDirectGetReleasesSeparateWaiters(t *testing.T) {
	s := newTestServer(t)
	a := &fakePeer{remote: "10.0.0.1:5683"}
	b := &fakePeer{remote: "10.0.0.2:5683"}

	req := get(resource.URISeparate, &payload.Block{Index: 0, Size: 64})
	req.token = []byte{0xaa}
	require.True(t, s.serve(req, a).separate)

	resp := s.serve(get(resource.URISeparate, &payload.Block{Index: 0, Size: 64}), b)
	require.False(t, resp.separate)
	assert.Equal(t, "That took a long time", string(resp.body))

	s.deliveries.Wait()
	msgs := a.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte{0xaa}, msgs[0].token)
	assert.Equal(t, codes.Content, msgs[0].resp.code)
	assert.Equal(t, "That took a long time", string(msgs[0].resp.body))
	assert.Empty(t, b.messages())

	s.mu.Lock()
	assert.Equal(t, 0, s.pendingCount())
	s.mu.Unlock()

	runTick(s, time.Now())
	assert.Len(t, a.messages(), 1)
}

func TestSeparateResponseToNonRequestIsNon(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URIAverage, nil)
	req.typ = message.NonConfirmable
	require.True(t, s.serve(req, p).separate)

	runTick(s, time.Now())
	msgs := p.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.NonConfirmable, msgs[0].typ)
	assert.Contains(t, string(msgs[0].resp.body), " C")
}

func TestDelayedBlockTransfer(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}
	expected := resource.PatternLines(8)

	require.True(t, s.serve(get(resource.URIDelayedBlock, &payload.Block{Index: 0, Size: 64}), p).separate)
	runTick(s, time.Now())
	msgs := p.messages()
	require.Len(t, msgs, 1)

	var got []byte
	got = append(got, msgs[0].resp.body...)
	_, more, err := payload.DecodeBlock(msgs[0].resp.block2)
	require.NoError(t, err)
	require.True(t, more)

	for i := 1; more; i++ {
		resp := s.serve(get(resource.URIDelayedBlock, &payload.Block{Index: i, Size: 64}), p)
		require.False(t, resp.separate, "block %d", i)
		require.Equal(t, codes.Content, resp.code)
		got = append(got, resp.body...)
		_, more, err = payload.DecodeBlock(resp.block2)
		require.NoError(t, err)
	}
	assert.Equal(t, expected, got)

	// The next transfer is deferred again.
	assert.True(t, s.serve(get(resource.URIDelayedBlock, &payload.Block{Index: 0, Size: 64}), p).separate)
}

func TestObserveRegistrationAndNotification(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URIObserve, &payload.Block{Index: 0, Size: 64})
	req.observe = observeRegister
	req.token = []byte{0x42}
	resp := s.serve(req, p)
	require.Equal(t, codes.Content, resp.code)
	require.True(t, resp.hasObserve)
	assert.Equal(t, "Observe counter: 0", string(resp.body))
	registered := resp.observe

	start := time.Now()
	runTick(s, start)
	assert.Empty(t, p.messages(), "the first tick only arms the Max-Age clock")

	runTick(s, start.Add(2*time.Second))
	msgs := p.messages()
	require.Len(t, msgs, 1)
	n := msgs[0]
	assert.Equal(t, message.NonConfirmable, n.typ)
	assert.Equal(t, []byte{0x42}, n.token)
	assert.True(t, n.resp.hasObserve)
	assert.Greater(t, n.resp.observe, registered)
	assert.Equal(t, "Observe counter: 1", string(n.resp.body))
	assert.NotEqual(t, resp.etag, n.resp.etag)
}

func TestObserveOnPlainResourceIsServedWithoutRegistration(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URITest, nil)
	req.observe = observeRegister
	resp := s.serve(req, p)
	assert.Equal(t, codes.Content, resp.code)
	assert.False(t, resp.hasObserve)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 0, s.observerCount())
}

func TestObservationEnds(t *testing.T) {
	tests := []struct {
		name    string
		request func() *request
		removed bool
	}{
		{"plain GET", func() *request { return get(resource.URIObserve, &payload.Block{Index: 0, Size: 64}) }, true},
		{"plain GET without block", func() *request { return get(resource.URIObserve, nil) }, true},
		{"deregister", func() *request {
			r := get(resource.URIObserve, nil)
			r.observe = observeDeregister
			return r
		}, true},
		{"block continuation", func() *request { return get(resource.URIObserve, &payload.Block{Index: 1, Size: 16}) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			p := &fakePeer{remote: "10.0.0.1:5683"}
			other := &fakePeer{remote: "10.0.0.2:5683"}

			reg := get(resource.URIObserve, nil)
			reg.observe = observeRegister
			require.True(t, s.serve(reg, p).hasObserve)
			require.True(t, s.serve(reg, other).hasObserve)

			s.serve(tt.request(), p)

			s.mu.Lock()
			_, stillThere := s.observers[resource.URIObserve][p.remote]
			count := s.observerCount()
			s.mu.Unlock()
			assert.Equal(t, !tt.removed, stillThere)
			if tt.removed {
				assert.Equal(t, 1, count, "other observers are kept")
			}
		})
	}
}

func TestTemperatureNotifiesConfirmable(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URICurrent, nil)
	req.observe = observeRegister
	resp := s.serve(req, p)
	require.True(t, resp.hasObserve)
	assert.True(t, resp.hasMaxAge)
	assert.Equal(t, uint32(10), resp.maxAge)

	start := time.Now()
	runTick(s, start)
	runTick(s, start.Add(10*time.Second))
	msgs := p.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Confirmable, msgs[0].typ)
	assert.Equal(t, "20.5 C", string(msgs[0].resp.body))
}

func TestFailedNotificationDropsObserver(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683", err: errors.New("no ACK")}

	req := get(resource.URIObserve, nil)
	req.observe = observeRegister
	require.True(t, s.serve(req, p).hasObserve)

	require.NoError(t, s.Update(resource.URIObserve))
	s.deliveries.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 0, s.observerCount())
}

func TestClosedPeerIsNotNotified(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URIObserve, nil)
	req.observe = observeRegister
	require.True(t, s.serve(req, p).hasObserve)

	p.closed = true
	require.NoError(t, s.Update(resource.URIObserve))
	s.deliveries.Wait()

	assert.Empty(t, p.messages())
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 0, s.observerCount())
}

func TestUpdate(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	assert.Error(t, s.Update("missing"))

	req := get(resource.URIObserve, nil)
	req.observe = observeRegister
	require.True(t, s.serve(req, p).hasObserve)

	require.NoError(t, s.Update(resource.URIObserve))
	s.deliveries.Wait()
	msgs := p.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, codes.Content, msgs[0].resp.code)
	assert.True(t, msgs[0].resp.hasObserve)
}

func TestBlockwisePut(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}
	body := []byte("<------0-------><------1------>\r\n<------2-------><------3------>\r\n")

	for i := 0; i*32 < len(body); i++ {
		end := min((i+1)*32, len(body))
		more := end < len(body)
		resp := s.serve(&request{
			typ:              message.Confirmable,
			code:             codes.PUT,
			uri:              resource.URITest,
			block1:           &payload.Block{Index: i, Size: 32},
			more:             more,
			contentFormat:    message.TextPlain,
			hasContentFormat: true,
			size1:            len(body),
			body:             body[i*32 : end],
		}, p)

		require.True(t, resp.hasBlock1)
		blk, echoed, err := payload.DecodeBlock(resp.block1)
		require.NoError(t, err)
		assert.Equal(t, i, blk.Index)
		assert.Equal(t, more, echoed)
		if more {
			assert.Equal(t, codes.Continue, resp.code)
		} else {
			assert.Equal(t, codes.Changed, resp.code)
		}
	}

	resp := s.serve(get(resource.URITest, nil), p)
	assert.Equal(t, body, resp.body)
}

func TestWriteRejections(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	resp := s.serve(&request{typ: message.Confirmable, code: codes.PUT, uri: resource.URISeparate, body: []byte("x")}, p)
	assert.Equal(t, codes.MethodNotAllowed, resp.code)
	assert.Equal(t, "not allowed", string(resp.body))

	resp = s.serve(&request{typ: message.Confirmable, code: codes.PUT, uri: "nowhere", body: []byte("x")}, p)
	assert.Equal(t, codes.NotFound, resp.code)

	resp = s.serve(&request{
		typ:              message.Confirmable,
		code:             codes.PUT,
		uri:              resource.URITest,
		contentFormat:    message.AppJSON,
		hasContentFormat: true,
		body:             []byte("{}"),
	}, p)
	assert.Equal(t, codes.UnsupportedMediaType, resp.code)

	resp = s.serve(&request{typ: message.Confirmable, code: codes.PUT, uri: resource.URITest, body: make([]byte, 300)}, p)
	assert.Equal(t, codes.RequestEntityTooLarge, resp.code)
}

func TestGetNotAcceptable(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URITest, nil)
	req.accept = message.AppJSON
	req.hasAccept = true
	assert.Equal(t, codes.NotAcceptable, s.serve(req, p).code)
}

func TestETagValidation(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	first := s.serve(get(resource.URITest, nil), p)
	require.NotNil(t, first.etag)

	req := get(resource.URITest, nil)
	req.etags = [][]byte{{0xde, 0xad}, bytes.Clone(first.etag)}
	resp := s.serve(req, p)
	assert.Equal(t, codes.Valid, resp.code)
	assert.Nil(t, resp.body)
	assert.Equal(t, first.etag, resp.etag)
}

func TestPostCreatesOneResource(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	post := func(uri, body string) *response {
		return s.serve(&request{typ: message.Confirmable, code: codes.POST, uri: uri, body: []byte(body)}, p)
	}

	assert.Equal(t, codes.BadOption, post("this/uri/is/far/too/long/for/the/factory", "x").code)

	resp := post("dyn/one", "created")
	assert.Equal(t, codes.Created, resp.code)
	assert.Equal(t, []string{"dyn", "one"}, resp.location)

	assert.Equal(t, "created", string(s.serve(get("dyn/one", nil), p).body))
	assert.Equal(t, codes.MethodNotAllowed, post("dyn/two", "x").code)
	assert.Equal(t, codes.MethodNotAllowed, post("dyn/one", "again").code)
	assert.Equal(t, "created", string(s.serve(get("dyn/one", nil), p).body))

	assert.Equal(t, codes.Changed, post(resource.URITest, "posted").code)

	assert.Equal(t, codes.Deleted, s.serve(&request{typ: message.Confirmable, code: codes.DELETE, uri: "dyn/one"}, p).code)
	assert.Equal(t, codes.Created, post("dyn/two", "x").code)
}

func TestDelete(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}
	del := func(uri string) codes.Code {
		return s.serve(&request{typ: message.Confirmable, code: codes.DELETE, uri: uri}, p).code
	}

	assert.Equal(t, codes.Deleted, del(resource.URITest))
	_, stillThere := s.Table().Lookup(resource.URITest)
	assert.True(t, stillThere, "the test resource survives DELETE")

	assert.Equal(t, codes.MethodNotAllowed, del(resource.URIData1024))
	assert.Equal(t, codes.NotFound, del("missing"))
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := s.serve(&request{typ: message.Confirmable, code: codes.FETCH, uri: resource.URITest}, &fakePeer{remote: "x"})
	assert.Equal(t, codes.MethodNotAllowed, resp.code)
}

func TestEventsAreEmitted(t *testing.T) {
	s := newTestServer(t)
	p := &fakePeer{remote: "10.0.0.1:5683"}

	req := get(resource.URIObserve, &payload.Block{Index: 0, Size: 32})
	req.observe = observeRegister
	s.serve(req, p)
	s.serve(get(resource.URISeparate, nil), p)

	ev := <-s.Events()
	assert.Equal(t, kindRequest, ev.Kind)
	assert.Equal(t, "GET", ev.Method)
	assert.Equal(t, resource.URIObserve, ev.URI)
	assert.Equal(t, "0/32", ev.Block)
	assert.Equal(t, "register", ev.Observe)
	assert.Equal(t, codes.Content.String(), ev.Code)

	ev = <-s.Events()
	assert.Equal(t, "send_separate", ev.Result)
	assert.Empty(t, ev.Code)

	runTick(s, time.Now())
	ev = <-s.Events()
	assert.Equal(t, kindSeparate, ev.Kind)
	assert.Equal(t, resource.URISeparate, ev.URI)
}

func TestEventsAreDroppedWhenFull(t *testing.T) {
	s := newTestServer(t, func(c *config.ServerConfig) { c.EventBuffer = 1 })
	p := &fakePeer{remote: "10.0.0.1:5683"}

	s.serve(get(resource.URITest, nil), p)
	s.serve(get(resource.URITest, nil), p)
	assert.Len(t, s.Events(), 1)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	checker := metrics.NewHealthChecker(s)

	status := checker.CheckHealth(context.Background())
	assert.False(t, status.Healthy)

	s.lifecycle.Lock()
	s.addr = "127.0.0.1:5683"
	s.lifecycle.Unlock()

	status = checker.CheckHealth(context.Background())
	require.True(t, status.Healthy)
	details := status.Details["resource_server"].(map[string]any)
	assert.Equal(t, 9, details["resources"])
	assert.Equal(t, "healthy", details["status"])
}

func TestDecodeRequest(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.GET)
	m.SetType(message.NonConfirmable)
	m.SetToken([]byte{1, 2, 3})
	require.NoError(t, m.SetPath("/BlockTransfer/Data1024bytes"))
	block2, err := payload.EncodeBlock(2, 64, false)
	require.NoError(t, err)
	m.SetOptionUint32(message.Block2, block2)
	m.SetOptionUint32(message.Accept, uint32(message.TextPlain))
	m.SetObserve(0)
	m.AddOptionBytes(message.ETag, []byte{9, 9})

	req, err := decodeRequest(m)
	require.NoError(t, err)
	assert.Equal(t, codes.GET, req.code)
	assert.Equal(t, message.NonConfirmable, req.typ)
	assert.Equal(t, []byte{1, 2, 3}, req.token)
	assert.Equal(t, resource.URIData1024, req.uri)
	assert.Equal(t, &payload.Block{Index: 2, Size: 64}, req.block2)
	assert.True(t, req.hasAccept)
	assert.Equal(t, message.TextPlain, req.accept)
	assert.Equal(t, observeRegister, req.observe)
	assert.Equal(t, [][]byte{{9, 9}}, req.etags)
	assert.Nil(t, req.body)
}

func TestDecodeRequestBody(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.PUT)
	m.SetType(message.Confirmable)
	require.NoError(t, m.SetPath("test"))
	block1, err := payload.EncodeBlock(1, 32, true)
	require.NoError(t, err)
	m.SetOptionUint32(message.Block1, block1)
	m.SetOptionUint32(message.Size1, 66)
	m.SetContentFormat(message.TextPlain)
	m.SetBody(bytes.NewReader([]byte("block one")))

	req, err := decodeRequest(m)
	require.NoError(t, err)
	assert.Equal(t, resource.URITest, req.uri)
	assert.Equal(t, &payload.Block{Index: 1, Size: 32}, req.block1)
	assert.True(t, req.more)
	assert.Equal(t, 66, req.size1)
	assert.True(t, req.hasContentFormat)
	assert.Equal(t, []byte("block one"), req.body)
	assert.Equal(t, observeNone, req.observe)
	assert.False(t, req.cancelsObservation())
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		method codes.Code
		result payload.Result
		want   codes.Code
	}{
		{codes.GET, payload.ResultContentFormatError, codes.NotAcceptable},
		{codes.PUT, payload.ResultContentFormatError, codes.UnsupportedMediaType},
		{codes.POST, payload.ResultContentFormatError, codes.UnsupportedMediaType},
		{codes.PUT, payload.ResultNotAllowed, codes.MethodNotAllowed},
		{codes.GET, payload.ResultNotFound, codes.NotFound},
		{codes.PUT, payload.ResultBufferTooSmall, codes.RequestEntityTooLarge},
		{codes.POST, payload.ResultTooLarge, codes.RequestEntityTooLarge},
		{codes.POST, payload.ResultURITooLong, codes.BadOption},
		{codes.GET, payload.ResultNoPayload, codes.BadOption},
		{codes.GET, payload.ResultSendSeparate, codes.InternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.method, tt.result), "%s %s", tt.method, tt.result)
	}
}
