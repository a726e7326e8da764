// pkg/server/push.go
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"

	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
)

// deliveryTimeout bounds how long a confirmable message waits for its ACK.
const deliveryTimeout = 30 * time.Second

// peer is the remote endpoint of a request, kept to send late replies and
// notifications to it.
type peer interface {
	Remote() string
	Closed() bool
	Send(ctx context.Context, typ message.Type, token []byte, resp *response) error
}

type connPeer struct {
	conn mux.Conn
}

func (p *connPeer) Remote() string {
	return p.conn.RemoteAddr().String()
}

func (p *connPeer) Closed() bool {
	return p.conn.Context().Err() != nil
}

func (p *connPeer) Send(ctx context.Context, typ message.Type, token []byte, resp *response) error {
	m := p.conn.AcquireMessage(ctx)
	defer p.conn.ReleaseMessage(m)

	m.SetType(typ)
	m.SetToken(token)
	resp.writeTo(m)
	return p.conn.WriteMessage(m)
}

// waiter is a GET answered with an empty ACK whose reply is still owed.
type waiter struct {
	peer           peer
	typ            message.Type
	token          []byte
	block          *payload.Block
	blockRequested bool
	accept         message.MediaType
	hasAccept      bool
}

type observer struct {
	peer           peer
	token          []byte
	blockSize      int
	blockRequested bool
	accept         message.MediaType
	hasAccept      bool
}

const (
	kindRequest      = "request"
	kindSeparate     = "separate"
	kindNotification = "notification"
)

// delivery is one server-initiated message queued under the lock and sent
// after it is released.
type delivery struct {
	kind  string
	uri   string
	peer  peer
	typ   message.Type
	token []byte
	resp  *response
	// final notifications end the registration once sent.
	final bool
}

// addWaiter registers a deferred GET. The library acknowledges the request
// when the handler returns without a response.
func (s *Server) addWaiter(req *request, p peer, blk *payload.Block) {
	typ := message.NonConfirmable
	if req.typ == message.Confirmable {
		typ = message.Confirmable
	}
	s.pending[req.uri] = append(s.pending[req.uri], &waiter{
		peer:           p,
		typ:            typ,
		token:          req.token,
		block:          blk,
		blockRequested: req.block2 != nil,
		accept:         req.accept,
		hasAccept:      req.hasAccept,
	})
	s.metrics.Server().SetPending(s.pendingCount())
}

func (s *Server) pendingCount() int {
	n := 0
	for _, w := range s.pending {
		n += len(w)
	}
	return n
}

// PushSeparate sends the reply owed to every waiter of r. The resource is
// read once and the same reply goes to all of them.
func (s *Server) PushSeparate(r resource.Resource) {
	uri := r.Desc().URI
	waiters := s.pending[uri]
	if len(waiters) == 0 {
		return
	}
	delete(s.pending, uri)
	s.metrics.Server().SetPending(s.pendingCount())

	first := waiters[0]
	buf := make([]byte, first.block.Size)
	reply := s.table.Get(resource.Request{
		URI:       uri,
		Block:     first.block,
		Accept:    first.accept,
		HasAccept: first.hasAccept,
	}, buf)
	if reply.Result == payload.ResultSendSeparate {
		// Still not ready; keep waiting.
		s.pending[uri] = waiters
		return
	}

	s.answerWaiters(uri, waiters, reply, first.block)
}

// answerWaiters queues reply, read at blk, for each waiter.
func (s *Server) answerWaiters(uri string, waiters []*waiter, reply resource.Reply, blk *payload.Block) {
	for _, w := range waiters {
		resp := contentResponse(reply, blk, w.blockRequested)
		s.outbox = append(s.outbox, delivery{
			kind:  kindSeparate,
			uri:   uri,
			peer:  w.peer,
			typ:   w.typ,
			token: w.token,
			resp:  resp,
		})
	}
}

// releaseWaiters hands a value that a direct GET just consumed to the
// requests still waiting for it, which the tick would otherwise skip.
func (s *Server) releaseWaiters(uri string, reply resource.Reply, blk *payload.Block) {
	waiters := s.pending[uri]
	if len(waiters) == 0 || blk.Index != 0 {
		return
	}
	if reply.Result != payload.ResultOK && reply.Result != payload.ResultSendBlock {
		return
	}
	delete(s.pending, uri)
	s.metrics.Server().SetPending(s.pendingCount())
	s.answerWaiters(uri, waiters, reply, blk)
}

func observerKey(p peer) string {
	return p.Remote()
}

func (s *Server) addObserver(uri string, req *request, p peer, blk *payload.Block) {
	if s.observers[uri] == nil {
		s.observers[uri] = make(map[string]*observer)
	}
	s.observers[uri][observerKey(p)] = &observer{
		peer:           p,
		token:          req.token,
		blockSize:      blk.Size,
		blockRequested: req.block2 != nil,
		accept:         req.accept,
		hasAccept:      req.hasAccept,
	}
	s.metrics.Server().SetObservers(s.observerCount())
	s.logger.Debugf("Observer %s registered on %s", p.Remote(), uri)
}

func (s *Server) removeObserver(uri, key string) bool {
	obs, ok := s.observers[uri]
	if !ok {
		return false
	}
	if _, ok := obs[key]; !ok {
		return false
	}
	delete(obs, key)
	if len(obs) == 0 {
		delete(s.observers, uri)
	}
	s.metrics.Server().SetObservers(s.observerCount())
	s.logger.Debugf("Observer %s removed from %s", key, uri)
	return true
}

func (s *Server) observerCount() int {
	n := 0
	for _, obs := range s.observers {
		n += len(obs)
	}
	return n
}

// Notify queues a notification carrying the current representation of r
// for each of its observers.
func (s *Server) Notify(r resource.Resource, typ message.Type) {
	d := r.Desc()
	for key, o := range s.observers[d.URI] {
		if o.peer.Closed() {
			s.removeObserver(d.URI, key)
			continue
		}

		blk := &payload.Block{Size: o.blockSize}
		buf := make([]byte, blk.Size)
		reply := s.table.Get(resource.Request{
			URI:       d.URI,
			Block:     blk,
			Accept:    o.accept,
			HasAccept: o.hasAccept,
		}, buf)

		resp := contentResponse(reply, blk, o.blockRequested)
		final := resp.code != codes.Content
		if !final {
			resp.setObserve(d.Version())
		}
		s.outbox = append(s.outbox, delivery{
			kind:  kindNotification,
			uri:   d.URI,
			peer:  o.peer,
			typ:   typ,
			token: o.token,
			resp:  resp,
			final: final,
		})
	}
}

// takeOutbox returns the queued deliveries. Callers hold s.mu.
func (s *Server) takeOutbox() []delivery {
	out := s.outbox
	s.outbox = nil
	return out
}

// deliver sends each queued message on its own goroutine so a confirmable
// message waiting for its ACK does not hold up the others.
func (s *Server) deliver(batch []delivery) {
	for _, d := range batch {
		s.deliveries.Add(1)
		go func(d delivery) {
			defer s.deliveries.Done()
			s.send(d)
		}(d)
	}
}

func (s *Server) send(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	err := d.peer.Send(ctx, d.typ, d.token, d.resp)

	ev := Event{
		Time:   time.Now(),
		Kind:   d.kind,
		Remote: d.peer.Remote(),
		URI:    d.uri,
		Type:   d.typ.String(),
		Result: d.resp.result.String(),
		Code:   d.resp.code.String(),
	}
	if d.resp.hasObserve {
		ev.Observe = fmt.Sprintf("%d", d.resp.observe)
	}

	switch {
	case err != nil:
		ev.Error = err.Error()
		s.metrics.Server().IncErrors()
		s.logger.Warnf("Failed to send %s for %s to %s: %v", d.kind, d.uri, d.peer.Remote(), err)
		if d.kind == kindNotification {
			s.metrics.Server().IncNotificationsLost()
			s.dropObserver(d.uri, d.peer)
		}
	case d.kind == kindNotification:
		s.metrics.Server().IncNotifications()
		if d.final {
			s.dropObserver(d.uri, d.peer)
		}
	default:
		s.metrics.Server().IncSeparate()
	}
	s.emit(ev)
}

func (s *Server) dropObserver(uri string, p peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.observers[uri][observerKey(p)]; ok && o.peer == p {
		s.removeObserver(uri, observerKey(p))
	}
}
