// pkg/server/server.go
package server

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpServer "github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/config"
	"github.com/twinfer/coap-exerciser/pkg/metrics"
	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
)

// Event describes one exchange handled by the server.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Remote  string    `json:"remote"`
	Method  string    `json:"method,omitempty"`
	Type    string    `json:"type"`
	URI     string    `json:"uri"`
	Block   string    `json:"block,omitempty"`
	Result  string    `json:"result"`
	Code    string    `json:"code"`
	Observe string    `json:"observe,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Server binds a resource table to a CoAP UDP endpoint. One mutex
// serialises request handlers and the tick, so the table is never touched
// concurrently.
type Server struct {
	cfg     config.ServerConfig
	table   *resource.Table
	logger  *service.Logger
	metrics *metrics.Manager

	mu        sync.Mutex
	pending   map[string][]*waiter
	observers map[string]map[string]*observer
	outbox    []delivery

	events     chan Event
	deliveries sync.WaitGroup

	lifecycle sync.Mutex
	server    *udpServer.Server
	listener  *coapNet.UDPConn
	addr      string
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a server over the default resource table.
func New(cfg config.ServerConfig, logger *service.Logger, mgr *metrics.Manager) (*Server, error) {
	table, err := resource.NewDefaultTable(cfg.ResourceOptions(), logger)
	if err != nil {
		return nil, err
	}
	return NewWithTable(cfg, table, logger, mgr), nil
}

// NewWithTable creates a server over a caller-built table.
func NewWithTable(cfg config.ServerConfig, table *resource.Table, logger *service.Logger, mgr *metrics.Manager) *Server {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 1
	}
	s := &Server{
		cfg:       cfg,
		table:     table,
		logger:    logger,
		metrics:   mgr,
		pending:   make(map[string][]*waiter),
		observers: make(map[string]map[string]*observer),
		events:    make(chan Event, buffer),
	}
	mgr.Server().SetResources(len(table.Resources()))
	return s
}

// Events delivers one event per handled exchange. Events are dropped when
// nobody reads them.
func (s *Server) Events() <-chan Event {
	return s.events
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.metrics.Server().IncEventsDropped()
	}
}

// Addr is the bound listen address once the server runs.
func (s *Server) Addr() string {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.addr
}

// Start listens on cfg.Listen and starts the tick. The library's block-wise
// handling is disabled; the table answers block options itself.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.server != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	listener, err := coapNet.NewListenUDP("udp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %s: %w", s.cfg.Listen, err)
	}

	s.listener = listener
	s.addr = listener.LocalAddr().String()
	s.server = udp.NewServer(
		options.WithMux(mux.HandlerFunc(s.handleRequest)),
		options.WithBlockwise(false, blockwise.SZX1024, time.Minute),
	)
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil {
			select {
			case <-s.stopCh:
				s.logger.Debug("CoAP server shutdown")
			default:
				s.logger.Errorf("CoAP server error: %v", err)
				s.metrics.Server().IncErrors()
			}
		}
	}()
	go s.runTicker(s.stopCh)

	s.logger.Infof("CoAP resource server listening on UDP %s", s.addr)
	return nil
}

// Stop shuts the listener down and waits for queued deliveries.
func (s *Server) Stop() {
	s.lifecycle.Lock()
	if s.server == nil {
		s.lifecycle.Unlock()
		return
	}
	close(s.stopCh)
	s.server.Stop()
	s.server = nil
	addr := s.addr
	s.addr = ""
	s.lifecycle.Unlock()

	s.wg.Wait()
	_ = s.listener.Close()
	s.deliveries.Wait()
	s.logger.Infof("CoAP resource server on %s stopped", addr)
}

func (s *Server) runTicker(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.tick(now)
		case <-stop:
			return
		}
	}
}

// tick advances the table and sends what it queued.
func (s *Server) tick(now time.Time) {
	s.mu.Lock()
	s.table.Tick(now, s)
	batch := s.takeOutbox()
	s.mu.Unlock()

	s.deliver(batch)
}

// Update marks uri as changed and notifies its observers with the type its
// notify policy selects.
func (s *Server) Update(uri string) error {
	s.mu.Lock()
	r, ok := s.table.Lookup(uri)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resource %s not found", uri)
	}
	err := s.table.Update(uri, r.Desc().Observe.Notify.MessageType(), true, s)
	batch := s.takeOutbox()
	s.mu.Unlock()

	s.deliver(batch)
	return err
}

// Table exposes the resource table. Callers must not use it while the
// server runs.
func (s *Server) Table() *resource.Table {
	return s.table
}

// Name implements metrics.Probe.
func (s *Server) Name() string {
	return "resource_server"
}

// Check implements metrics.Probe.
func (s *Server) Check(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := s.Addr()
	if addr == "" {
		return nil, fmt.Errorf("server not running")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"listen":    addr,
		"resources": len(s.table.Resources()),
		"observers": s.observerCount(),
		"pending":   s.pendingCount(),
	}, nil
}

func (s *Server) handleRequest(w mux.ResponseWriter, r *mux.Message) {
	timer := metrics.StartTimer(metrics.TimerHandler)
	defer timer.Stop(s.metrics)
	s.metrics.Server().IncReceived()

	p := &connPeer{conn: w.Conn()}
	req, err := decodeRequest(r.Message)
	var resp *response
	if err != nil {
		s.logger.Debugf("Rejecting request from %s: %v", p.Remote(), err)
		resp = diagnostic(codes.BadOption, payload.ResultNotAllowed, err.Error())
	} else {
		resp = s.serve(req, p)
	}
	if resp.separate {
		return
	}

	var body *bytes.Reader
	if resp.hasPayload() {
		body = bytes.NewReader(resp.body)
	}
	if body != nil {
		err = w.SetResponse(resp.code, resp.contentFormat, body)
	} else {
		err = w.SetResponse(resp.code, message.TextPlain, nil)
	}
	if err != nil {
		s.logger.Errorf("Failed to send response: %v", err)
		s.metrics.Server().IncErrors()
		return
	}
	resp.applyOptions(w.Message())
	s.metrics.Server().IncResponses()
}

// serve runs req against the table and returns the response to send.
func (s *Server) serve(req *request, p peer) *response {
	s.mu.Lock()
	var resp *response
	var blk *payload.Block
	switch req.code {
	case codes.GET:
		blk = s.responseBlock(req.block2)
		resp = s.get(req, p, blk)
	case codes.PUT:
		blk = req.block1
		resp = writeResponse(codes.PUT, s.table.Put(req.tableRequest(blk)), blk)
	case codes.POST:
		blk = req.block1
		resp = writeResponse(codes.POST, s.table.Post(req.tableRequest(blk)), blk)
		if resp.code == codes.Created {
			s.metrics.Server().SetResources(len(s.table.Resources()))
		}
	case codes.DELETE:
		resp = deleteResponse(s.table.Delete(req.uri))
		s.metrics.Server().SetResources(len(s.table.Resources()))
	default:
		resp = rejection(req.code, payload.ResultNotAllowed)
	}
	batch := s.takeOutbox()
	s.mu.Unlock()
	s.deliver(batch)

	if resp.code>>5 >= 4 {
		s.metrics.Server().IncRejected()
	}

	ev := Event{
		Time:   time.Now(),
		Kind:   kindRequest,
		Remote: p.Remote(),
		Method: req.code.String(),
		Type:   req.typ.String(),
		URI:    req.uri,
		Result: resp.result.String(),
		Code:   resp.code.String(),
	}
	if blk != nil {
		ev.Block = blk.String()
	}
	if resp.separate {
		ev.Result = payload.ResultSendSeparate.String()
		ev.Code = ""
	}
	switch {
	case resp.hasObserve:
		ev.Observe = "register"
	case req.observe == observeDeregister:
		ev.Observe = "deregister"
	}
	s.emit(ev)
	return resp
}

func (s *Server) get(req *request, p peer, blk *payload.Block) *response {
	removed := false
	if req.observe == observeDeregister || req.cancelsObservation() {
		removed = s.removeObserver(req.uri, observerKey(p))
	}

	buf := make([]byte, blk.Size)
	reply := s.table.Get(req.tableRequest(blk), buf)
	if reply.Result == payload.ResultSendSeparate {
		s.addWaiter(req, p, blk)
		return &response{separate: true, result: reply.Result}
	}

	if r, ok := s.table.Lookup(req.uri); ok {
		if _, deferred := r.(resource.Deferred); deferred {
			s.releaseWaiters(req.uri, reply, blk)
		}
	}

	resp := contentResponse(reply, blk, req.block2 != nil)
	if req.observe == observeRegister && reply.Observable && resp.code>>5 == 2 {
		s.addObserver(req.uri, req, p, blk)
		r, _ := s.table.Lookup(req.uri)
		resp.setObserve(r.Desc().Version())
	} else if removed {
		s.logger.Debugf("Observation of %s by %s cancelled", req.uri, p.Remote())
	}
	return resp
}

// responseBlock picks the block to serve. Requests without Block2 get the
// first block at the server maximum; larger requested sizes are reduced to
// it.
func (s *Server) responseBlock(requested *payload.Block) *payload.Block {
	max := s.cfg.MaxBlockSize
	if requested == nil {
		return &payload.Block{Index: 0, Size: max}
	}
	blk := *requested
	if blk.Size > max {
		blk.Index = blk.Offset() / max
		blk.Size = max
	}
	return &blk
}
