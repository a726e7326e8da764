// pkg/coaptest/engine.go
package coaptest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/scenario"
)

// DiscoveryDocument is what the mock engine answers for .well-known/core.
const DiscoveryDocument = `</test>;title="Default test resource";ct=0,</obs>;title="Observable counter";obs`

var ErrClosed = errors.New("mock engine closed")

// Logger returns a Benthos logger that only prints errors.
func Logger() *service.Logger {
	return service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

// MockResource is a canned answer for GET on one path.
type MockResource struct {
	Path          string
	ContentFormat message.MediaType
	Data          []byte
}

// MockEngine is an in-process scenario.Engine that behaves like a
// conforming server: discovery, readable resources, a PUT-protected
// separate resource and an observable counter.
type MockEngine struct {
	resources     map[string]*MockResource
	notifications int
	failPaths     map[string]error

	mu        sync.Mutex
	requests  []string
	cancelled int
	closed    bool
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		resources:     make(map[string]*MockResource),
		notifications: 7,
		failPaths:     make(map[string]error),
	}
}

func (m *MockEngine) AddResource(path string, contentFormat message.MediaType, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[path] = &MockResource{Path: path, ContentFormat: contentFormat, Data: data}
}

// FailPath makes every exchange on path return err as a transport error.
func (m *MockEngine) FailPath(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPaths[path] = err
}

// SetNotifications sets how many notifications an observation delivers.
func (m *MockEngine) SetNotifications(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = n
}

func (m *MockEngine) Do(_ context.Context, req *scenario.Request) (*scenario.Response, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.requests = append(m.requests, req.String())
	failure := m.failPaths[req.Path]
	res := m.resources[req.Path]
	m.mu.Unlock()

	if failure != nil && req.Code != codes.Empty {
		return nil, failure
	}

	resp := m.answer(req, res)
	if req.Sink != nil {
		req.Sink.Consume(0, resp.Body)
	}
	return resp, nil
}

func (m *MockEngine) answer(req *scenario.Request, res *MockResource) *scenario.Response {
	switch {
	case req.Code == codes.Empty:
		return &scenario.Response{Code: codes.Empty}
	case req.Code == codes.GET && req.Path == ".well-known/core":
		return &scenario.Response{Code: codes.Content, ContentFormat: message.AppLinkFormat, HasContentFormat: true, Body: []byte(DiscoveryDocument)}
	case req.Code == codes.GET && res != nil:
		return &scenario.Response{Code: codes.Content, ContentFormat: res.ContentFormat, HasContentFormat: true, Body: res.Data}
	case req.Code == codes.GET:
		return &scenario.Response{Code: codes.Content, ContentFormat: message.TextPlain, HasContentFormat: true, Body: []byte("content of " + req.Path)}
	case req.Code == codes.PUT && req.Path == "separate":
		return &scenario.Response{Code: codes.MethodNotAllowed}
	case req.Code == codes.PUT, req.Code == codes.POST:
		return &scenario.Response{Code: codes.Changed}
	case req.Code == codes.DELETE:
		return &scenario.Response{Code: codes.Deleted}
	}
	return &scenario.Response{Code: codes.BadRequest}
}

func (m *MockEngine) Observe(_ context.Context, req *scenario.Request, onNotify func(*scenario.Response)) (scenario.Observation, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.requests = append(m.requests, "OBSERVE "+req.Path)
	failure := m.failPaths[req.Path]
	count := m.notifications
	m.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	go func() {
		for i := 1; i <= count; i++ {
			onNotify(&scenario.Response{
				Code:    codes.Content,
				Body:    []byte(fmt.Sprintf("Observe counter: %d", i)),
				Observe: true,
			})
		}
	}()
	return &mockObservation{engine: m}, nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Requests lists the exchanges seen so far in order.
func (m *MockEngine) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

func (m *MockEngine) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

type mockObservation struct {
	engine *MockEngine
}

func (o *mockObservation) Cancel(context.Context) error {
	o.engine.mu.Lock()
	o.engine.cancelled++
	o.engine.mu.Unlock()
	return nil
}
