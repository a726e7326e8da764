package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/coap-exerciser/pkg/payload"
)

const discoveryDoc = `</test>;title="Default test resource";ct=0,</obs>;title="Observable counter";obs`

func testLogger() *service.Logger {
	return service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func action(req *Request) string {
	if req.Code == codes.Empty {
		return "PING"
	}
	if req.Observe {
		return "OBSERVE " + req.Path
	}
	return fmt.Sprintf("%s %s", req.Code, req.Path)
}

// fakeEngine answers like a well-behaved server unless respond is replaced.
type fakeEngine struct {
	mu            sync.Mutex
	actions       []string
	respond       func(req *Request) (*Response, error)
	notifications []*Response
	observeErr    error
	cancelled     int
}

func newFakeEngine() *fakeEngine {
	f := &fakeEngine{respond: wellBehaved}
	for i := 1; i <= 7; i++ {
		f.notifications = append(f.notifications, &Response{
			Code:    codes.Content,
			Body:    []byte(fmt.Sprintf("Observe counter: %d", i)),
			Observe: true,
		})
	}
	return f
}

func wellBehaved(req *Request) (*Response, error) {
	switch {
	case req.Code == codes.Empty:
		return &Response{Code: codes.Empty}, nil
	case req.Code == codes.GET && req.Path == ".well-known/core":
		return &Response{Code: codes.Content, ContentFormat: message.AppLinkFormat, HasContentFormat: true, Body: []byte(discoveryDoc)}, nil
	case req.Code == codes.GET:
		return &Response{Code: codes.Content, ContentFormat: message.TextPlain, HasContentFormat: true, Body: []byte("content of " + req.Path)}, nil
	case req.Code == codes.PUT && req.Path == "separate":
		return &Response{Code: codes.MethodNotAllowed}, nil
	case req.Code == codes.PUT, req.Code == codes.POST:
		return &Response{Code: codes.Changed}, nil
	case req.Code == codes.DELETE:
		return &Response{Code: codes.Deleted}, nil
	}
	return &Response{Code: codes.BadRequest}, nil
}

func (f *fakeEngine) Do(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.actions = append(f.actions, action(req))
	f.mu.Unlock()

	resp, err := f.respond(req)
	if err == nil && req.Sink != nil {
		req.Sink.Consume(0, resp.Body)
	}
	return resp, err
}

func (f *fakeEngine) Observe(_ context.Context, req *Request, onNotify func(*Response)) (Observation, error) {
	f.mu.Lock()
	f.actions = append(f.actions, action(req))
	f.mu.Unlock()

	if f.observeErr != nil {
		return nil, f.observeErr
	}
	go func() {
		for _, n := range f.notifications {
			onNotify(n)
		}
	}()
	return fakeObservation{f}, nil
}

func (f *fakeEngine) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type fakeObservation struct {
	f *fakeEngine
}

func (o fakeObservation) Cancel(context.Context) error {
	o.f.mu.Lock()
	o.f.cancelled++
	o.f.mu.Unlock()
	return nil
}

// step builds the current request and answers it with the well-behaved
// response.
func step(t *testing.T, d *Driver) *Request {
	t.Helper()
	req, ok := d.BuildNextRequest()
	require.True(t, ok)
	resp, err := wellBehaved(req)
	require.NoError(t, err)
	if req.Sink != nil {
		req.Sink.Consume(0, resp.Body)
	}
	d.HandleResult(resp)
	return req
}

func advanceTo(t *testing.T, d *Driver, c Case) {
	t.Helper()
	for d.Index() != c {
		step(t, d)
	}
}

func TestRunPassesEveryCase(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	eng := newFakeEngine()

	summary, err := Run(context.Background(), d, eng)
	require.NoError(t, err)

	assert.Equal(t, 9, summary.Total)
	assert.Equal(t, 9, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.True(t, d.Done())

	assert.Equal(t, []string{
		"PING",
		"GET .well-known/core",
		"GET separate",
		"GET test",
		"PUT test",
		"PUT separate",
		"DELETE test",
		"POST test",
		"OBSERVE obs",
		"GET obs",
	}, eng.Actions())
	assert.Equal(t, 1, eng.cancelled)

	results := d.Results()
	assert.Equal(t, "/test: Default test resource\n/obs: Observable counter", results[CaseDiscover].Detail)
	assert.Equal(t, "5 notifications", results[CaseObserve].Detail)
	assert.Equal(t, ObserveTerminated, d.Session().State())
}

func TestRunIterationsReuseDiscoveryAccumulator(t *testing.T) {
	opts := DefaultOptions()
	opts.Iterations = 2
	d := NewDriver(opts, testLogger())

	summary, err := Run(context.Background(), d, newFakeEngine())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Iterations)
	assert.Equal(t, 18, summary.Total)
	assert.Equal(t, 18, summary.Passed)

	results := d.Results()
	assert.Equal(t, results[CaseDiscover].Detail, results[9+int(CaseDiscover)].Detail)
	assert.Equal(t, 1, results[9].Iteration)
}

func TestRunReportsResultsAsTheyComplete(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	var seen []string
	d.OnResult(func(r CaseResult) {
		seen = append(seen, r.Name)
	})

	_, err := Run(context.Background(), d, newFakeEngine())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ping", "discover", "separate_get", "non_get_block16", "put",
		"put_not_allowed", "delete", "post", "observe",
	}, seen)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, d, newFakeEngine())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunObserveTimesOut(t *testing.T) {
	opts := DefaultOptions()
	opts.ObserveTimeout = 20 * time.Millisecond
	d := NewDriver(opts, testLogger())
	eng := newFakeEngine()
	eng.notifications = eng.notifications[:2]

	summary, err := Run(context.Background(), d, eng)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	results := d.Results()
	assert.False(t, results[CaseObserve].Passed)
	assert.Equal(t, 2, d.Session().Notifications())
	assert.True(t, d.Session().Final())
}

func TestRunErrorNotificationStillCancels(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	eng := newFakeEngine()
	eng.notifications[0] = &Response{Code: codes.NotFound, Observe: true}

	summary, err := Run(context.Background(), d, eng)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	actions := eng.Actions()
	assert.Equal(t, "GET obs", actions[len(actions)-1])
	assert.Equal(t, ObserveTerminated, d.Session().State())
	assert.False(t, d.Session().Final())
	assert.False(t, d.Results()[CaseObserve].Passed)
}

func TestDiscoveryLinksAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	d := NewDriver(DefaultOptions(), logger)

	advanceTo(t, d, CaseSeparate)
	assert.Contains(t, buf.String(), "Discovered </test>")
	assert.Contains(t, buf.String(), "Discovered </obs>")
	assert.NotContains(t, buf.String(), "does not parse")
}

func TestRequestShapes(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())

	ping := step(t, d)
	assert.Equal(t, codes.Empty, ping.Code)
	assert.Equal(t, message.Confirmable, ping.Type)

	discover := step(t, d)
	assert.Equal(t, 64, discover.BlockSize)
	assert.Equal(t, ".well-known/core", discover.Path)

	separate := step(t, d)
	assert.Equal(t, 64, separate.BlockSize)
	assert.Equal(t, message.Confirmable, separate.Type)

	nonGet := step(t, d)
	assert.Equal(t, message.NonConfirmable, nonGet.Type)
	assert.Equal(t, 16, nonGet.BlockSize)
	assert.True(t, nonGet.HasAccept)
	assert.Equal(t, message.TextPlain, nonGet.Accept)

	put := step(t, d)
	assert.Equal(t, codes.PUT, put.Code)
	assert.Equal(t, 32, put.BlockSize)
	assert.Equal(t, 66, put.Size1)
	assert.Equal(t, message.TextPlain, put.ContentFormat)

	var sizes []int
	dst := make([]byte, put.BlockSize)
	for index := 0; ; index++ {
		n, res := put.Body.Read(dst, &payload.Block{Index: index, Size: put.BlockSize})
		sizes = append(sizes, n)
		if res != payload.ResultSendBlock {
			assert.Equal(t, payload.ResultOK, res)
			break
		}
	}
	assert.Equal(t, []int{32, 32, 2}, sizes)

	putFails := step(t, d)
	assert.Equal(t, "separate", putFails.Path)
	assert.Equal(t, 32, putFails.BlockSize)

	del := step(t, d)
	assert.Equal(t, codes.DELETE, del.Code)

	post := step(t, d)
	assert.Equal(t, codes.POST, post.Code)
	assert.True(t, post.HasContentFormat)

	observe, ok := d.BuildNextRequest()
	require.True(t, ok)
	assert.True(t, observe.Observe)
	assert.Equal(t, 16, observe.BlockSize)
	assert.Equal(t, "obs", observe.Path)
}

func TestNoSecondRequestWhileOutstanding(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())

	_, ok := d.BuildNextRequest()
	require.True(t, ok)
	_, ok = d.BuildNextRequest()
	assert.False(t, ok)
	assert.Equal(t, CasePing, d.Index())
}

func TestDoneSentinel(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseObserve)

	_, ok := d.BuildNextRequest()
	require.True(t, ok)
	d.ObserveFailed(errors.New("no observe"))
	assert.Equal(t, CaseDone, d.Index())

	_, ok = d.BuildNextRequest()
	assert.False(t, ok)
	assert.True(t, d.Done())

	_, ok = d.BuildNextRequest()
	assert.False(t, ok)
}

func TestObserveLifecycleCancelsAfterFiveNotifications(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseObserve)

	req, ok := d.BuildNextRequest()
	require.True(t, ok)
	assert.Equal(t, ObserveUnregistered, d.Session().State())
	d.ObserveStarted()
	assert.Equal(t, ObserveActive, d.Session().State())

	for i := 1; i <= 4; i++ {
		cancel := d.HandleNotification(&Response{Code: codes.Content, Body: []byte(fmt.Sprintf("Observe counter: %d", i))})
		assert.Nil(t, cancel)
		assert.Equal(t, ObserveActive, d.Session().State())
	}

	cancel := d.HandleNotification(&Response{Code: codes.Content, Body: []byte("Observe counter: 5")})
	require.NotNil(t, cancel)
	assert.False(t, cancel.Observe)
	assert.Equal(t, codes.GET, cancel.Code)
	assert.Equal(t, message.Confirmable, cancel.Type)
	assert.Equal(t, req.Path, cancel.Path)
	assert.Equal(t, ObserveCancelling, d.Session().State())
	assert.Equal(t, "Observe counter: 5", string(d.LastNotification()))

	assert.Nil(t, d.HandleNotification(&Response{Code: codes.Content}), "no more counting while cancelling")
	assert.Equal(t, 5, d.Session().Notifications())

	d.HandleResult(&Response{Code: codes.NotFound})
	assert.Equal(t, ObserveTerminated, d.Session().State())
	assert.False(t, d.Observing())

	results := d.Results()
	assert.True(t, results[len(results)-1].Passed, "the cancelling GET result code does not matter")
	assert.Equal(t, CaseDone, d.Index())
}

func TestObserveFinalNotificationTerminatesWithError(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseObserve)
	_, ok := d.BuildNextRequest()
	require.True(t, ok)
	d.ObserveStarted()

	d.HandleNotification(&Response{Code: codes.Content})
	d.HandleObserveEnd(true)

	assert.Equal(t, ObserveTerminated, d.Session().State())
	assert.True(t, d.Session().Final())
	assert.True(t, d.ErrorDetected())

	results := d.Results()
	assert.False(t, results[len(results)-1].Passed)
	assert.Equal(t, CaseDone, d.Index())
}

func TestObserveBadNotificationFlagsError(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseObserve)
	_, ok := d.BuildNextRequest()
	require.True(t, ok)
	d.ObserveStarted()

	d.HandleNotification(&Response{Code: codes.NotFound})
	assert.True(t, d.ErrorDetected())
	assert.Equal(t, ObserveActive, d.Session().State())

	var cancel *Request
	for cancel == nil {
		cancel = d.HandleNotification(&Response{Code: codes.Content})
	}
	d.HandleResult(&Response{Code: codes.Content})

	results := d.Results()
	assert.False(t, results[len(results)-1].Passed)
}

func TestObserveFailedAdvancesImmediately(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	eng := newFakeEngine()
	eng.observeErr = errors.New("observe not supported")

	summary, err := Run(context.Background(), d, eng)
	require.NoError(t, err)

	assert.Equal(t, 9, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	results := d.Results()
	assert.Contains(t, results[CaseObserve].Error, "observe not supported")
	assert.Equal(t, 0, eng.cancelled)
}

func TestPutNotAllowedChecksOnlyResponseClass(t *testing.T) {
	for _, tc := range []struct {
		code   codes.Code
		passed bool
	}{
		{codes.MethodNotAllowed, true},
		{codes.BadRequest, true},
		{codes.InternalServerError, true},
		{codes.Changed, false},
	} {
		d := NewDriver(DefaultOptions(), testLogger())
		advanceTo(t, d, CasePutNotAllowed)

		_, ok := d.BuildNextRequest()
		require.True(t, ok)
		d.HandleResult(&Response{Code: tc.code})

		results := d.Results()
		assert.Equal(t, tc.passed, results[len(results)-1].Passed, "code %s", tc.code)
	}
}

func TestErrorFlagClearedOnNextBuild(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseDiscover)

	req, ok := d.BuildNextRequest()
	require.True(t, ok)
	req.Sink.Consume(0, []byte(discoveryDoc))
	d.HandleResult(&Response{Code: codes.Content, ContentFormat: message.TextPlain, HasContentFormat: true})

	assert.True(t, d.ErrorDetected())
	results := d.Results()
	assert.False(t, results[len(results)-1].Passed)

	_, ok = d.BuildNextRequest()
	require.True(t, ok)
	assert.False(t, d.ErrorDetected())
}

func TestDiscoveryParserErrorFailsCase(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseDiscover)

	req, ok := d.BuildNextRequest()
	require.True(t, ok)
	req.Sink.Consume(0, []byte(`</test>;title="Default`))
	d.HandleResult(&Response{Code: codes.Content, ContentFormat: message.AppLinkFormat, HasContentFormat: true})

	results := d.Results()
	assert.False(t, results[len(results)-1].Passed)
}

func TestETagMismatchFailsCase(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	advanceTo(t, d, CaseNonGet)

	_, ok := d.BuildNextRequest()
	require.True(t, ok)
	d.HandleResult(&Response{Code: codes.Content, ContentFormat: message.TextPlain, HasContentFormat: true, ETagMismatch: true})

	results := d.Results()
	assert.False(t, results[len(results)-1].Passed)
	assert.Equal(t, CasePut, d.Index())
}

func TestTransportErrorDoesNotHaltSequence(t *testing.T) {
	d := NewDriver(DefaultOptions(), testLogger())
	eng := newFakeEngine()
	eng.respond = func(req *Request) (*Response, error) {
		if req.Code == codes.Empty {
			return nil, errors.New("timeout")
		}
		return wellBehaved(req)
	}

	summary, err := Run(context.Background(), d, eng)
	require.NoError(t, err)
	assert.Equal(t, 9, summary.Total)
	assert.Equal(t, 8, summary.Passed)

	results := d.Results()
	assert.False(t, results[CasePing].Passed)
	assert.Contains(t, results[CasePing].Error, "timeout")
}

func TestCaseNames(t *testing.T) {
	assert.Equal(t, "ping", CasePing.String())
	assert.Equal(t, "observe", CaseObserve.String())
	assert.Equal(t, "case(42)", Case(42).String())
}
