// pkg/scenario/driver.go
package scenario

import (
	"bytes"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/linkformat"
	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
)

// Case identifies one step of the exerciser sequence.
type Case int

const (
	CasePing Case = iota
	CaseDiscover
	CaseSeparate
	CaseNonGet
	CasePut
	CasePutNotAllowed
	CaseDelete
	CasePost
	CaseObserve
	CaseDone

	caseFinished Case = -1
)

var caseNames = map[Case]string{
	CasePing:          "ping",
	CaseDiscover:      "discover",
	CaseSeparate:      "separate_get",
	CaseNonGet:        "non_get_block16",
	CasePut:           "put",
	CasePutNotAllowed: "put_not_allowed",
	CaseDelete:        "delete",
	CasePost:          "post",
	CaseObserve:       "observe",
	CaseDone:          "done",
	caseFinished:      "finished",
}

func (c Case) String() string {
	if name, ok := caseNames[c]; ok {
		return name
	}
	return fmt.Sprintf("case(%d)", int(c))
}

// DefaultPutPayload is sent by the PUT cases: 66 bytes, three blocks at
// block size 32.
const DefaultPutPayload = "<------0-------><------1------>\r\n<------2-------><------3------>\r\n"

// DefaultPostPayload is sent by the POST case.
const DefaultPostPayload = "Posted by the exerciser"

// Options tunes the sequence.
type Options struct {
	DefaultBlockSize   int
	PutBlockSize       int
	OverrideBlockSize  int
	ObserveCancelAfter int
	ObserveTimeout     time.Duration
	RequestTimeout     time.Duration
	Iterations         int
	PutPayload         []byte
	PostPayload        []byte
	DiscoveryCapacity  int
	NotificationBuffer int
}

func DefaultOptions() Options {
	return Options{
		DefaultBlockSize:   64,
		PutBlockSize:       32,
		OverrideBlockSize:  16,
		ObserveCancelAfter: 5,
		ObserveTimeout:     30 * time.Second,
		RequestTimeout:     10 * time.Second,
		Iterations:         1,
		PutPayload:         []byte(DefaultPutPayload),
		PostPayload:        []byte(DefaultPostPayload),
		DiscoveryCapacity:  linkformat.DefaultCapacity,
		NotificationBuffer: 16,
	}
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Iteration int           `json:"iteration"`
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Passed    bool          `json:"passed"`
	Code      string        `json:"code"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Summary aggregates all recorded results.
type Summary struct {
	Iterations int           `json:"iterations"`
	Total      int           `json:"total"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

type outstanding struct {
	c      Case
	req    *Request
	sentAt time.Time
}

// Driver decides the next request from the current case index and judges
// the responses. It holds at most one outstanding request and is not safe
// for concurrent use.
type Driver struct {
	opts   Options
	logger *service.Logger
	now    func() time.Time

	index         Case
	iteration     int
	blockSize     int
	errorDetected bool
	pending       *outstanding
	session       *ObserveSession

	discovery *linkformat.Accumulator
	body      *Collector

	results  []CaseResult
	started  time.Time
	onResult func(CaseResult)
}

func NewDriver(opts Options, logger *service.Logger) *Driver {
	d := &Driver{
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		discovery: linkformat.NewAccumulator(opts.DiscoveryCapacity),
		body:      &Collector{},
	}
	d.Reset()
	return d
}

// OnResult registers fn to be called for every recorded result.
func (d *Driver) OnResult(fn func(CaseResult)) {
	d.onResult = fn
}

// Reset rewinds to the first case. Recorded results are kept and the
// discovery accumulator is reused.
func (d *Driver) Reset() {
	d.index = CasePing
	d.blockSize = d.opts.DefaultBlockSize
	d.errorDetected = false
	d.pending = nil
	d.session = nil
	if d.started.IsZero() {
		d.started = d.now()
	}
}

// NextIteration rewinds for another pass through the sequence.
func (d *Driver) NextIteration() {
	d.iteration++
	d.Reset()
}

func (d *Driver) Index() Case {
	return d.index
}

func (d *Driver) Done() bool {
	return d.index == caseFinished
}

// ErrorDetected reports the error flag of the current case.
func (d *Driver) ErrorDetected() bool {
	return d.errorDetected
}

func (d *Driver) Session() *ObserveSession {
	return d.session
}

// Observing reports whether an observe session still needs notifications
// or its cancelling GET.
func (d *Driver) Observing() bool {
	return d.session != nil && (d.session.state == ObserveActive || d.session.state == ObserveCancelling)
}

func (d *Driver) Results() []CaseResult {
	return append([]CaseResult(nil), d.results...)
}

// Discovery returns the accumulated text of the last discovery.
func (d *Driver) Discovery() *linkformat.Accumulator {
	return d.discovery
}

// BuildNextRequest returns the request for the current case. It returns
// false while a request is outstanding and once the sequence is done.
func (d *Driver) BuildNextRequest() (*Request, bool) {
	if d.pending != nil || d.Done() {
		return nil, false
	}
	d.errorDetected = false
	d.body.Reset()

	var req *Request
	switch d.index {
	case CasePing:
		req = &Request{Type: message.Confirmable, Code: codes.Empty}
	case CaseDiscover:
		d.blockSize = d.opts.DefaultBlockSize
		req = &Request{
			Type:      message.Confirmable,
			Code:      codes.GET,
			Path:      resource.DiscoveryURI,
			BlockSize: d.blockSize,
			Sink:      d.discovery,
		}
	case CaseSeparate:
		req = d.get(message.Confirmable, resource.URISeparate, d.blockSize)
	case CaseNonGet:
		req = d.get(message.NonConfirmable, resource.URITest, d.opts.OverrideBlockSize)
		req.Accept = message.TextPlain
		req.HasAccept = true
	case CasePut:
		d.blockSize = d.opts.PutBlockSize
		req = d.write(codes.PUT, resource.URITest, d.opts.PutPayload)
	case CasePutNotAllowed:
		req = d.write(codes.PUT, resource.URISeparate, d.opts.PutPayload)
	case CaseDelete:
		req = &Request{Type: message.Confirmable, Code: codes.DELETE, Path: resource.URITest}
	case CasePost:
		req = d.write(codes.POST, resource.URITest, d.opts.PostPayload)
	case CaseObserve:
		req = d.get(message.Confirmable, resource.URIObserve, d.opts.OverrideBlockSize)
		req.Observe = true
		d.session = newObserveSession(req, d.opts.ObserveCancelAfter)
	case CaseDone:
		d.index = caseFinished
		if d.logger != nil {
			d.logger.Infof("Scenario iteration %d finished", d.iteration)
		}
		return nil, false
	default:
		d.index = caseFinished
		return nil, false
	}

	d.pending = &outstanding{c: d.index, req: req, sentAt: d.now()}
	if d.logger != nil {
		d.logger.Debugf("Case %d (%s): %s", int(d.index), d.index, req)
	}
	return req, true
}

func (d *Driver) get(typ message.Type, path string, blockSize int) *Request {
	return &Request{
		Type:      typ,
		Code:      codes.GET,
		Path:      path,
		BlockSize: blockSize,
		Sink:      d.body,
	}
}

func (d *Driver) write(code codes.Code, path string, body []byte) *Request {
	return &Request{
		Type:             message.Confirmable,
		Code:             code,
		Path:             path,
		BlockSize:        d.blockSize,
		ContentFormat:    message.TextPlain,
		HasContentFormat: true,
		Size1:            len(body),
		Body:             payload.Bytes(body),
	}
}

// HandleResult consumes the response to the outstanding request and
// advances to the next case. While an observe session is cancelling, the
// response is the one to the cancelling GET and terminates the session
// whatever its code.
func (d *Driver) HandleResult(resp *Response) {
	p := d.pending
	if p == nil {
		if d.logger != nil {
			d.logger.Warn("Result received without an outstanding request")
		}
		return
	}

	if d.session != nil && d.session.state == ObserveCancelling {
		d.session.terminate(false)
		d.finish(p, resp, !d.errorDetected, fmt.Sprintf("%d notifications", d.session.notifications))
		return
	}

	d.check(p.req, resp)
	passed, detail := d.evaluate(p.c, resp)
	d.finish(p, resp, passed && !d.errorDetected, detail)
}

// check raises the error flag for malformed server behaviour.
func (d *Driver) check(req *Request, resp *Response) {
	if resp == nil || resp.Err != nil {
		return
	}
	if resp.ETagMismatch {
		d.flag("ETag changed during transfer")
	}
	if req.HasAccept && resp.HasContentFormat && resp.ContentFormat != req.Accept {
		d.flag(fmt.Sprintf("content format %v, requested %v", resp.ContentFormat, req.Accept))
	}
}

func (d *Driver) flag(reason string) {
	d.errorDetected = true
	if d.logger != nil {
		d.logger.Warnf("Case %d (%s): %s", int(d.index), d.index, reason)
	}
}

func (d *Driver) evaluate(c Case, resp *Response) (bool, string) {
	if resp == nil {
		return false, "no response"
	}
	if resp.Err != nil {
		return false, ""
	}

	switch c {
	case CasePing:
		return resp.Code == codes.Empty, ""
	case CaseDiscover:
		if err := d.discovery.Err(); err != nil {
			d.flag(err.Error())
		}
		if !resp.HasContentFormat || resp.ContentFormat != message.AppLinkFormat {
			d.flag("discovery response is not link-format")
		}
		d.logLinks(resp.Body)
		detail := d.discovery.Finalize()
		if d.discovery.Truncated() {
			detail += " [truncated]"
		}
		return resp.Code == codes.Content, detail
	case CaseSeparate, CaseNonGet:
		return resp.Code == codes.Content, d.body.String()
	case CasePut:
		return resp.Code == codes.Changed, ""
	case CasePutNotAllowed:
		return resp.Class() != 2, ""
	case CaseDelete:
		return resp.Code == codes.Deleted, ""
	case CasePost:
		return resp.Code == codes.Created || resp.Code == codes.Changed, ""
	}
	return false, "unexpected case"
}

func (d *Driver) logLinks(doc []byte) {
	if d.logger == nil || len(doc) == 0 {
		return
	}
	links, err := linkformat.Parse(doc)
	if err != nil {
		d.logger.Warnf("Discovery document does not parse: %v", err)
		return
	}
	for _, l := range links {
		d.logger.Debugf("Discovered <%s> title=%q ct=%d obs=%v", l.URI, l.Title, l.ContentFormat, l.Observable)
	}
}

func (d *Driver) finish(p *outstanding, resp *Response, passed bool, detail string) {
	result := CaseResult{
		Iteration: d.iteration,
		Index:     int(p.c),
		Name:      p.c.String(),
		Passed:    passed,
		Detail:    detail,
		Duration:  d.now().Sub(p.sentAt),
	}
	if resp != nil {
		result.Code = resp.Code.String()
		if resp.Err != nil {
			result.Error = resp.Err.Error()
		}
	}
	d.record(result)

	d.pending = nil
	d.index = p.c + 1
}

func (d *Driver) record(result CaseResult) {
	d.results = append(d.results, result)
	if d.logger != nil {
		if result.Passed {
			d.logger.Infof("Case %d (%s) passed: %s", result.Index, result.Name, result.Code)
		} else {
			d.logger.Warnf("Case %d (%s) failed: code=%s error=%s", result.Index, result.Name, result.Code, result.Error)
		}
	}
	if d.onResult != nil {
		d.onResult(result)
	}
}

// ObserveStarted moves the session to active once the registration is in
// place.
func (d *Driver) ObserveStarted() {
	if d.session != nil {
		d.session.start()
	}
}

// ObserveFailed records a registration that could not be set up and
// advances immediately.
func (d *Driver) ObserveFailed(err error) {
	p := d.pending
	if p == nil || d.session == nil {
		return
	}
	d.session.terminate(true)
	d.finish(p, &Response{Err: err}, false, "observe registration failed")
}

// HandleNotification processes one observe notification. It returns the
// cancelling GET when the notification limit is reached.
func (d *Driver) HandleNotification(resp *Response) *Request {
	if d.session == nil || d.session.state != ObserveActive {
		return nil
	}
	if resp.Err != nil || resp.Code != codes.Content {
		d.flag(fmt.Sprintf("notification with code %s", resp.Code))
	}
	if resp.ETagMismatch {
		d.flag("ETag changed during notification transfer")
	}
	if s := d.session.request.Sink; s != nil {
		s.Consume(0, resp.Body)
	}

	cancel := d.session.notify()
	if cancel != nil && d.logger != nil {
		d.logger.Debugf("Cancelling observation of %s after %d notifications", cancel.Path, d.session.notifications)
	}
	return cancel
}

// HandleObserveEnd handles the end of an observation signalled by the
// engine. isFinal marks a server side termination, which counts as an
// error.
func (d *Driver) HandleObserveEnd(isFinal bool) {
	if d.session == nil || d.session.state != ObserveActive {
		return
	}
	if isFinal {
		d.flag("observation ended by the server")
	}
	d.session.terminate(isFinal)
	if p := d.pending; p != nil {
		d.finish(p, nil, !d.errorDetected,
			fmt.Sprintf("%d notifications", d.session.notifications))
	}
}

// LastNotification returns the payload of the latest observe notification.
func (d *Driver) LastNotification() []byte {
	return bytes.Clone(d.body.Bytes())
}

// Summary aggregates the results recorded so far.
func (d *Driver) Summary() Summary {
	s := Summary{Iterations: d.iteration + 1, Total: len(d.results)}
	for _, r := range d.results {
		if r.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	if !d.started.IsZero() {
		s.Duration = d.now().Sub(d.started)
	}
	return s
}
