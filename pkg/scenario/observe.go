// pkg/scenario/observe.go
package scenario

import (
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type ObserveState int

const (
	ObserveUnregistered ObserveState = iota
	ObserveActive
	ObserveCancelling
	ObserveTerminated
)

func (s ObserveState) String() string {
	switch s {
	case ObserveActive:
		return "active"
	case ObserveCancelling:
		return "cancelling"
	case ObserveTerminated:
		return "terminated"
	default:
		return "unregistered"
	}
}

// ObserveSession tracks one observe registration of the driver.
type ObserveSession struct {
	request       *Request
	state         ObserveState
	notifications int
	cancelAfter   int
	final         bool
}

func newObserveSession(req *Request, cancelAfter int) *ObserveSession {
	return &ObserveSession{request: req, cancelAfter: cancelAfter}
}

func (s *ObserveSession) State() ObserveState {
	return s.state
}

func (s *ObserveSession) Notifications() int {
	return s.notifications
}

// Final reports whether the server ended the observation.
func (s *ObserveSession) Final() bool {
	return s.final
}

func (s *ObserveSession) start() {
	if s.state == ObserveUnregistered {
		s.state = ObserveActive
	}
}

// notify counts a notification. When the count reaches the cancel limit the
// session moves to cancelling and returns the plain GET that ends the
// registration on the server.
func (s *ObserveSession) notify() *Request {
	if s.state != ObserveActive {
		return nil
	}
	s.notifications++
	if s.cancelAfter <= 0 || s.notifications < s.cancelAfter {
		return nil
	}

	s.state = ObserveCancelling
	cancel := *s.request
	cancel.Type = message.Confirmable
	cancel.Code = codes.GET
	cancel.Observe = false
	return &cancel
}

func (s *ObserveSession) terminate(final bool) {
	s.final = final
	s.state = ObserveTerminated
}
