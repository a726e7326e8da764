// pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// Manager provides centralized metrics collection for the exerciser
type Manager struct {
	// Scenario metrics
	CasesRun        *service.MetricCounter
	CasesPassed     *service.MetricCounter
	CasesFailed     *service.MetricCounter
	CaseDuration    *service.MetricTimer
	IterationsDone  *service.MetricCounter
	Notifications   *service.MetricCounter
	TransportErrors *service.MetricCounter

	// Server metrics
	RequestsReceived   *service.MetricCounter
	ResponsesSent      *service.MetricCounter
	RequestsRejected   *service.MetricCounter
	SeparateSent       *service.MetricCounter
	NotificationsSent  *service.MetricCounter
	NotificationsLost  *service.MetricCounter
	ObserversActive    *service.MetricGauge
	SeparatePending    *service.MetricGauge
	ServerErrors       *service.MetricCounter
	HandlerDuration    *service.MetricTimer
	EventsDropped      *service.MetricCounter
	ResourcesAvailable *service.MetricGauge
}

// NewManager creates a new metrics manager
func NewManager(resources *service.Resources) *Manager {
	m := resources.Metrics()
	return &Manager{
		CasesRun:        m.NewCounter("coap_scenario_cases_total"),
		CasesPassed:     m.NewCounter("coap_scenario_cases_passed_total"),
		CasesFailed:     m.NewCounter("coap_scenario_cases_failed_total"),
		CaseDuration:    m.NewTimer("coap_scenario_case_duration_seconds"),
		IterationsDone:  m.NewCounter("coap_scenario_iterations_total"),
		Notifications:   m.NewCounter("coap_scenario_notifications_total"),
		TransportErrors: m.NewCounter("coap_scenario_transport_errors_total"),

		RequestsReceived:   m.NewCounter("coap_server_requests_received_total"),
		ResponsesSent:      m.NewCounter("coap_server_responses_sent_total"),
		RequestsRejected:   m.NewCounter("coap_server_requests_rejected_total"),
		SeparateSent:       m.NewCounter("coap_server_separate_responses_total"),
		NotificationsSent:  m.NewCounter("coap_server_notifications_total"),
		NotificationsLost:  m.NewCounter("coap_server_notifications_failed_total"),
		ObserversActive:    m.NewGauge("coap_server_observers_active"),
		SeparatePending:    m.NewGauge("coap_server_separate_pending"),
		ServerErrors:       m.NewCounter("coap_server_errors_total"),
		HandlerDuration:    m.NewTimer("coap_server_handler_duration_seconds"),
		EventsDropped:      m.NewCounter("coap_server_events_dropped_total"),
		ResourcesAvailable: m.NewGauge("coap_server_resources"),
	}
}

// ScenarioMetrics provides client scenario metrics
type ScenarioMetrics struct {
	manager *Manager
}

func (m *Manager) Scenario() *ScenarioMetrics {
	return &ScenarioMetrics{manager: m}
}

// RecordCase counts one finished test case.
func (s *ScenarioMetrics) RecordCase(passed bool, duration time.Duration) {
	s.manager.CasesRun.Incr(1)
	if passed {
		s.manager.CasesPassed.Incr(1)
	} else {
		s.manager.CasesFailed.Incr(1)
	}
	s.manager.CaseDuration.Timing(duration.Nanoseconds())
}

func (s *ScenarioMetrics) IncIterations() {
	s.manager.IterationsDone.Incr(1)
}

func (s *ScenarioMetrics) IncNotifications() {
	s.manager.Notifications.Incr(1)
}

func (s *ScenarioMetrics) IncTransportErrors() {
	s.manager.TransportErrors.Incr(1)
}

// ServerMetrics provides resource server metrics
type ServerMetrics struct {
	manager *Manager
}

func (m *Manager) Server() *ServerMetrics {
	return &ServerMetrics{manager: m}
}

func (s *ServerMetrics) IncReceived() {
	s.manager.RequestsReceived.Incr(1)
}

func (s *ServerMetrics) IncResponses() {
	s.manager.ResponsesSent.Incr(1)
}

func (s *ServerMetrics) IncRejected() {
	s.manager.RequestsRejected.Incr(1)
}

func (s *ServerMetrics) IncSeparate() {
	s.manager.SeparateSent.Incr(1)
}

func (s *ServerMetrics) IncNotifications() {
	s.manager.NotificationsSent.Incr(1)
}

func (s *ServerMetrics) IncNotificationsLost() {
	s.manager.NotificationsLost.Incr(1)
}

func (s *ServerMetrics) IncErrors() {
	s.manager.ServerErrors.Incr(1)
}

func (s *ServerMetrics) IncEventsDropped() {
	s.manager.EventsDropped.Incr(1)
}

func (s *ServerMetrics) SetObservers(count int) {
	s.manager.ObserversActive.Set(int64(count))
}

func (s *ServerMetrics) SetPending(count int) {
	s.manager.SeparatePending.Set(int64(count))
}

func (s *ServerMetrics) SetResources(count int) {
	s.manager.ResourcesAvailable.Set(int64(count))
}

func (s *ServerMetrics) RecordHandler(duration time.Duration) {
	s.manager.HandlerDuration.Timing(duration.Nanoseconds())
}
