// pkg/metrics/timer.go
package metrics

import (
	"time"
)

const (
	TimerCase    = "scenario_case"
	TimerHandler = "server_handler"
)

// Timer provides timing utilities for metrics
type Timer struct {
	start time.Time
	name  string
}

// StartTimer creates and starts a new timer
func StartTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop records the elapsed time on the timer metric matching its name and
// returns it.
func (t *Timer) Stop(manager *Manager) time.Duration {
	duration := time.Since(t.start)
	if manager == nil {
		return duration
	}

	switch t.name {
	case TimerCase:
		manager.CaseDuration.Timing(duration.Nanoseconds())
	case TimerHandler:
		manager.Server().RecordHandler(duration)
	}
	return duration
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
