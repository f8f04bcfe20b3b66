package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sensors-inl/biostream/session"
)

// Event types published on the status stream.
const (
	eventState       = "state"
	eventBattery     = "battery"
	eventUnreachable = "unreachable"
	eventRunStarted  = "run_started"
	eventRunStopped  = "run_stopped"
)

// eventsToken is the subject token for run-level events that concern no
// single sensor.
const eventsToken = "pipeline"

// statusEvent is the JSON payload published on {prefix}.events.{sensor}
// for sensor-scoped events and {prefix}.events.pipeline for run-level
// ones. It carries the same facts as the log stream in machine-readable
// form so dashboards do not have to parse log lines.
type statusEvent struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id"`
	Sensor   string    `json:"sensor,omitempty"`
	Time     time.Time `json:"time"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Cause    string    `json:"cause,omitempty"`
	Error    string    `json:"error,omitempty"`
	Battery  *int      `json:"battery,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
}

// onTransition receives every session state change from the manager.
func (s *Service) onTransition(t session.Transition) {
	s.publishEvent(transitionEvent(t))
}

func transitionEvent(t session.Transition) statusEvent {
	ev := statusEvent{
		Type:   eventState,
		Sensor: t.Sensor.Name,
		From:   t.From.String(),
		To:     t.To.String(),
	}
	if t.Cause != session.CauseNone {
		ev.Cause = t.Cause.String()
	}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	return ev
}

// onBattery receives every successful battery reading.
func (s *Service) onBattery(sensorName string, percent int) {
	level := percent
	s.publishEvent(statusEvent{
		Type:    eventBattery,
		Sensor:  sensorName,
		Battery: &level,
	})
}

// onUnreachable fires once per sensor when its retry ceiling is spent
// and supervision ends.
func (s *Service) onUnreachable(sensorName string, attempts int, err error) {
	ev := statusEvent{
		Type:     eventUnreachable,
		Sensor:   sensorName,
		Attempts: attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publishEvent(ev)

	if rl := s.runLogger(); rl != nil {
		rl.Error("sensor unreachable: "+sensorName, err)
	}
}

func (s *Service) publishRunEvent(eventType string) {
	s.publishEvent(statusEvent{Type: eventType})
}

// publishEvent sends one status event, best effort. Events are a
// convenience stream; a missing broker drops them without affecting
// acquisition.
func (s *Service) publishEvent(ev statusEvent) {
	if s.nats == nil {
		return
	}

	ev.RunID = s.runID
	ev.Time = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	subject := s.eventSubject(ev.Sensor)
	if err := s.nats.Publish(context.Background(), subject, data); err != nil {
		s.logger.Debug("status event dropped", "subject", subject, "error", err)
	}
}

func (s *Service) eventSubject(sensorName string) string {
	if sensorName == "" {
		sensorName = eventsToken
	}
	return s.cfg.NATS.Prefix + ".events." + sensorName
}
