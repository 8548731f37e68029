package slcan

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event is a diagnostic notice about the adapter, delivered on
// Manager.Events alongside the regular log output.
type Event struct {
	Type    EventType
	Details string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Details)
}

// eventSink publishes events without ever blocking the caller.
type eventSink struct {
	ch  chan Event
	log logrus.FieldLogger
}

func newEventSink(size int, log logrus.FieldLogger) *eventSink {
	return &eventSink{
		ch:  make(chan Event, size),
		log: log,
	}
}

func (s *eventSink) send(eventType EventType, details string) {
	select {
	case s.ch <- Event{Type: eventType, Details: details}:
	default:
		s.log.WithField("event", eventType.String()).Debugf("event channel full, dropped: %s", details)
	}
}

func (s *eventSink) Error(err error) { s.send(EventTypeError, err.Error()) }

func (s *eventSink) Warn(warn string) { s.send(EventTypeWarning, warn) }

func (s *eventSink) Info(info string) { s.send(EventTypeInfo, info) }
