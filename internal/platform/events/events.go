// Package events carries queue-changed notifications from the scheduler to the
// transports that fan them out: the websocket hub, NATS and Redis.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TypeQueueChanged is the only event type the scheduler emits today.
const TypeQueueChanged = "queue.changed"

// Event describes one committed change to a department queue. Data holds the
// department snapshot after the change so subscribers never need a follow-up read.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	Op           string          `json:"op"`
	DepartmentID uuid.UUID       `json:"department_id"`
	EntryID      *uuid.UUID      `json:"entry_id,omitempty"`
	PatientID    *uuid.UUID      `json:"patient_id,omitempty"`
	Urgency      string          `json:"urgency,omitempty"`
	Version      int64           `json:"version"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// DepartmentTopic is the subscription topic for one department's queue.
func DepartmentTopic(departmentID uuid.UUID) string {
	return "Department/" + departmentID.String()
}

// NewQueueChanged builds an event for op on a department, marshalling snapshot into Data.
func NewQueueChanged(op string, departmentID uuid.UUID, version int64, snapshot interface{}) (Event, error) {
	e := Event{
		Type:         TypeQueueChanged,
		Topic:        DepartmentTopic(departmentID),
		Op:           op,
		DepartmentID: departmentID,
		Version:      version,
		Timestamp:    time.Now().UTC(),
	}
	if snapshot != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return Event{}, fmt.Errorf("marshal snapshot: %w", err)
		}
		e.Data = data
	}
	return e, nil
}

// Sink receives committed queue events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

type namedSink struct {
	name string
	sink Sink
}

// Fanout delivers every event to all attached sinks. A failing sink does not
// stop delivery to the others; failures are logged and joined.
type Fanout struct {
	sinks  []namedSink
	logger zerolog.Logger
}

func NewFanout(logger zerolog.Logger) *Fanout {
	return &Fanout{logger: logger.With().Str("component", "events").Logger()}
}

// Add attaches a sink under a name used in log lines. Nil sinks are ignored so
// optional transports can be passed unconditionally.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	if s == nil {
		return f
	}
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	return f
}

// Len reports how many sinks are attached.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, ns := range f.sinks {
		if err := ns.sink.Publish(ctx, e); err != nil {
			f.logger.Error().Err(err).
				Str("sink", ns.name).
				Str("department_id", e.DepartmentID.String()).
				Str("op", e.Op).
				Int64("version", e.Version).
				Msg("event delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ns.name, err))
		}
	}
	return errors.Join(errs...)
}
