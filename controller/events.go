package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/errkind"
)

// Topic is the broker topic events are published on.
const Topic = "events"

// EventType identifies the payload of an Event.
type EventType string

const (
	EventSnapshotChanged EventType = "snapshotChanged"
	EventCodeForCopy     EventType = "codeForCopy"
	EventInfoChanged     EventType = "infoChanged"
	EventError           EventType = "error"
	EventWarning         EventType = "warning"
)

// Event is the broker payload.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CodeData is the payload of EventCodeForCopy.
type CodeData struct {
	Label string `json:"label"`
	Code  string `json:"code"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Kind   errkind.Kind `json:"kind"`
	Detail string       `json:"detail"`
	Intent string       `json:"intent,omitempty"`
}

// DecodeEvent parses a broker payload.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("controller: decode event: %w", err)
	}
	return ev, nil
}

// Snapshot decodes the payload of EventSnapshotChanged.
func (e Event) Snapshot() (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Code decodes the payload of EventCodeForCopy.
func (e Event) Code() (CodeData, error) {
	var c CodeData
	err := json.Unmarshal(e.Data, &c)
	return c, err
}

// Info decodes the payload of EventInfoChanged.
func (e Event) Info() (admin.Info, error) {
	var i admin.Info
	err := json.Unmarshal(e.Data, &i)
	return i, err
}

// Error decodes the payload of EventError.
func (e Event) Error() (ErrorData, error) {
	var d ErrorData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// Warning decodes the payload of EventWarning.
func (e Event) Warning() (Warning, error) {
	var w Warning
	err := json.Unmarshal(e.Data, &w)
	return w, err
}

// emit publishes an event. Publication failures are logged; the device
// state is already updated by then.
func (c *Controller) emit(ctx context.Context, typ EventType, v any) {
	if c.broker == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.log.ErrorContext(ctx, "controller.event.encode.fail", slog.String("type", string(typ)), slog.String("err", err.Error()))
		return
	}
	msg, err := json.Marshal(Event{Type: typ, Data: data})
	if err != nil {
		c.log.ErrorContext(ctx, "controller.event.encode.fail", slog.String("type", string(typ)), slog.String("err", err.Error()))
		return
	}
	if _, err := c.broker.Publish(ctx, Topic, msg); err != nil {
		c.log.WarnContext(ctx, "controller.event.publish.fail", slog.String("type", string(typ)), slog.String("err", err.Error()))
	}
}
