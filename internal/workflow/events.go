package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownEvent = errors.New("workflow: unknown event type")

// Aggregate types stored on every record.
const (
	AggregateWorkflow  = "workflow"
	AggregateExecution = "execution"
)

// Event is a domain event produced by an aggregate command.
type Event interface {
	EventType() string
}

// Meta is a small string bag stored next to each record.
type Meta map[string]string

// Record is a persisted event.
type Record struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Metadata      Meta            `json:"metadata,omitempty"`
}

type WorkflowCreated struct {
	WorkflowID string     `json:"workflow_id"`
	Definition Definition `json:"definition"`
}

type WorkflowUpdated struct {
	WorkflowID string     `json:"workflow_id"`
	Definition Definition `json:"definition"`
}

type WorkflowActivated struct {
	WorkflowID string `json:"workflow_id"`
}

type WorkflowPaused struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

type WorkflowArchived struct {
	WorkflowID string `json:"workflow_id"`
}

type WorkflowStarted struct {
	ExecutionID     string         `json:"execution_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	Definition      Definition     `json:"definition"`
	Params          map[string]any `json:"params,omitempty"`
	TriggeredBy     string         `json:"triggered_by,omitempty"`
}

type StepStarted struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Attempt     int    `json:"attempt"`
}

type StepRetried struct {
	ExecutionID string   `json:"execution_id"`
	StepID      string   `json:"step_id"`
	Attempt     int      `json:"attempt"`
	Error       string   `json:"error"`
	Delay       Duration `json:"delay"`
}

type StepCompleted struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Attempt     int    `json:"attempt"`
	StatusCode  int    `json:"status_code,omitempty"`
	Output      any    `json:"output,omitempty"`
}

type StepFailed struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error"`
}

// StepCompensated records one compensation call. Error is set when the call failed.
type StepCompensated struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Error       string `json:"error,omitempty"`
}

type WorkflowCompleted struct {
	ExecutionID string `json:"execution_id"`
}

type WorkflowFailed struct {
	ExecutionID string `json:"execution_id"`
	FailedStep  string `json:"failed_step,omitempty"`
	Reason      string `json:"reason"`
}

type WorkflowCancelled struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

func (WorkflowCreated) EventType() string   { return "WorkflowCreated" }
func (WorkflowUpdated) EventType() string   { return "WorkflowUpdated" }
func (WorkflowActivated) EventType() string { return "WorkflowActivated" }
func (WorkflowPaused) EventType() string    { return "WorkflowPaused" }
func (WorkflowArchived) EventType() string  { return "WorkflowArchived" }
func (WorkflowStarted) EventType() string   { return "WorkflowStarted" }
func (StepStarted) EventType() string       { return "StepStarted" }
func (StepRetried) EventType() string       { return "StepRetried" }
func (StepCompleted) EventType() string     { return "StepCompleted" }
func (StepFailed) EventType() string        { return "StepFailed" }
func (StepCompensated) EventType() string   { return "StepCompensated" }
func (WorkflowCompleted) EventType() string { return "WorkflowCompleted" }
func (WorkflowFailed) EventType() string    { return "WorkflowFailed" }
func (WorkflowCancelled) EventType() string { return "WorkflowCancelled" }

var decoders = map[string]func([]byte) (Event, error){
	WorkflowCreated{}.EventType():   decodeAs[WorkflowCreated],
	WorkflowUpdated{}.EventType():   decodeAs[WorkflowUpdated],
	WorkflowActivated{}.EventType(): decodeAs[WorkflowActivated],
	WorkflowPaused{}.EventType():    decodeAs[WorkflowPaused],
	WorkflowArchived{}.EventType():  decodeAs[WorkflowArchived],
	WorkflowStarted{}.EventType():   decodeAs[WorkflowStarted],
	StepStarted{}.EventType():       decodeAs[StepStarted],
	StepRetried{}.EventType():       decodeAs[StepRetried],
	StepCompleted{}.EventType():     decodeAs[StepCompleted],
	StepFailed{}.EventType():        decodeAs[StepFailed],
	StepCompensated{}.EventType():   decodeAs[StepCompensated],
	WorkflowCompleted{}.EventType(): decodeAs[WorkflowCompleted],
	WorkflowFailed{}.EventType():    decodeAs[WorkflowFailed],
	WorkflowCancelled{}.EventType(): decodeAs[WorkflowCancelled],
}

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Decode turns a record back into its typed event.
func Decode(rec Record) (Event, error) {
	decode, ok := decoders[rec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, rec.Type)
	}
	ev, err := decode(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("workflow: decode %s seq=%d: %w", rec.Type, rec.Seq, err)
	}
	return ev, nil
}

// newRecords encodes events as records numbered after baseVersion.
func newRecords(aggregateID, aggregateType string, baseVersion int, events []Event, meta Meta, at time.Time) ([]Record, error) {
	out := make([]Record, len(events))
	for i, ev := range events {
		if _, ok := decoders[ev.EventType()]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.EventType())
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("workflow: encode %s: %w", ev.EventType(), err)
		}
		out[i] = Record{
			ID:            uuid.NewString(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Version:       baseVersion + i + 1,
			Type:          ev.EventType(),
			Data:          data,
			OccurredAt:    at,
			Metadata:      cloneMeta(meta),
		}
	}
	return out, nil
}

func cloneMeta(m Meta) Meta {
	if len(m) == 0 {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
