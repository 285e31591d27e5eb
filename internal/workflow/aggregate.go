package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("workflow: not found")
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	ErrNotExecutable     = errors.New("workflow: not executable")
	ErrConflict          = errors.New("workflow: conflict")
)

// Workflow is the aggregate root for one workflow definition and its lifecycle.
type Workflow struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`
	Version    int        `json:"stream_version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	pending []Event
}

// NewWorkflow starts a workflow stream for an already normalized definition.
func NewWorkflow(id string, def Definition) *Workflow {
	w := &Workflow{ID: id}
	def.Version = 1
	w.raise(WorkflowCreated{WorkflowID: id, Definition: def})
	return w
}

// Update replaces the definition and bumps its version.
func (w *Workflow) Update(def Definition) error {
	if w.Status == StatusArchived {
		return fmt.Errorf("%w: workflow %s is archived", ErrInvalidTransition, w.ID)
	}
	def.Version = w.Definition.Version + 1
	if def.CreatedBy == "" {
		def.CreatedBy = w.Definition.CreatedBy
	}
	w.raise(WorkflowUpdated{WorkflowID: w.ID, Definition: def})
	return nil
}

func (w *Workflow) Activate() error {
	if w.Status != StatusDraft && w.Status != StatusPaused {
		return fmt.Errorf("%w: cannot activate %s workflow", ErrInvalidTransition, w.Status)
	}
	w.raise(WorkflowActivated{WorkflowID: w.ID})
	return nil
}

func (w *Workflow) Pause(reason string) error {
	if w.Status != StatusActive {
		return fmt.Errorf("%w: cannot pause %s workflow", ErrInvalidTransition, w.Status)
	}
	w.raise(WorkflowPaused{WorkflowID: w.ID, Reason: reason})
	return nil
}

func (w *Workflow) Archive() error {
	if w.Status == StatusArchived {
		return fmt.Errorf("%w: workflow %s already archived", ErrInvalidTransition, w.ID)
	}
	w.raise(WorkflowArchived{WorkflowID: w.ID})
	return nil
}

func (w *Workflow) raise(ev Event) {
	w.pending = append(w.pending, ev)
}

// DrainPending returns and clears events raised since the last commit.
func (w *Workflow) DrainPending() []Event {
	p := w.pending
	w.pending = nil
	return p
}

// Apply folds one stored record into the aggregate.
func (w *Workflow) Apply(rec Record) error {
	ev, err := Decode(rec)
	if err != nil {
		return err
	}
	switch e := ev.(type) {
	case WorkflowCreated:
		w.ID = e.WorkflowID
		w.Definition = e.Definition
		w.Status = StatusDraft
		w.CreatedAt = rec.OccurredAt
	case WorkflowUpdated:
		w.Definition = e.Definition
	case WorkflowActivated:
		w.Status = StatusActive
	case WorkflowPaused:
		w.Status = StatusPaused
	case WorkflowArchived:
		w.Status = StatusArchived
	default:
		return fmt.Errorf("%w: %s on workflow aggregate", ErrUnknownEvent, rec.Type)
	}
	w.Version = rec.Version
	w.UpdatedAt = rec.OccurredAt
	return nil
}

// Snapshot returns a copy safe to hand to callers.
func (w *Workflow) Snapshot() Workflow {
	return Workflow{
		ID:         w.ID,
		Definition: w.Definition.Clone(),
		Status:     w.Status,
		Version:    w.Version,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}

// Step is the read model of one action inside an execution.
type Step struct {
	ID                string     `json:"id"`
	Service           string     `json:"service"`
	Status            StepStatus `json:"status"`
	Attempts          int        `json:"attempts"`
	StatusCode        int        `json:"status_code,omitempty"`
	Output            any        `json:"output,omitempty"`
	Error             string     `json:"error,omitempty"`
	CompensationError string     `json:"compensation_error,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Execution is the aggregate root for one workflow run.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion int             `json:"workflow_version"`
	Params          map[string]any  `json:"params,omitempty"`
	TriggeredBy     string          `json:"triggered_by,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Steps           []Step          `json:"steps"`
	FailedStep      string          `json:"failed_step,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Version         int             `json:"stream_version"`

	definition Definition
	stepIndex  map[string]int
	pending    []Event
}

// NewExecution raises WorkflowStarted for a run of wf with resolved params.
func NewExecution(id string, wf Workflow, params map[string]any, triggeredBy string) *Execution {
	x := &Execution{ID: id, Status: ExecutionPending}
	x.raise(WorkflowStarted{
		ExecutionID:     id,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Definition.Version,
		Definition:      wf.Definition.Clone(),
		Params:          params,
		TriggeredBy:     triggeredBy,
	})
	return x
}

// Definition returns the definition snapshot the execution started with.
func (x *Execution) Definition() Definition {
	return x.definition
}

func (x *Execution) raise(ev Event) {
	x.pending = append(x.pending, ev)
}

// DrainPending returns and clears events raised since the last commit.
func (x *Execution) DrainPending() []Event {
	p := x.pending
	x.pending = nil
	return p
}

// Interrupt fails a run that cannot continue, such as one found mid-flight on replay.
func (x *Execution) Interrupt(reason string) error {
	if x.Status.Terminal() {
		return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, x.ID, x.Status)
	}
	x.raise(WorkflowFailed{ExecutionID: x.ID, Reason: reason})
	return nil
}

func (x *Execution) step(id string) *Step {
	i, ok := x.stepIndex[id]
	if !ok {
		return nil
	}
	return &x.Steps[i]
}

// Apply folds one stored record into the aggregate.
func (x *Execution) Apply(rec Record) error {
	ev, err := Decode(rec)
	if err != nil {
		return err
	}
	at := rec.OccurredAt
	switch e := ev.(type) {
	case WorkflowStarted:
		x.ID = e.ExecutionID
		x.WorkflowID = e.WorkflowID
		x.WorkflowName = e.Definition.Name
		x.WorkflowVersion = e.WorkflowVersion
		x.Params = e.Params
		x.TriggeredBy = e.TriggeredBy
		x.definition = e.Definition
		x.Status = ExecutionRunning
		x.StartedAt = at
		x.Steps = make([]Step, len(e.Definition.Actions))
		x.stepIndex = make(map[string]int, len(e.Definition.Actions))
		for i, a := range e.Definition.Actions {
			x.Steps[i] = Step{ID: a.ID, Service: a.Service, Status: StepPending}
			x.stepIndex[a.ID] = i
		}
	case StepStarted:
		if s := x.step(e.StepID); s != nil {
			s.Status = StepRunning
			s.Attempts = e.Attempt
			s.StartedAt = &at
		}
	case StepRetried:
		if s := x.step(e.StepID); s != nil {
			s.Attempts = e.Attempt
			s.Error = e.Error
		}
	case StepCompleted:
		if s := x.step(e.StepID); s != nil {
			s.Status = StepSucceeded
			s.Attempts = e.Attempt
			s.StatusCode = e.StatusCode
			s.Output = e.Output
			s.Error = ""
			s.FinishedAt = &at
		}
	case StepFailed:
		if s := x.step(e.StepID); s != nil {
			s.Status = StepFailed
			s.Attempts = e.Attempt
			s.Error = e.Error
			s.FinishedAt = &at
		}
	case StepCompensated:
		if s := x.step(e.StepID); s != nil {
			if e.Error != "" {
				s.CompensationError = e.Error
			} else {
				s.Status = StepCompensated
			}
		}
	case WorkflowCompleted:
		x.finish(ExecutionCompleted, at)
	case WorkflowFailed:
		x.FailedStep = e.FailedStep
		x.Error = e.Reason
		x.finish(ExecutionFailed, at)
	case WorkflowCancelled:
		x.Error = e.Reason
		x.finish(ExecutionCancelled, at)
	default:
		return fmt.Errorf("%w: %s on execution aggregate", ErrUnknownEvent, rec.Type)
	}
	x.Version = rec.Version
	return nil
}

func (x *Execution) finish(status ExecutionStatus, at time.Time) {
	x.Status = status
	x.FinishedAt = &at
	for i := range x.Steps {
		switch x.Steps[i].Status {
		case StepPending:
			x.Steps[i].Status = StepSkipped
		case StepRunning:
			x.Steps[i].Status = StepFailed
			if x.Steps[i].Error == "" {
				x.Steps[i].Error = string(status)
			}
		}
	}
}

// Snapshot returns a copy safe to hand to callers.
func (x *Execution) Snapshot() Execution {
	out := Execution{
		ID:              x.ID,
		WorkflowID:      x.WorkflowID,
		WorkflowName:    x.WorkflowName,
		WorkflowVersion: x.WorkflowVersion,
		Params:          cloneMap(x.Params),
		TriggeredBy:     x.TriggeredBy,
		Status:          x.Status,
		Steps:           append([]Step(nil), x.Steps...),
		FailedStep:      x.FailedStep,
		Error:           x.Error,
		StartedAt:       x.StartedAt,
		FinishedAt:      x.FinishedAt,
		Version:         x.Version,
		definition:      x.definition,
	}
	for i := range out.Steps {
		out.Steps[i].Output = cloneValue(out.Steps[i].Output)
	}
	return out
}

// StepByID returns the step with id from a snapshot.
func (x Execution) StepByID(id string) (Step, bool) {
	for _, s := range x.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
