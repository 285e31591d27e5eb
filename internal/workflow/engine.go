package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/docmesh/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxParallel = 4
	DefaultStepTimeout = 30 * time.Second
)

// EngineConfig bounds how an execution is scheduled.
type EngineConfig struct {
	MaxParallel    int
	DefaultTimeout time.Duration
}

// Engine runs execution plans against an Invoker.
type Engine struct {
	invoker Invoker
	cfg     EngineConfig
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine returns an engine with defaults applied to cfg.
func NewEngine(invoker Invoker, cfg EngineConfig) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	return &Engine{
		invoker: invoker,
		cfg:     cfg,
		logger:  observability.ComponentLogger("workflow-engine"),
		sleep:   sleepContext,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// stepError ties a failure to the action that produced it.
type stepError struct {
	stepID string
	err    error
}

func (e *stepError) Error() string { return fmt.Sprintf("step %s: %v", e.stepID, e.err) }
func (e *stepError) Unwrap() error { return e.err }

type stepOutput struct {
	statusCode int
	output     any
}

// run is the mutable state of one execution while the engine drives it.
type run struct {
	executionID string
	workflowID  string
	def         Definition
	params      map[string]any
	emit        func(Event) error

	mu        sync.Mutex
	outputs   map[string]stepOutput
	completed []string
}

func (r *run) data() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make(map[string]map[string]any, len(r.outputs))
	for id, out := range r.outputs {
		steps[id] = map[string]any{"output": out.output, "status_code": out.statusCode}
	}
	return templateData(r.executionID, r.workflowID, r.params, steps)
}

func (r *run) succeed(id string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[id] = stepOutput{statusCode: res.StatusCode, output: res.Output}
	r.completed = append(r.completed, id)
}

func (r *run) succeeded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...)
}

// Run drives one execution to a terminal state, recording every transition
// through emit, and returns the final status.
func (e *Engine) Run(ctx context.Context, executionID, workflowID string, def Definition, params map[string]any, emit func(Event) error) ExecutionStatus {
	r := &run{
		executionID: executionID,
		workflowID:  workflowID,
		def:         def,
		params:      params,
		outputs:     make(map[string]stepOutput),
	}
	r.emit = func(ev Event) error {
		if err := emit(ev); err != nil {
			e.logger.Error().Str("execution", executionID).Str("event", ev.EventType()).Err(err).Msg("event append failed")
			return err
		}
		return nil
	}
	logger := e.logger.With().Str("execution", executionID).Str("workflow", def.Name).Logger()

	levels, err := def.Plan()
	if err != nil {
		_ = r.emit(WorkflowFailed{ExecutionID: executionID, Reason: err.Error()})
		observability.RecordExecution(def.Name, string(ExecutionFailed))
		return ExecutionFailed
	}

	var (
		failure    error
		failedStep string
		finished   bool
	)
	for i, level := range levels {
		if ctx.Err() != nil {
			break
		}
		var g errgroup.Group
		g.SetLimit(e.cfg.MaxParallel)
		for _, action := range level {
			g.Go(func() error {
				return e.runStep(ctx, r, action)
			})
		}
		if err := g.Wait(); err != nil {
			failure = err
			var se *stepError
			if errors.As(err, &se) {
				failedStep = se.stepID
			}
			break
		}
		logger.Debug().Int("level", i).Int("steps", len(level)).Msg("level complete")
		finished = i == len(levels)-1
	}

	status := ExecutionCompleted
	switch {
	case finished:
	case ctx.Err() != nil:
		status = ExecutionCancelled
	default:
		status = ExecutionFailed
	}

	if status != ExecutionCompleted {
		e.compensate(ctx, r)
	}

	switch status {
	case ExecutionCompleted:
		_ = r.emit(WorkflowCompleted{ExecutionID: executionID})
		logger.Info().Msg("execution completed")
	case ExecutionFailed:
		reason := "failed"
		if failure != nil {
			reason = failure.Error()
		}
		_ = r.emit(WorkflowFailed{ExecutionID: executionID, FailedStep: failedStep, Reason: reason})
		logger.Warn().Str("step", failedStep).Str("reason", reason).Msg("execution failed")
	case ExecutionCancelled:
		reason := "cancelled"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
		_ = r.emit(WorkflowCancelled{ExecutionID: executionID, Reason: reason})
		logger.Info().Str("reason", reason).Msg("execution cancelled")
	}
	observability.RecordExecution(def.Name, string(status))
	return status
}

func (e *Engine) runStep(ctx context.Context, r *run, a Action) error {
	maxAttempts := a.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := a.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	_ = r.emit(StepStarted{ExecutionID: r.executionID, StepID: a.ID, Attempt: 1})

	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, r, a, timeout)
		if err == nil {
			observability.RecordStepAttempt(a.Service, "success")
			r.succeed(a.ID, res)
			_ = r.emit(StepCompleted{
				ExecutionID: r.executionID,
				StepID:      a.ID,
				Attempt:     attempt,
				StatusCode:  res.StatusCode,
				Output:      res.Output,
			})
			return nil
		}
		if ctx.Err() != nil {
			observability.RecordStepAttempt(a.Service, "cancelled")
			_ = r.emit(StepFailed{ExecutionID: r.executionID, StepID: a.ID, Attempt: attempt, Error: err.Error()})
			return &stepError{stepID: a.ID, err: err}
		}
		if errors.Is(err, ErrPermanent) || attempt >= maxAttempts {
			observability.RecordStepAttempt(a.Service, "failure")
			_ = r.emit(StepFailed{ExecutionID: r.executionID, StepID: a.ID, Attempt: attempt, Error: err.Error()})
			return &stepError{stepID: a.ID, err: err}
		}

		observability.RecordStepAttempt(a.Service, "retry")
		delay := e.delay(a.Retry, attempt)
		_ = r.emit(StepRetried{
			ExecutionID: r.executionID,
			StepID:      a.ID,
			Attempt:     attempt + 1,
			Error:       err.Error(),
			Delay:       Duration(delay),
		})
		if err := e.sleep(ctx, delay); err != nil {
			_ = r.emit(StepFailed{ExecutionID: r.executionID, StepID: a.ID, Attempt: attempt, Error: err.Error()})
			return &stepError{stepID: a.ID, err: err}
		}
	}
}

func (e *Engine) attempt(ctx context.Context, r *run, a Action, timeout time.Duration) (Result, error) {
	data := r.data()
	path, err := renderPath(a.Path, data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	var body any
	if a.Body != nil {
		body, err = renderValue(a.Body, data)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrPermanent, err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.invoker.Invoke(callCtx, Call{
		Service:     a.Service,
		Method:      a.Method,
		Path:        path,
		Body:        body,
		ExecutionID: r.executionID,
		StepID:      a.ID,
	})
}

// compensate undoes succeeded steps in reverse completion order. It runs
// even when ctx is cancelled; failures are recorded and unwinding continues.
func (e *Engine) compensate(ctx context.Context, r *run) {
	bg := context.WithoutCancel(ctx)
	done := r.succeeded()
	for i := len(done) - 1; i >= 0; i-- {
		a, ok := r.def.Action(done[i])
		if !ok || a.Compensate == nil {
			continue
		}
		timeout := a.Timeout.Std()
		if timeout <= 0 {
			timeout = e.cfg.DefaultTimeout
		}
		comp := Action{
			ID:      a.ID,
			Service: a.Service,
			Method:  a.Compensate.Method,
			Path:    a.Compensate.Path,
			Body:    a.Compensate.Body,
		}
		_, err := e.attempt(bg, r, comp, timeout)
		ev := StepCompensated{ExecutionID: r.executionID, StepID: a.ID}
		if err != nil {
			ev.Error = err.Error()
			observability.RecordStepAttempt(a.Service, "compensation_failed")
			e.logger.Warn().Str("execution", r.executionID).Str("step", a.ID).Err(err).Msg("compensation failed")
		} else {
			observability.RecordStepAttempt(a.Service, "compensated")
		}
		_ = r.emit(ev)
	}
}

func (e *Engine) delay(p RetryPolicy, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return p.Delay(attempt, e.rng)
}
