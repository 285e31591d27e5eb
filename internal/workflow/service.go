package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/docmesh/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReasonInterrupted marks executions that were in flight when the process stopped.
const ReasonInterrupted = "interrupted"

const replayPage = 500

// ErrClosed is returned for executions requested after Close.
var ErrClosed = errors.New("workflow: service closed")

// ServiceOptions configures the application service.
type ServiceOptions struct {
	Node   string
	Engine EngineConfig
}

// ExecuteOptions carries per-run settings.
type ExecuteOptions struct {
	TriggeredBy string
}

// Service is the workflow application layer: it loads aggregates, runs
// commands, appends their events, and keeps read models current.
type Service struct {
	store  EventStore
	engine *Engine
	node   string
	logger zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.RWMutex
	closed     bool
	workflows  map[string]*Workflow
	executions map[string]*execState

	unsubscribe func()
}

type execState struct {
	mu     sync.Mutex
	agg    *Execution
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewService wires a service over store and invoker. Call Replay before use
// when the store may already hold events.
func NewService(store EventStore, invoker Invoker, opts ServiceOptions) *Service {
	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		store:      store,
		engine:     NewEngine(invoker, opts.Engine),
		node:       strings.TrimSpace(opts.Node),
		logger:     observability.ComponentLogger("workflow"),
		baseCtx:    ctx,
		stop:       stop,
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*execState),
	}
	s.unsubscribe = store.Subscribe(func(rec Record) {
		s.logger.Debug().
			Int64("seq", rec.Seq).
			Str("aggregate", rec.AggregateID).
			Str("type", rec.Type).
			Int("version", rec.Version).
			Msg("event appended")
	})
	return s
}

// Close cancels running executions and waits for them to record their outcome.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Service) meta() Meta {
	if s.node == "" {
		return nil
	}
	return Meta{"node": s.node}
}

// Replay rebuilds every read model from the store. Executions left running
// by a previous process are failed with ReasonInterrupted.
func (s *Service) Replay(ctx context.Context) error {
	workflows := make(map[string]*Workflow)
	executions := make(map[string]*execState)
	var after int64
	total := 0
	for {
		recs, err := s.store.LoadSince(ctx, after, replayPage)
		if err != nil {
			return fmt.Errorf("workflow: replay: %w", err)
		}
		for _, rec := range recs {
			switch rec.AggregateType {
			case AggregateWorkflow:
				w, ok := workflows[rec.AggregateID]
				if !ok {
					w = &Workflow{ID: rec.AggregateID}
					workflows[rec.AggregateID] = w
				}
				err = w.Apply(rec)
			case AggregateExecution:
				st, ok := executions[rec.AggregateID]
				if !ok {
					st = &execState{agg: &Execution{ID: rec.AggregateID, Status: ExecutionPending}}
					executions[rec.AggregateID] = st
				}
				err = st.agg.Apply(rec)
			default:
				err = fmt.Errorf("%w: aggregate type %q", ErrUnknownEvent, rec.AggregateType)
			}
			if err != nil {
				return fmt.Errorf("workflow: replay seq=%d: %w", rec.Seq, err)
			}
			after = rec.Seq
		}
		total += len(recs)
		if len(recs) < replayPage {
			break
		}
	}

	interrupted := 0
	for _, st := range executions {
		if st.agg.Status.Terminal() {
			continue
		}
		if err := st.agg.Interrupt(ReasonInterrupted); err != nil {
			return err
		}
		if err := s.commitExecution(ctx, st.agg); err != nil {
			return err
		}
		interrupted++
	}

	s.mu.Lock()
	s.workflows = workflows
	s.executions = executions
	s.mu.Unlock()
	s.logger.Info().
		Int("events", total).
		Int("workflows", len(workflows)).
		Int("executions", len(executions)).
		Int("interrupted", interrupted).
		Msg("workflow state replayed")
	return nil
}

func (s *Service) commitWorkflow(ctx context.Context, w *Workflow) error {
	events := w.DrainPending()
	recs, err := s.store.Append(ctx, w.ID, AggregateWorkflow, w.Version, events, s.meta())
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := w.Apply(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) commitExecution(ctx context.Context, x *Execution) error {
	events := x.DrainPending()
	recs, err := s.store.Append(ctx, x.ID, AggregateExecution, x.Version, events, s.meta())
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := x.Apply(rec); err != nil {
			return err
		}
	}
	return nil
}

// Create validates def and stores it as a draft workflow.
// Names are unique among workflows that are not archived.
func (s *Service) Create(ctx context.Context, def Definition) (Workflow, error) {
	def, err := def.Normalized()
	if err != nil {
		return Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.findByNameLocked(def.Name); existing != nil {
		return Workflow{}, fmt.Errorf("%w: workflow %q already exists as %s", ErrConflict, def.Name, existing.ID)
	}
	w := NewWorkflow(uuid.NewString(), def)
	if err := s.commitWorkflow(ctx, w); err != nil {
		return Workflow{}, err
	}
	s.workflows[w.ID] = w
	s.logger.Info().Str("workflow", w.ID).Str("name", def.Name).Msg("workflow created")
	return w.Snapshot(), nil
}

// Update replaces the definition of id. Running executions keep the
// definition they started with.
func (s *Service) Update(ctx context.Context, id string, def Definition) (Workflow, error) {
	def, err := def.Normalized()
	if err != nil {
		return Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.workflowLocked(id)
	if err != nil {
		return Workflow{}, err
	}
	if other := s.findByNameLocked(def.Name); other != nil && other.ID != w.ID {
		return Workflow{}, fmt.Errorf("%w: workflow %q already exists as %s", ErrConflict, def.Name, other.ID)
	}
	if err := w.Update(def); err != nil {
		return Workflow{}, err
	}
	if err := s.commitWorkflow(ctx, w); err != nil {
		return Workflow{}, err
	}
	return w.Snapshot(), nil
}

func (s *Service) Activate(ctx context.Context, id string) (Workflow, error) {
	return s.transition(ctx, id, (*Workflow).Activate)
}

func (s *Service) Pause(ctx context.Context, id, reason string) (Workflow, error) {
	return s.transition(ctx, id, func(w *Workflow) error { return w.Pause(reason) })
}

func (s *Service) Archive(ctx context.Context, id string) (Workflow, error) {
	return s.transition(ctx, id, (*Workflow).Archive)
}

func (s *Service) transition(ctx context.Context, id string, cmd func(*Workflow) error) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.workflowLocked(id)
	if err != nil {
		return Workflow{}, err
	}
	if err := cmd(w); err != nil {
		return Workflow{}, err
	}
	if err := s.commitWorkflow(ctx, w); err != nil {
		return Workflow{}, err
	}
	s.logger.Info().Str("workflow", w.ID).Str("status", string(w.Status)).Msg("workflow transitioned")
	return w.Snapshot(), nil
}

func (s *Service) workflowLocked(id string) (*Workflow, error) {
	w, ok := s.workflows[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return w, nil
}

func (s *Service) findByNameLocked(name string) *Workflow {
	for _, w := range s.workflows {
		if w.Status != StatusArchived && w.Definition.Name == name {
			return w
		}
	}
	return nil
}

// Get returns one workflow.
func (s *Service) Get(id string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := s.workflowLocked(id)
	if err != nil {
		return Workflow{}, err
	}
	return w.Snapshot(), nil
}

// FindByName returns the non-archived workflow called name.
func (s *Service) FindByName(name string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.findByNameLocked(strings.TrimSpace(name))
	if w == nil {
		return Workflow{}, fmt.Errorf("%w: workflow named %q", ErrNotFound, name)
	}
	return w.Snapshot(), nil
}

// List returns workflows ordered by creation time; an empty status lists all.
func (s *Service) List(status Status) []Workflow {
	s.mu.RLock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, w.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Events returns the stored records of one aggregate.
func (s *Service) Events(ctx context.Context, aggregateID string) ([]Record, error) {
	recs, err := s.store.Load(ctx, strings.TrimSpace(aggregateID))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: aggregate %s", ErrNotFound, aggregateID)
	}
	return recs, nil
}

// EventsSince pages through the global event log.
func (s *Service) EventsSince(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	return s.store.LoadSince(ctx, afterSeq, limit)
}

// Execute starts an execution of an active workflow and returns immediately.
func (s *Service) Execute(ctx context.Context, workflowID string, params map[string]any, opts ExecuteOptions) (Execution, error) {
	s.mu.RLock()
	w, err := s.workflowLocked(workflowID)
	var wf Workflow
	if err == nil {
		wf = w.Snapshot()
	}
	s.mu.RUnlock()
	if err != nil {
		return Execution{}, err
	}
	if wf.Status != StatusActive {
		return Execution{}, fmt.Errorf("%w: workflow %s is %s", ErrNotExecutable, wf.ID, wf.Status)
	}
	resolved, err := ResolveParams(wf.Definition.Parameters, params)
	if err != nil {
		return Execution{}, err
	}

	// the run is counted before Close can start waiting; once closed, nothing
	// new is committed.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Execution{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	started := false
	defer func() {
		if !started {
			s.wg.Done()
		}
	}()

	x := NewExecution(uuid.NewString(), wf, resolved, strings.TrimSpace(opts.TriggeredBy))
	if err := s.commitExecution(ctx, x); err != nil {
		return Execution{}, err
	}
	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	st := &execState{agg: x, cancel: cancel, done: make(chan struct{})}
	snap := x.Snapshot()

	s.mu.Lock()
	s.executions[x.ID] = st
	s.mu.Unlock()

	s.logger.Info().Str("execution", x.ID).Str("workflow", wf.ID).Str("name", wf.Definition.Name).Msg("execution started")
	started = true
	go func() {
		defer s.wg.Done()
		defer close(st.done)
		defer cancel(nil)
		emit := func(ev Event) error {
			st.mu.Lock()
			defer st.mu.Unlock()
			st.agg.raise(ev)
			return s.commitExecution(context.WithoutCancel(runCtx), st.agg)
		}
		s.engine.Run(runCtx, snap.ID, snap.WorkflowID, x.Definition(), resolved, emit)
	}()
	return snap, nil
}

func (s *Service) execState(id string) (*execState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.executions[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return st, nil
}

func (st *execState) snapshot() Execution {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.agg.Snapshot()
}

// Execution returns one execution.
func (s *Service) Execution(id string) (Execution, error) {
	st, err := s.execState(id)
	if err != nil {
		return Execution{}, err
	}
	return st.snapshot(), nil
}

// Executions lists executions of workflowID, oldest first; empty lists all.
func (s *Service) Executions(workflowID string) []Execution {
	s.mu.RLock()
	states := make([]*execState, 0, len(s.executions))
	for _, st := range s.executions {
		states = append(states, st)
	}
	s.mu.RUnlock()
	out := make([]Execution, 0, len(states))
	for _, st := range states {
		snap := st.snapshot()
		if workflowID != "" && snap.WorkflowID != workflowID {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ErrCancelRequested is the cancellation cause recorded for Cancel.
var ErrCancelRequested = errors.New("cancelled by request")

// Cancel asks a running execution to stop. The returned snapshot may still
// be running; use Wait to observe the terminal state.
func (s *Service) Cancel(id string) (Execution, error) {
	st, err := s.execState(id)
	if err != nil {
		return Execution{}, err
	}
	snap := st.snapshot()
	if snap.Status.Terminal() || st.cancel == nil {
		return snap, fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, snap.ID, snap.Status)
	}
	st.cancel(ErrCancelRequested)
	s.logger.Info().Str("execution", snap.ID).Msg("execution cancel requested")
	return snap, nil
}

// Wait blocks until the execution is terminal or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) (Execution, error) {
	st, err := s.execState(id)
	if err != nil {
		return Execution{}, err
	}
	if st.done != nil {
		select {
		case <-st.done:
		case <-ctx.Done():
			return st.snapshot(), ctx.Err()
		}
	}
	return st.snapshot(), nil
}

// Ping reports whether the event store is usable.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.LoadSince(ctx, 0, 1)
	return err
}
