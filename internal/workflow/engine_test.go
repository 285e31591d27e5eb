package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/docmesh/internal/testutil/testlog"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []Call
	handler func(call Call, n int) (Result, error)
	counts  map[string]int
}

func newFakeInvoker(handler func(call Call, n int) (Result, error)) *fakeInvoker {
	return &fakeInvoker{handler: handler, counts: make(map[string]int)}
}

func (f *fakeInvoker) Invoke(ctx context.Context, call Call) (Result, error) {
	f.mu.Lock()
	key := call.Method + " " + call.Path
	f.counts[key]++
	n := f.counts[key]
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.handler == nil {
		return Result{StatusCode: 200}, nil
	}
	return f.handler(call, n)
}

func (f *fakeInvoker) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method + " " + c.Path
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.EventType()
	}
	return out
}

func (l *eventLog) count(typ string) int {
	n := 0
	for _, t := range l.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func mustNormalize(t *testing.T, def Definition) Definition {
	t.Helper()
	out, err := def.Normalized()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return out
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestEngineRendersTemplatesAcrossSteps(t *testing.T) {
	testlog.Start(t)
	def := mustNormalize(t, Definition{
		Name: "publish",
		Actions: []Action{
			{ID: "store", Service: "docstore", Path: "/documents", Body: map[string]any{
				"title":   "{{ .params.title }}",
				"content": "by {{ .params.author }} for {{ .execution_id }}",
				"tags":    []any{"{{ .params.tag }}"},
			}},
			{ID: "index", Service: "search", Path: "/index/{{ .steps.store.output.id }}", DependsOn: []string{"store"}, Body: map[string]any{
				"count": "{{ .steps.store.output.count }}",
			}},
		},
	})
	inv := newFakeInvoker(func(call Call, n int) (Result, error) {
		if call.StepID == "store" {
			return Result{StatusCode: 201, Output: map[string]any{"id": "doc-9", "count": float64(3)}}, nil
		}
		return Result{StatusCode: 200}, nil
	})
	eng := NewEngine(inv, EngineConfig{})
	log := &eventLog{}

	status := eng.Run(context.Background(), "ex-1", "wf-1", def, map[string]any{"title": "Guide", "author": "ops", "tag": "v1"}, log.emit)
	if status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%v)", status, log.types())
	}
	if len(inv.calls) != 2 {
		t.Fatalf("expected 2 calls, got %v", inv.paths())
	}
	store := inv.calls[0].Body.(map[string]any)
	if store["title"] != "Guide" || store["content"] != "by ops for ex-1" || store["tags"].([]any)[0] != "v1" {
		t.Fatalf("unexpected store body: %v", store)
	}
	if inv.calls[1].Path != "/index/doc-9" {
		t.Fatalf("unexpected index path: %s", inv.calls[1].Path)
	}
	if inv.calls[1].Body.(map[string]any)["count"] != float64(3) {
		t.Fatalf("single-expression value should keep its type: %#v", inv.calls[1].Body)
	}
	if last := log.types()[len(log.events)-1]; last != "WorkflowCompleted" {
		t.Fatalf("expected WorkflowCompleted last, got %s", last)
	}
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	testlog.Start(t)
	def := mustNormalize(t, Definition{
		Name: "flaky",
		Actions: []Action{{
			ID: "call", Service: "svc", Path: "/x",
			Retry: RetryPolicy{MaxAttempts: 3, InitialDelay: Duration(time.Millisecond)},
		}},
	})
	inv := newFakeInvoker(func(call Call, n int) (Result, error) {
		if n < 3 {
			return Result{StatusCode: 503}, errors.New("unavailable")
		}
		return Result{StatusCode: 200, Output: "ok"}, nil
	})
	eng := NewEngine(inv, EngineConfig{})
	eng.sleep = noSleep
	log := &eventLog{}

	if status := eng.Run(context.Background(), "ex", "wf", def, nil, log.emit); status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if log.count("StepRetried") != 2 {
		t.Fatalf("expected 2 retries, got %v", log.types())
	}
	for _, ev := range log.events {
		if c, ok := ev.(StepCompleted); ok && c.Attempt != 3 {
			t.Fatalf("expected success on attempt 3, got %d", c.Attempt)
		}
	}
}

func TestEnginePermanentErrorDoesNotRetry(t *testing.T) {
	testlog.Start(t)
	def := mustNormalize(t, Definition{
		Name:    "strict",
		Actions: []Action{{ID: "call", Service: "svc", Path: "/x", Retry: RetryPolicy{MaxAttempts: 5}}},
	})
	inv := newFakeInvoker(func(call Call, n int) (Result, error) {
		return Result{StatusCode: 400}, fmt.Errorf("%w: bad input", ErrPermanent)
	})
	eng := NewEngine(inv, EngineConfig{})
	log := &eventLog{}
	if status := eng.Run(context.Background(), "ex", "wf", def, nil, log.emit); status != ExecutionFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if len(inv.calls) != 1 || log.count("StepRetried") != 0 {
		t.Fatalf("permanent errors must not retry: calls=%d events=%v", len(inv.calls), log.types())
	}
}

func TestEngineFailureSkipsAndCompensatesInReverse(t *testing.T) {
	testlog.Start(t)
	def := mustNormalize(t, Definition{
		Name: "saga",
		Actions: []Action{
			{ID: "a", Service: "svc", Path: "/a", Compensate: &Compensation{Method: "DELETE", Path: "/a/{{ .steps.a.output.id }}"}},
			{ID: "b", Service: "svc", Path: "/b", DependsOn: []string{"a"}, Compensate: &Compensation{Path: "/b/undo"}},
			{ID: "c", Service: "svc", Path: "/c", DependsOn: []string{"b"}},
			{ID: "d", Service: "svc", Path: "/d", DependsOn: []string{"c"}},
		},
	})
	inv := newFakeInvoker(func(call Call, n int) (Result, error) {
		switch call.Path {
		case "/a":
			return Result{StatusCode: 200, Output: map[string]any{"id": "A1"}}, nil
		case "/c":
			return Result{StatusCode: 500}, errors.New("boom")
		case "/b/undo":
			return Result{}, errors.New("undo failed")
		}
		return Result{StatusCode: 200}, nil
	})
	eng := NewEngine(inv, EngineConfig{})
	log := &eventLog{}

	if status := eng.Run(context.Background(), "ex", "wf", def, nil, log.emit); status != ExecutionFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	got := strings.Join(inv.paths(), ",")
	if got != "POST /a,POST /b,POST /c,POST /b/undo,DELETE /a/A1" {
		t.Fatalf("unexpected call order: %s", got)
	}
	var comps []StepCompensated
	var failed WorkflowFailed
	for _, ev := range log.events {
		switch e := ev.(type) {
		case StepCompensated:
			comps = append(comps, e)
		case WorkflowFailed:
			failed = e
		}
	}
	if len(comps) != 2 || comps[0].StepID != "b" || comps[0].Error == "" || comps[1].StepID != "a" || comps[1].Error != "" {
		t.Fatalf("unexpected compensations: %+v", comps)
	}
	if failed.FailedStep != "c" || !strings.Contains(failed.Reason, "boom") {
		t.Fatalf("unexpected failure event: %+v", failed)
	}
}

func TestEngineRunsLevelConcurrentlyWithinLimit(t *testing.T) {
	testlog.Start(t)
	var actions []Action
	for i := 0; i < 6; i++ {
		actions = append(actions, Action{ID: fmt.Sprintf("s%d", i), Service: "svc", Path: fmt.Sprintf("/s%d", i)})
	}
	def := mustNormalize(t, Definition{Name: "fan", Actions: actions})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	inv := newFakeInvoker(func(call Call, n int) (Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return Result{StatusCode: 200}, nil
	})
	eng := NewEngine(inv, EngineConfig{MaxParallel: 2})
	if status := eng.Run(context.Background(), "ex", "wf", def, nil, (&eventLog{}).emit); status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if peak != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", peak)
	}
}

func TestEngineCancellation(t *testing.T) {
	testlog.Start(t)
	def := mustNormalize(t, Definition{
		Name: "slow",
		Actions: []Action{
			{ID: "first", Service: "svc", Path: "/first", Compensate: &Compensation{Path: "/first/undo"}},
			{ID: "second", Service: "svc", Path: "/second", DependsOn: []string{"first"}},
			{ID: "third", Service: "svc", Path: "/third", DependsOn: []string{"second"}},
		},
	})
	ctx, cancel := context.WithCancelCause(context.Background())
	inv := newFakeInvoker(func(call Call, n int) (Result, error) {
		if call.Path == "/second" {
			cancel(errors.New("operator stop"))
			return Result{}, context.Canceled
		}
		return Result{StatusCode: 200}, nil
	})
	eng := NewEngine(inv, EngineConfig{})
	log := &eventLog{}

	if status := eng.Run(ctx, "ex", "wf", def, nil, log.emit); status != ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", status, log.types())
	}
	got := strings.Join(inv.paths(), ",")
	if got != "POST /first,POST /second,POST /first/undo" {
		t.Fatalf("unexpected calls: %s", got)
	}
	for _, ev := range log.events {
		if c, ok := ev.(WorkflowCancelled); ok && c.Reason != "operator stop" {
			t.Fatalf("unexpected cancel reason %q", c.Reason)
		}
	}
}

func TestEngineTemplateErrorIsPermanent(t *testing.T) {
	testlog.Start(t)
	def := mustNormalize(t, Definition{
		Name:    "broken",
		Actions: []Action{{ID: "x", Service: "svc", Path: "/x/{{ .params.missing }}", Retry: RetryPolicy{MaxAttempts: 3}}},
	})
	inv := newFakeInvoker(nil)
	eng := NewEngine(inv, EngineConfig{})
	if status := eng.Run(context.Background(), "ex", "wf", def, map[string]any{}, (&eventLog{}).emit); status != ExecutionFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("render failure must not invoke the service")
	}
}
