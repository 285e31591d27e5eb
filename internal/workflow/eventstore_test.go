package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danmuck/docmesh/internal/testutil/testlog"
)

func eventStores(t *testing.T) map[string]EventStore {
	t.Helper()
	sqlStore, err := OpenSQLStore(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open sql store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]EventStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestEventStoreContract(t *testing.T) {
	testlog.Start(t)
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var (
				mu       sync.Mutex
				observed []string
			)
			cancel := store.Subscribe(func(rec Record) {
				mu.Lock()
				observed = append(observed, rec.Type)
				mu.Unlock()
			})

			recs, err := store.Append(ctx, "wf-1", AggregateWorkflow, 0, []Event{
				WorkflowCreated{WorkflowID: "wf-1", Definition: Definition{Name: "a"}},
				WorkflowActivated{WorkflowID: "wf-1"},
			}, Meta{"node": "test"})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if len(recs) != 2 || recs[0].Version != 1 || recs[1].Version != 2 || recs[1].Seq <= recs[0].Seq {
				t.Fatalf("unexpected records: %+v", recs)
			}

			if _, err := store.Append(ctx, "wf-1", AggregateWorkflow, 1, []Event{WorkflowPaused{WorkflowID: "wf-1"}}, nil); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}

			if _, err := store.Append(ctx, "ex-1", AggregateExecution, 0, []Event{
				WorkflowStarted{ExecutionID: "ex-1", WorkflowID: "wf-1"},
			}, nil); err != nil {
				t.Fatalf("append execution: %v", err)
			}
			if _, err := store.Append(ctx, "wf-1", AggregateWorkflow, AnyVersion, []Event{WorkflowPaused{WorkflowID: "wf-1", Reason: "maintenance"}}, nil); err != nil {
				t.Fatalf("append any version: %v", err)
			}

			loaded, err := store.Load(ctx, "wf-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(loaded) != 3 || loaded[2].Version != 3 || loaded[0].Metadata["node"] != "test" {
				t.Fatalf("unexpected load: %+v", loaded)
			}
			ev, err := Decode(loaded[2])
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p, ok := ev.(WorkflowPaused); !ok || p.Reason != "maintenance" {
				t.Fatalf("unexpected event %#v", ev)
			}

			all, err := store.LoadSince(ctx, 0, 0)
			if err != nil || len(all) != 4 {
				t.Fatalf("load since 0: %d %v", len(all), err)
			}
			page, err := store.LoadSince(ctx, all[1].Seq, 1)
			if err != nil || len(page) != 1 || page[0].AggregateID != "ex-1" {
				t.Fatalf("paged load: %+v %v", page, err)
			}
			empty, err := store.LoadSince(ctx, all[3].Seq, 10)
			if err != nil || len(empty) != 0 {
				t.Fatalf("expected empty tail, got %+v %v", empty, err)
			}

			cancel()
			if _, err := store.Append(ctx, "wf-2", AggregateWorkflow, 0, []Event{WorkflowActivated{WorkflowID: "wf-2"}}, nil); err != nil {
				t.Fatalf("append after unsubscribe: %v", err)
			}
			mu.Lock()
			defer mu.Unlock()
			want := []string{"WorkflowCreated", "WorkflowActivated", "WorkflowStarted", "WorkflowPaused"}
			if len(observed) != len(want) {
				t.Fatalf("subscriber saw %v, want %v", observed, want)
			}
			for i := range want {
				if observed[i] != want[i] {
					t.Fatalf("subscriber saw %v, want %v", observed, want)
				}
			}
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	if _, err := Decode(Record{Type: "Nope"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := OpenSQLStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Append(ctx, "wf-1", AggregateWorkflow, 0, []Event{WorkflowCreated{WorkflowID: "wf-1", Definition: Definition{Name: "kept"}}}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	recs, err := reopened.Load(ctx, "wf-1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected persisted record, got %+v %v", recs, err)
	}
	ev, err := Decode(recs[0])
	if err != nil || ev.(WorkflowCreated).Definition.Name != "kept" {
		t.Fatalf("decode persisted: %#v %v", ev, err)
	}
}
