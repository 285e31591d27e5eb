package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrVersionConflict = errors.New("workflow: version conflict")

// AnyVersion disables the optimistic concurrency check on Append.
const AnyVersion = -1

// EventStore is an append-only log of aggregate events.
type EventStore interface {
	// Append stores events after the aggregate's current version, which must
	// equal expectedVersion unless it is AnyVersion.
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event, meta Meta) ([]Record, error)
	// Load returns one aggregate's records in version order.
	Load(ctx context.Context, aggregateID string) ([]Record, error)
	// LoadSince returns records with Seq > afterSeq in Seq order; limit <= 0 means all.
	LoadSince(ctx context.Context, afterSeq int64, limit int) ([]Record, error)
	// Subscribe registers fn for every record appended afterwards.
	// Subscribers run synchronously and must not append.
	Subscribe(fn func(Record)) (cancel func())
	Close() error
}

// subscribers fans records out in append order.
type subscribers struct {
	mu     sync.Mutex
	notify sync.Mutex
	next   int
	fns    map[int]func(Record)
}

func (s *subscribers) add(fn func(Record)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Record))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers) snapshot() []func(Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Record), len(ids))
	for i, id := range ids {
		out[i] = s.fns[id]
	}
	return out
}

// deliver must be called with notify held.
func (s *subscribers) deliver(recs []Record) {
	fns := s.snapshot()
	for _, rec := range recs {
		for _, fn := range fns {
			fn(rec)
		}
	}
}

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	byAgg map[string][]Record
	all   []Record
	seq   int64
	now   func() time.Time
	subs  subscribers
}

// NewMemoryStore returns an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAgg: make(map[string][]Record),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event, meta Meta) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	current := len(s.byAgg[aggregateID])
	if expectedVersion != AnyVersion && expectedVersion != current {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, aggregateID, current, expectedVersion)
	}
	recs, err := newRecords(aggregateID, aggregateType, current, events, meta, s.now())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for i := range recs {
		s.seq++
		recs[i].Seq = s.seq
	}
	s.byAgg[aggregateID] = append(s.byAgg[aggregateID], recs...)
	s.all = append(s.all, recs...)
	s.subs.notify.Lock()
	s.mu.Unlock()

	s.subs.deliver(recs)
	s.subs.notify.Unlock()
	return append([]Record(nil), recs...), nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.byAgg[aggregateID]...), nil
}

func (s *MemoryStore) LoadSince(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.all)) {
		return []Record{}, nil
	}
	tail := s.all[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]Record(nil), tail...), nil
}

func (s *MemoryStore) Subscribe(fn func(Record)) func() {
	return s.subs.add(fn)
}

func (s *MemoryStore) Close() error {
	return nil
}
