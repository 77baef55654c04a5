package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"intunesync/pkg/records"
)

// memStore is an in-memory RowStore keyed by table then id.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]map[string]Row
	writes int

	// failKey makes WriteRow fail for rows whose data contains this key.
	failKey string
	// lookupErr is returned from every LookupHash when set.
	lookupErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]map[string]Row{}}
}

func (s *memStore) LookupHash(ctx context.Context, table, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return "", false, s.lookupErr
	}
	r, ok := s.rows[table][id]
	if !ok {
		return "", false, nil
	}
	return r.RowHash, true, nil
}

func (s *memStore) WriteRow(ctx context.Context, table string, row Row, exists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range row.Fields {
		if s.failKey != "" && f.Key == s.failKey {
			return errors.New("type mismatch")
		}
	}
	if s.rows[table] == nil {
		s.rows[table] = map[string]Row{}
	}
	s.rows[table][row.ID] = row
	s.writes++
	return nil
}

func (s *memStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

// fakeBackend runs the shared batch flow over a memStore.
type fakeBackend struct {
	name  string
	store *memStore

	ensureTableErr  error
	ensureSchemaErr error
	upsertErr       error
	healthErr       error
	closeErr        error

	schemaCalls int
	closeCalls  int
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, store: newMemStore()}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) EnsureTable(ctx context.Context, table string) error {
	return f.ensureTableErr
}

func (f *fakeBackend) EnsureSchema(ctx context.Context, table string, sample records.Record) error {
	f.schemaCalls++
	return f.ensureSchemaErr
}

func (f *fakeBackend) UpsertBatch(ctx context.Context, table string, recs []records.Record) (BatchResult, error) {
	if f.upsertErr != nil {
		return BatchResult{}, f.upsertErr
	}
	return ApplyBatch(ctx, f.store, table, recs, BatchOptions{Backend: f.name})
}

func (f *fakeBackend) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeBackend) Close() error {
	f.closeCalls++
	return f.closeErr
}

// countingObserver tallies observer events.
type countingObserver struct {
	mu       sync.Mutex
	results  map[Result]int
	failures int
	timings  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{results: map[Result]int{}}
}

func (o *countingObserver) RecordResult(backend, table string, r Result) {
	o.mu.Lock()
	o.results[r]++
	o.mu.Unlock()
}

func (o *countingObserver) RecordFailure(backend, table string, err error) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveDuration(backend, op string, d time.Duration) {
	o.mu.Lock()
	o.timings++
	o.mu.Unlock()
}
