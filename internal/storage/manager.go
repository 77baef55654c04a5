package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"intunesync/internal/schema"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// State is a backend's lifecycle position inside a Manager.
type State int

const (
	Uninitialized State = iota
	Initialized
	Operational
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Operational:
		return "operational"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BackendSummary is one backend's share of a Manager batch.
type BackendSummary struct {
	Name string
	BatchResult
}

// Summary aggregates a batch across backends.
//
// Stored is the count reported by the last backend written, which is what
// single-number callers historically consumed. Backends carries every
// backend's counts so callers can detect divergence instead of trusting one.
type Summary struct {
	Stored   int
	Backends []BackendSummary
}

// Diverged reports whether backends disagree on the stored count.
func (s Summary) Diverged() bool {
	for i := 1; i < len(s.Backends); i++ {
		if s.Backends[i].Stored() != s.Backends[0].Stored() {
			return true
		}
	}
	return false
}

// Failed sums per-record failures across backends.
func (s Summary) Failed() int {
	n := 0
	for _, b := range s.Backends {
		n += b.Failed
	}
	return n
}

// Manager orchestrates an ordered list of backends.
//
// Each backend is written independently, in configured order, with no
// cross-backend atomicity. A Manager is not meant for concurrent batches;
// its lock only protects lifecycle state.
type Manager struct {
	backends []Backend
	obs      Observer
	log      *zap.Logger

	mu     sync.Mutex
	states []State
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithObserver attaches an observer for per-record results and timings.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithLogger sets the Manager's logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a Manager over backends, in order.
func NewManager(backends []Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		backends: append([]Backend(nil), backends...),
		obs:      NopObserver{},
		log:      zap.NewNop(),
		states:   make([]State, len(backends)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// BackendNames returns backend names in configured order.
func (m *Manager) BackendNames() []string {
	out := make([]string, len(m.backends))
	for i, b := range m.backends {
		out[i] = b.Name()
	}
	return out
}

// State returns the lifecycle state of the i-th backend.
func (m *Manager) State(i int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[i]
}

func (m *Manager) setState(i int, s State) {
	m.mu.Lock()
	m.states[i] = s
	m.mu.Unlock()
}

// checkWritable rejects writes on backends that were never initialized or
// are already closed. Both are caller bugs, not runtime conditions.
func (m *Manager) checkWritable(i int) error {
	switch st := m.State(i); st {
	case Initialized, Operational:
		return nil
	case Closed:
		return fmt.Errorf("%w: %s", ErrClosed, m.backends[i].Name())
	default:
		return fmt.Errorf("%w: %s", ErrNotInitialized, m.backends[i].Name())
	}
}

// EnsureTable creates table on every backend. Table setup must succeed
// everywhere: the first failure is returned and later backends are not tried.
func (m *Manager) EnsureTable(ctx context.Context, table string) error {
	for i, b := range m.backends {
		if m.State(i) == Closed {
			return fmt.Errorf("%w: %s", ErrClosed, b.Name())
		}
		start := time.Now()
		err := b.EnsureTable(ctx, table)
		m.obs.ObserveDuration(b.Name(), "ensure_table", time.Since(start))
		if err != nil {
			m.obs.RecordFailure(b.Name(), table, err)
			return fmt.Errorf("storage: ensure table %s on %s: %w", table, b.Name(), err)
		}
		if m.State(i) == Uninitialized {
			m.setState(i, Initialized)
		}
	}
	return nil
}

// UpsertBatch evolves the schema for recs and writes them to every backend
// in order.
//
// The schema sample merges every record in the batch so a field first seen
// in a later record still gets its column before writes start.
//
// Errors:
//   - ErrNotInitialized / ErrClosed for backends in the wrong state.
//   - A hard backend failure (catalog unreadable, connection lost) stops the
//     batch; backends after the failing one are not attempted. The Summary
//     returned alongside holds what was written before the failure.
//   - Per-record failures are NOT errors; see Summary.Failed.
func (m *Manager) UpsertBatch(ctx context.Context, table string, recs []records.Record) (Summary, error) {
	var sum Summary
	for i := range m.backends {
		if err := m.checkWritable(i); err != nil {
			return sum, err
		}
	}
	if len(recs) == 0 {
		return sum, nil
	}

	sample := schema.MergeSample(recs)
	for i, b := range m.backends {
		name := b.Name()

		start := time.Now()
		err := b.EnsureSchema(ctx, table, sample)
		m.obs.ObserveDuration(name, "ensure_schema", time.Since(start))
		if err != nil {
			m.obs.RecordFailure(name, table, err)
			return sum, fmt.Errorf("storage: ensure schema %s on %s: %w", table, name, err)
		}

		start = time.Now()
		res, err := b.UpsertBatch(ctx, table, recs)
		m.obs.ObserveDuration(name, "upsert_batch", time.Since(start))
		m.observe(name, table, res)
		if err != nil {
			m.obs.RecordFailure(name, table, err)
			sum.Backends = append(sum.Backends, BackendSummary{Name: name, BatchResult: res})
			return sum, fmt.Errorf("storage: upsert %s on %s: %w", table, name, err)
		}

		m.setState(i, Operational)
		sum.Backends = append(sum.Backends, BackendSummary{Name: name, BatchResult: res})
		sum.Stored = res.Stored()

		m.log.Info("batch stored",
			zap.String("backend", name),
			zap.String("table", table),
			zap.Int("inserted", res.Inserted),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}

	if sum.Diverged() {
		m.log.Warn("backends diverged on stored count", zap.String("table", table), zap.Any("backends", storedCounts(sum)))
	}
	return sum, nil
}

func (m *Manager) observe(backend, table string, res BatchResult) {
	for _, o := range res.Outcomes {
		if o.Err != nil {
			m.obs.RecordFailure(backend, table, o.Err)
			continue
		}
		m.obs.RecordResult(backend, table, o.Result)
	}
}

func storedCounts(s Summary) map[string]int {
	out := make(map[string]int, len(s.Backends))
	for _, b := range s.Backends {
		out[b.Name] = b.Stored()
	}
	return out
}

// HealthCheck checks backends in order and fails on the first unhealthy one,
// naming it.
func (m *Manager) HealthCheck(ctx context.Context) error {
	for i, b := range m.backends {
		if m.State(i) == Closed {
			return fmt.Errorf("%w: %s", ErrClosed, b.Name())
		}
		if err := b.HealthCheck(ctx); err != nil {
			return fmt.Errorf("storage: backend %s unhealthy: %w", b.Name(), err)
		}
	}
	return nil
}

// Close closes every backend that is not already closed. It always attempts
// all of them and returns the joined errors. Calling Close again is a no-op.
func (m *Manager) Close() error {
	var errs []error
	for i, b := range m.backends {
		if m.State(i) == Closed {
			continue
		}
		if err := b.Close(); err != nil {
			m.log.Warn("backend close failed", zap.String("backend", b.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
		m.setState(i, Closed)
	}
	return errors.Join(errs...)
}
