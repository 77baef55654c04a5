// Package storage fans schemaless records out to one or more SQL backends.
//
// Each backend (sqlite, postgres, mssql) implements Backend and registers a
// factory under its kind from an init() function; callers blank-import
// intunesync/internal/storage/all and build backends with Open.
//
// Write semantics shared by every backend:
//   - identity is resolved per record (see internal/identity)
//   - the stored row_hash is compared with the record's change-hash
//   - no row -> Inserted, equal hash -> Skipped (no write), otherwise Updated
//   - a failed record is logged and counted; the batch continues
//   - connectivity-class errors abort the batch and are returned
package storage

import (
	"context"
	"errors"
	"time"

	"intunesync/pkg/records"
)

var (
	// ErrNotInitialized is returned for writes before EnsureTable succeeded.
	ErrNotInitialized = errors.New("storage: backend not initialized")
	// ErrClosed is returned for any call after Close.
	ErrClosed = errors.New("storage: backend closed")
	// ErrUnknownKind is returned by Open for an unregistered kind.
	ErrUnknownKind = errors.New("storage: unknown backend kind")
)

// Backend is one SQL engine.
//
// Implementations are not safe for concurrent batches; the sync loop never
// runs two passes at once.
type Backend interface {
	// Name identifies the backend in logs, metrics and errors.
	Name() string

	// EnsureTable creates the table with its metadata columns if absent.
	EnsureTable(ctx context.Context, table string) error

	// EnsureSchema adds every column sample needs that the live table lacks.
	// Failing to add an individual column is logged, not returned; an error
	// means the catalog could not be read at all.
	EnsureSchema(ctx context.Context, table string, sample records.Record) error

	// UpsertBatch writes recs in order. Per-record failures are reported in
	// the result; the error is reserved for failures that stop the batch.
	UpsertBatch(ctx context.Context, table string, recs []records.Record) (BatchResult, error)

	// HealthCheck performs a trivial round-trip (SELECT 1).
	HealthCheck(ctx context.Context) error

	// Close releases the connection pool/handle.
	Close() error
}

// Result is the outcome of writing one record to one backend.
type Result string

const (
	Inserted Result = "inserted"
	Updated  Result = "updated"
	Skipped  Result = "skipped"
)

// Outcome is the per-record detail of a batch. Err is set for failed records,
// in which case Result is empty.
type Outcome struct {
	ID     string
	Result Result
	Err    error
}

// BatchResult summarizes a batch on one backend.
type BatchResult struct {
	Inserted int
	Updated  int
	Skipped  int
	Failed   int

	// Outcomes holds one entry per processed record, in input order.
	Outcomes []Outcome
}

// Stored counts records that reached a consistent stored state, including
// records skipped because they were unchanged.
func (r BatchResult) Stored() int { return r.Inserted + r.Updated + r.Skipped }

func (r *BatchResult) add(o Outcome) {
	switch {
	case o.Err != nil:
		r.Failed++
	case o.Result == Inserted:
		r.Inserted++
	case o.Result == Updated:
		r.Updated++
	case o.Result == Skipped:
		r.Skipped++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Observer receives storage events. It replaces process-wide counters so the
// storage layer can run without a metrics subsystem attached.
type Observer interface {
	RecordResult(backend, table string, r Result)
	RecordFailure(backend, table string, err error)
	ObserveDuration(backend, op string, d time.Duration)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) RecordResult(string, string, Result)          {}
func (NopObserver) RecordFailure(string, string, error)          {}
func (NopObserver) ObserveDuration(string, string, time.Duration) {}

var _ Observer = NopObserver{}
