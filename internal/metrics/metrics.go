// Package metrics is the vendor-neutral metrics surface of the sync service.
//
// Core code depends only on Backend; concrete exporters (see
// internal/metrics/datadog) live in subpackages and are selected at startup.
package metrics

import (
	"time"

	"intunesync/internal/storage"
)

// Metric names emitted by the service.
//
// Labels:
//   - PassesTotal, PassDurationSeconds: status (ok|partial|failed)
//   - RecordsTotal: result, backend, table
//   - FetchedTotal: endpoint
//   - FilterTotal: decision (matched|skipped)
//   - StorageOpDurationSec: backend, op
const (
	PassesTotal          = "intunesync_passes_total"
	PassDurationSeconds  = "intunesync_pass_duration_seconds"
	RecordsTotal         = "intunesync_records_total"
	FetchedTotal         = "intunesync_fetched_total"
	FilterTotal          = "intunesync_filter_total"
	StorageOpDurationSec = "intunesync_storage_duration_seconds"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}

// OrNop returns b, or Nop when b is nil.
func OrNop(b Backend) Backend {
	if b == nil {
		return Nop{}
	}
	return b
}

// StorageObserver forwards storage events to a Backend.
type StorageObserver struct {
	B Backend
}

// NewStorageObserver returns a storage.Observer backed by b.
func NewStorageObserver(b Backend) *StorageObserver {
	return &StorageObserver{B: OrNop(b)}
}

func (o *StorageObserver) RecordResult(backend, table string, r storage.Result) {
	o.B.IncCounter(RecordsTotal, 1, Labels{"result": string(r), "backend": backend, "table": table})
}

func (o *StorageObserver) RecordFailure(backend, table string, err error) {
	o.B.IncCounter(RecordsTotal, 1, Labels{"result": "failed", "backend": backend, "table": table})
}

func (o *StorageObserver) ObserveDuration(backend, op string, d time.Duration) {
	o.B.ObserveHistogram(StorageOpDurationSec, d.Seconds(), Labels{"backend": backend, "op": op})
}

var _ storage.Observer = (*StorageObserver)(nil)
