// Package syncer runs sync passes: every enabled endpoint is fetched,
// filtered and written to storage, one endpoint at a time.
//
// Run drives passes on the calling goroutine, so passes never overlap. The
// first pass starts immediately; the next one starts PollInterval after the
// previous one finished, or RetryDelay after a failed one.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intunesync/internal/filter"
	"intunesync/internal/metrics"
	"intunesync/internal/source"
	"intunesync/internal/storage"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// ErrAllEndpointsFailed is returned when no endpoint of a pass succeeded.
var ErrAllEndpointsFailed = errors.New("syncer: every endpoint failed")

// Store is the storage surface a pass needs; *storage.Manager implements it.
type Store interface {
	EnsureTable(ctx context.Context, table string) error
	UpsertBatch(ctx context.Context, table string, recs []records.Record) (storage.Summary, error)
}

// Options configures a Service.
type Options struct {
	Source    source.Source
	Store     Store
	Endpoints []source.Endpoint
	// OSTerms feed the device filter; empty keeps every device.
	OSTerms []string

	PollInterval  time.Duration
	EndpointDelay time.Duration
	RetryDelay    time.Duration

	Metrics metrics.Backend
	Logger  *zap.Logger
}

// Service runs passes.
type Service struct {
	src       source.Source
	store     Store
	endpoints []source.Endpoint
	filter    *filter.OSFilter

	pollInterval  time.Duration
	endpointDelay time.Duration
	retryDelay    time.Duration

	m   metrics.Backend
	log *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New returns a Service for the enabled endpoints in opts, in order.
func New(opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, errors.New("syncer: source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("syncer: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var eps []source.Endpoint
	for _, ep := range opts.Endpoints {
		if ep.Enabled {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return nil, errors.New("syncer: no enabled endpoints")
	}

	s := &Service{
		src:           opts.Source,
		store:         opts.Store,
		endpoints:     eps,
		filter:        filter.NewOSFilter(opts.OSTerms, log),
		pollInterval:  opts.PollInterval,
		endpointDelay: opts.EndpointDelay,
		retryDelay:    opts.RetryDelay,
		m:             metrics.OrNop(opts.Metrics),
		log:           log,
		now:           time.Now,
		sleep:         sleepContext,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Hour
	}
	if s.retryDelay <= 0 {
		s.retryDelay = 30 * time.Second
	}
	if s.endpointDelay < 0 {
		s.endpointDelay = 0
	}
	return s, nil
}

// Run runs passes until ctx is done. It returns nil on shutdown; pass
// failures are logged and retried, never returned.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("sync loop started",
		zap.Int("endpoints", len(s.endpoints)),
		zap.Duration("poll_interval", s.pollInterval),
		zap.Strings("os_filter", s.filter.Terms()))

	for {
		_, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.log.Info("sync loop stopped")
			return nil
		}

		wait := s.pollInterval
		if err != nil {
			wait = s.retryDelay
			s.log.Error("pass failed; retrying", zap.Duration("retry_in", wait), zap.Error(err))
		} else {
			s.log.Debug("next pass scheduled", zap.Duration("in", wait))
		}
		if !s.sleep(ctx, wait) {
			s.log.Info("sync loop stopped")
			return nil
		}
	}
}

// RunOnce runs a single pass over every enabled endpoint.
//
// A connectivity-class error (storage or source) or cancellation aborts the
// pass and is returned. Any other endpoint failure is recorded in the report
// and the pass moves on; if every endpoint fails, ErrAllEndpointsFailed is
// returned.
func (s *Service) RunOnce(ctx context.Context) (PassReport, error) {
	start := s.now()
	rep := PassReport{}

	err := s.pass(ctx, &rep)
	if err == nil && len(rep.EndpointErrors) == len(s.endpoints) {
		err = fmt.Errorf("%w: %w", ErrAllEndpointsFailed, rep.EndpointErrors[0].Err)
	}
	rep.Duration = s.now().Sub(start)

	status := rep.status(err)
	s.m.IncCounter(metrics.PassesTotal, 1, metrics.Labels{"status": status})
	s.m.ObserveHistogram(metrics.PassDurationSeconds, rep.Duration.Seconds(), metrics.Labels{"status": status})

	s.log.Info("pass finished",
		zap.String("status", status),
		zap.Int("endpoints", rep.Endpoints),
		zap.Int("fetched", rep.Fetched),
		zap.Int("filtered", rep.Filtered),
		zap.Int("stored", rep.Stored),
		zap.Int("failed", rep.Failed),
		zap.Int("endpoint_errors", len(rep.EndpointErrors)),
		zap.Duration("duration", rep.Duration))
	return rep, err
}

func (s *Service) pass(ctx context.Context, rep *PassReport) error {
	for i, ep := range s.endpoints {
		if i > 0 && !s.sleep(ctx, s.endpointDelay) {
			return ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		er, err := s.syncEndpoint(ctx, ep)
		rep.add(er)
		if err == nil {
			continue
		}
		if storage.IsConnectivity(err) {
			return fmt.Errorf("syncer: endpoint %s: %w", ep.Name, err)
		}
		rep.EndpointErrors = append(rep.EndpointErrors, EndpointError{Endpoint: ep.Name, Err: err})
		s.log.Error("endpoint failed", zap.String("endpoint", ep.Name), zap.Error(err))
	}
	return nil
}

// syncEndpoint: ensure table, fetch, filter (devices only), map, store.
func (s *Service) syncEndpoint(ctx context.Context, ep source.Endpoint) (EndpointReport, error) {
	er := EndpointReport{Endpoint: ep.Name, Table: ep.Table}
	log := s.log.With(zap.String("endpoint", ep.Name), zap.String("table", ep.Table))

	if err := s.store.EnsureTable(ctx, ep.Table); err != nil {
		return er, err
	}

	recs, err := s.src.Fetch(ctx, ep)
	if err != nil {
		return er, fmt.Errorf("fetch: %w", err)
	}
	er.Fetched = len(recs)
	s.m.IncCounter(metrics.FetchedTotal, float64(len(recs)), metrics.Labels{"endpoint": ep.Name})

	if ep.IsDevices() && !s.filter.AllowsAll() {
		var st filter.Stats
		recs, st = s.filter.Apply(recs)
		er.Filtered = st.Skipped
		s.m.IncCounter(metrics.FilterTotal, float64(st.Matched), metrics.Labels{"decision": "matched"})
		s.m.IncCounter(metrics.FilterTotal, float64(st.Skipped), metrics.Labels{"decision": "skipped"})
		log.Info("device filter applied", zap.Int("matched", st.Matched), zap.Int("skipped", st.Skipped))
	}

	ep.ApplyMappings(recs)

	sum, err := s.store.UpsertBatch(ctx, ep.Table, recs)
	er.Stored = sum.Stored
	er.Failed = sum.Failed()
	er.Diverged = sum.Diverged()
	if err != nil {
		return er, err
	}

	log.Info("endpoint synced",
		zap.Int("fetched", er.Fetched),
		zap.Int("filtered", er.Filtered),
		zap.Int("stored", er.Stored),
		zap.Int("failed", er.Failed))
	return er, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
