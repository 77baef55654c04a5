package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"intunesync/internal/config"
	"intunesync/internal/fingerprint"
	"intunesync/internal/identity"
	"intunesync/internal/logging"
	"intunesync/internal/metrics"
	"intunesync/internal/metrics/datadog"
	"intunesync/internal/source"
	"intunesync/internal/source/file"
	"intunesync/internal/source/graph"
	"intunesync/internal/storage"
	"intunesync/internal/syncer"

	"go.uber.org/zap"
)

// app is the wired service plus everything that needs closing.
type app struct {
	log     *zap.Logger
	svc     *syncer.Service
	store   *storage.Manager
	closers []func() error
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{log: log}

	mb, err := newMetrics(ctx, cfg, log)
	if err != nil {
		log.Warn("metrics backend unavailable; using nop", zap.Error(err))
	}
	if c, ok := mb.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	backends, err := openBackends(ctx, cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = storage.NewManager(backends,
		storage.WithObserver(metrics.NewStorageObserver(mb)),
		storage.WithLogger(log))

	src, err := newSource(ctx, cfg, cfg.EnabledEndpoints(), log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.svc, err = syncer.New(syncer.Options{
		Source:        src,
		Store:         a.store,
		Endpoints:     cfg.Endpoints,
		OSTerms:       cfg.DeviceOSFilter,
		PollInterval:  cfg.PollInterval,
		EndpointDelay: cfg.EndpointDelay,
		RetryDelay:    cfg.RetryDelay,
		Metrics:       mb,
		Logger:        log,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Info("intunesync ready",
		zap.Strings("backends", a.store.BackendNames()),
		zap.Int("endpoints", len(cfg.EnabledEndpoints())),
		zap.String("metrics", cfg.Metrics.Backend))
	return a, nil
}

// Close closes storage first, then flushes metrics, so the final storage
// timings are submitted.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}

// newMetrics returns metrics.Nop for "none"; a failed Datadog init also
// degrades to Nop, with the error returned for logging.
func newMetrics(ctx context.Context, cfg *config.Config, log *zap.Logger) (metrics.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Metrics.Backend)) {
	case "datadog":
		tags := datadog.ParseTagsCSV(strings.Join(cfg.Metrics.Tags, ","))
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.Metrics.JobName,
			Tags:       tags,
			FlushEvery: cfg.Metrics.FlushInterval,
		})
		if err != nil {
			return metrics.Nop{}, err
		}
		log.Info("metrics enabled", zap.String("backend", "datadog"), zap.Strings("tags", tags))
		return b, nil
	default:
		return metrics.Nop{}, nil
	}
}

func newResolver(log *zap.Logger) *identity.Resolver {
	return identity.NewResolver(fingerprint.New(log), log)
}

// openBackends opens every configured backend in order. On failure the
// already opened ones are closed.
func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]storage.Backend, error) {
	res := newResolver(log)
	var out []storage.Backend
	for _, raw := range cfg.Database.Backends {
		kind := storage.NormalizeKind(raw)
		b, err := storage.Open(ctx, storage.Config{
			Kind:     kind,
			DSN:      cfg.Database.DSN(kind),
			Resolver: res,
			Logger:   log.With(zap.String("backend", kind)),
		})
		if err != nil {
			for _, o := range out {
				_ = o.Close()
			}
			return nil, fmt.Errorf("open backend %s: %w", kind, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// newSource registers the graph source only when one of eps needs it, so
// file-only setups run without credentials.
func newSource(ctx context.Context, cfg *config.Config, eps []source.Endpoint, log *zap.Logger) (source.Source, error) {
	mux := source.Mux{source.KindFile: file.New(log)}
	for _, ep := range eps {
		if ep.Kind() != source.KindGraph {
			continue
		}
		g, err := graph.New(ctx, graph.Options{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			TokenURL:     cfg.Graph.TokenURL,
			Timeout:      cfg.Graph.Timeout,
			MaxAttempts:  cfg.Graph.MaxAttempts,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		mux[source.KindGraph] = g
		break
	}
	return mux, nil
}

type backendHealth struct {
	Kind string
	Err  error
}

// checkBackends opens and checks each backend independently so one failure
// does not hide the others.
func checkBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) []backendHealth {
	res := newResolver(log)
	out := make([]backendHealth, 0, len(cfg.Database.Backends))
	for _, raw := range cfg.Database.Backends {
		kind := storage.NormalizeKind(raw)
		h := backendHealth{Kind: kind}
		b, err := storage.Open(ctx, storage.Config{Kind: kind, DSN: cfg.Database.DSN(kind), Resolver: res, Logger: log})
		if err != nil {
			h.Err = err
			out = append(out, h)
			continue
		}
		h.Err = b.HealthCheck(ctx)
		if cerr := b.Close(); cerr != nil && h.Err == nil {
			h.Err = cerr
		}
		out = append(out, h)
	}
	return out
}
