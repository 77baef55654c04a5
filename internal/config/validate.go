package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"intunesync/internal/logging"
	"intunesync/internal/source"
	"intunesync/internal/storage"
)

// Severity classifies an Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is a dotted config path such as
// "endpoints[1].table".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var knownBackends = map[string]bool{"sqlite": true, "postgres": true, "mssql": true}

// Table names are plain identifiers, optionally schema-qualified.
var tableIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const maxTableName = 63

// Validate checks cfg and returns every issue found, errors and warnings
// interleaved in config order.
func Validate(cfg *Config) []Issue {
	var issues []Issue
	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, args...)})
	}

	for _, d := range []struct {
		path string
		val  time.Duration
	}{
		{"pollInterval", cfg.PollInterval},
		{"endpointDelay", cfg.EndpointDelay},
		{"retryDelay", cfg.RetryDelay},
	} {
		if d.val <= 0 {
			errf(d.path, "must be positive, got %s", d.val)
		}
	}
	if cfg.PollInterval > 0 && cfg.PollInterval < time.Minute {
		warnf("pollInterval", "%s is under one minute; Graph may throttle", cfg.PollInterval)
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errf("log.level", "%v", err)
	}

	validateDatabase(cfg.Database, errf)

	switch m := strings.ToLower(strings.TrimSpace(cfg.Metrics.Backend)); m {
	case "", "none", "datadog":
	default:
		errf("metrics.backend", "unknown metrics backend %q (want none or datadog)", cfg.Metrics.Backend)
	}

	validateEndpoints(cfg, errf)

	for _, k := range cfg.SecretsInFile {
		warnf(k, "secret stored in plaintext config; prefer the environment")
	}
	return issues
}

func validateDatabase(db DatabaseConfig, errf func(path, format string, args ...any)) {
	if len(db.Backends) == 0 {
		errf("database.backends", "at least one backend is required")
	}
	seen := map[string]bool{}
	for i, raw := range db.Backends {
		path := fmt.Sprintf("database.backends[%d]", i)
		kind := storage.NormalizeKind(raw)
		if !knownBackends[kind] {
			errf(path, "unknown backend kind %q", raw)
			continue
		}
		if seen[kind] {
			errf(path, "backend %q listed twice", kind)
			continue
		}
		seen[kind] = true

		if strings.TrimSpace(db.DSN(kind)) == "" {
			switch kind {
			case "postgres":
				errf("database.postgresConnectionString", "required when the postgres backend is enabled")
			case "mssql":
				errf("database.mssqlConnectionString", "required when the mssql backend is enabled")
			default:
				errf("database.sqlitePath", "required when the sqlite backend is enabled")
			}
		}
	}
}

func validateEndpoints(cfg *Config, errf func(path, format string, args ...any)) {
	names := map[string]int{}
	tables := map[string]int{}
	enabled, needGraph := 0, false

	for i, ep := range cfg.Endpoints {
		path := fmt.Sprintf("endpoints[%d]", i)

		if ep.Name == "" {
			errf(path+".name", "is required")
		} else if j, dup := names[ep.Name]; dup {
			errf(path+".name", "duplicate endpoint name %q (also endpoints[%d])", ep.Name, j)
		} else {
			names[ep.Name] = i
		}

		table := strings.ToLower(ep.Table)
		switch {
		case ep.Table == "":
			errf(path+".table", "is required")
		case len(ep.Table) > maxTableName || !tableIdent.MatchString(ep.Table):
			errf(path+".table", "invalid table identifier %q", ep.Table)
		default:
			if j, dup := tables[table]; dup {
				errf(path+".table", "table %q already used by endpoints[%d]", ep.Table, j)
			} else {
				tables[table] = i
			}
		}

		if !ep.Enabled {
			continue
		}
		enabled++

		switch ep.Kind() {
		case source.KindGraph:
			needGraph = true
			if strings.TrimSpace(ep.URL) == "" {
				errf(path+".url", "is required for graph endpoints")
			}
		case source.KindFile:
			if strings.TrimSpace(ep.Path) == "" {
				errf(path+".path", "is required for file endpoints")
			}
		default:
			errf(path+".source", "unknown source %q (want graph or file)", ep.Source)
		}
	}

	if enabled == 0 {
		errf("endpoints", "no endpoint is enabled")
	}
	if needGraph {
		g := cfg.Graph
		if strings.TrimSpace(g.ClientID) == "" {
			errf("graph.clientId", "required for graph endpoints")
		}
		if strings.TrimSpace(g.ClientSecret) == "" {
			errf("graph.clientSecret", "required for graph endpoints")
		}
		if strings.TrimSpace(g.TenantID) == "" && strings.TrimSpace(g.TokenURL) == "" {
			errf("graph.tenantId", "required for graph endpoints")
		}
	}
}
