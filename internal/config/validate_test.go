package config

import (
	"testing"
	"time"

	"intunesync/internal/logging"
	"intunesync/internal/source"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Graph:          GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"},
		PollInterval:   time.Hour,
		EndpointDelay:  time.Second,
		RetryDelay:     30 * time.Second,
		DeviceOSFilter: []string{"*"},
		Database:       DatabaseConfig{Backends: []string{"sqlite"}, SQLitePath: "devices.db"},
		Log:            logging.Config{Level: "info"},
		Metrics:        MetricsConfig{Backend: "none"},
		Endpoints:      source.Predefined(),
	}
}

func paths(issues []Issue, sev Severity) []string {
	var out []string
	for _, iss := range issues {
		if iss.Severity == sev {
			out = append(out, iss.Path)
		}
	}
	return out
}

func TestValidateClean(t *testing.T) {
	t.Parallel()

	issues := Validate(validConfig())
	assert.Empty(t, issues)
	assert.False(t, HasErrors(issues))
}

func TestValidateCollectsEveryError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PollInterval = 0
	cfg.RetryDelay = -time.Second
	cfg.Graph = GraphConfig{}
	cfg.Database = DatabaseConfig{Backends: []string{"sqlite", "oracle", "sqlserver"}, SQLitePath: "x.db"}
	cfg.Log.Level = "chatty"
	cfg.Metrics.Backend = "statsd"
	cfg.Endpoints = []source.Endpoint{
		{Name: "devices", URL: "https://graph.microsoft.com/v1.0/deviceManagement/managedDevices", Table: "devices", Enabled: true},
		{Name: "devices", Table: "Devices"},
		{Name: "fixture", Table: "bad-table!", Source: "file", Enabled: true},
		{Name: "ftp", Table: "ftp", Source: "ftp", Enabled: true},
	}

	issues := Validate(cfg)
	assert.True(t, HasErrors(issues))
	assert.ElementsMatch(t, []string{
		"pollInterval",
		"retryDelay",
		"log.level",
		"database.backends[1]",
		"database.mssqlConnectionString",
		"metrics.backend",
		"endpoints[1].name",
		"endpoints[1].table",
		"endpoints[2].table",
		"endpoints[2].path",
		"endpoints[3].source",
		"graph.clientId",
		"graph.clientSecret",
		"graph.tenantId",
	}, paths(issues, SeverityError))
}

func TestValidateNoEnabledEndpoint(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	for i := range cfg.Endpoints {
		cfg.Endpoints[i].Enabled = false
	}
	cfg.Graph = GraphConfig{}

	assert.Equal(t, []string{"endpoints"}, paths(Validate(cfg), SeverityError), "credentials are only needed for enabled graph endpoints")
}

func TestValidateWarnings(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.PollInterval = 30 * time.Second
	cfg.SecretsInFile = []string{"graph.clientSecret"}

	issues := Validate(cfg)
	assert.False(t, HasErrors(issues))
	assert.Equal(t, []string{"pollInterval", "graph.clientSecret"}, paths(issues, SeverityWarning))
	assert.Contains(t, issues[0].String(), "warning: pollInterval:")
}

func TestValidateTokenURLReplacesTenant(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Graph.TenantID = ""
	cfg.Graph.TokenURL = "http://localhost:8080/token"
	assert.Empty(t, Validate(cfg))
}
