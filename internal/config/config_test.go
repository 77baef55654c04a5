package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"intunesync/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.EndpointDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryDelay)
	assert.Equal(t, []string{"*"}, cfg.DeviceOSFilter)
	assert.Equal(t, []string{"sqlite"}, cfg.Database.Backends)
	assert.Equal(t, "./output/devices.db", cfg.Database.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "none", cfg.Metrics.Backend)
	assert.Equal(t, source.Predefined(), cfg.Endpoints)

	enabled := cfg.EnabledEndpoints()
	require.Len(t, enabled, 1)
	assert.Equal(t, "devices", enabled[0].Name)
	assert.Empty(t, cfg.SecretsInFile)
}

const sampleYAML = `
pollInterval: 300
endpointDelay: 2s
deviceOsFilter: ["Windows", "macOS"]
graph:
  tenantId: t1
  clientId: c1
  clientSecret: s3cret
database:
  backends: [sqlite, postgresql]
  postgresConnectionString: postgres://sync@db/intune
endpoints:
  - name: devices
    enabled: true
    fieldMappings:
      serialNumber: serial
  - name: fixtures
    source: file
    path: ./fixtures/devices.json
    enabled: true
`

func TestLoadFile(t *testing.T) {
	cfg, err := load(writeFile(t, "intunesync.yaml", sampleYAML), noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.EndpointDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryDelay)
	assert.Equal(t, []string{"Windows", "macOS"}, cfg.DeviceOSFilter)
	assert.Equal(t, "c1", cfg.Graph.ClientID)
	assert.Equal(t, []string{"sqlite", "postgresql"}, cfg.Database.Backends)

	require.Len(t, cfg.Endpoints, 2)
	dev := cfg.Endpoints[0]
	assert.Equal(t, source.Predefined()[0].URL, dev.URL)
	assert.Equal(t, "devices", dev.Table)
	assert.Len(t, dev.FieldMappings, 1)

	fx := cfg.Endpoints[1]
	assert.Equal(t, source.KindFile, fx.Kind())
	assert.Equal(t, "fixtures", fx.Table)
	assert.Equal(t, "./fixtures/devices.json", fx.Path)

	assert.ElementsMatch(t, []string{"graph.clientSecret", "database.postgresConnectionString"}, cfg.SecretsInFile)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "90")
	t.Setenv("DEVICE_OS_FILTER", "Windows, iOS")
	t.Setenv("GRAPH_CLIENT_ID", "env-client")
	t.Setenv("INTUNESYNC_LOG_FORMAT", "console")
	t.Setenv("METRICS_BACKEND", "datadog")

	cfg, err := load(writeFile(t, "intunesync.yaml", sampleYAML), noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"Windows", "iOS"}, cfg.DeviceOSFilter)
	assert.Equal(t, "env-client", cfg.Graph.ClientID)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "datadog", cfg.Metrics.Backend)
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("GRAPH_TENANT_ID", "")
	require.NoError(t, os.Unsetenv("GRAPH_TENANT_ID"))

	env := writeFile(t, ".env", "GRAPH_TENANT_ID=from-dotenv\n")
	cfg, err := load("", env)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Graph.TenantID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), noEnvFile(t))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      any
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"3600", time.Hour, false},
		{3600, time.Hour, false},
		{float64(1.5), 1500 * time.Millisecond, false},
		{time.Minute, time.Minute, false},
		{"", 0, false},
		{"soon", 0, true},
		{true, 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDuration(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.in)
			continue
		}
		require.NoError(t, err, "%v", tc.in)
		assert.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestResolveEndpointsKeepsCustom(t *testing.T) {
	t.Parallel()

	eps := resolveEndpoints([]source.Endpoint{
		{Name: " users ", Enabled: true},
		{Name: "audit", URL: "https://graph.microsoft.com/v1.0/auditLogs/directoryAudits", Table: "audit_events", Enabled: true},
	})
	require.Len(t, eps, 2)
	assert.Equal(t, "users", eps[0].Name)
	assert.Equal(t, "users", eps[0].Table)
	assert.NotEmpty(t, eps[0].SelectFields)
	assert.Equal(t, "audit_events", eps[1].Table)
}
