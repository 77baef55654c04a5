// Package config loads the service configuration.
//
// Sources, lowest precedence first:
//  1. built-in defaults
//  2. a JSON or YAML file (optional)
//  3. environment variables, including those from a .env file
//
// Well-known variables (GRAPH_CLIENT_ID, POLL_INTERVAL, ...) map to fixed
// keys. Any key can also be set as INTUNESYNC_<KEY> with dots replaced by
// underscores, e.g. INTUNESYNC_LOG_FORMAT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strconv"
	"strings"
	"time"

	"intunesync/internal/logging"
	"intunesync/internal/source"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the generic environment overrides.
const EnvPrefix = "INTUNESYNC"

// Config is the full service configuration.
type Config struct {
	Graph GraphConfig `mapstructure:"graph"`

	PollInterval  time.Duration `mapstructure:"pollInterval"`
	EndpointDelay time.Duration `mapstructure:"endpointDelay"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`

	// DeviceOSFilter holds OS filter terms; "*" keeps every device.
	DeviceOSFilter []string `mapstructure:"deviceOsFilter"`

	Database  DatabaseConfig    `mapstructure:"database"`
	Log       logging.Config    `mapstructure:"log"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Endpoints []source.Endpoint `mapstructure:"endpoints"`

	// SecretsInFile lists secret keys that were read from the config file
	// rather than the environment.
	SecretsInFile []string `mapstructure:"-"`
}

// GraphConfig holds the app registration used for client-credentials tokens.
type GraphConfig struct {
	TenantID     string        `mapstructure:"tenantId"`
	ClientID     string        `mapstructure:"clientId"`
	ClientSecret string        `mapstructure:"clientSecret"`
	TokenURL     string        `mapstructure:"tokenUrl"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
}

// DatabaseConfig selects storage backends, written in list order.
type DatabaseConfig struct {
	Backends                 []string `mapstructure:"backends"`
	SQLitePath               string   `mapstructure:"sqlitePath"`
	PostgresConnectionString string   `mapstructure:"postgresConnectionString"`
	MSSQLConnectionString    string   `mapstructure:"mssqlConnectionString"`
}

// DSN returns the connection string for a backend kind (already normalized).
func (d DatabaseConfig) DSN(kind string) string {
	switch kind {
	case "sqlite":
		return d.SQLitePath
	case "postgres":
		return d.PostgresConnectionString
	case "mssql":
		return d.MSSQLConnectionString
	default:
		return ""
	}
}

// MetricsConfig selects the metrics backend ("none" or "datadog").
type MetricsConfig struct {
	Backend       string        `mapstructure:"backend"`
	JobName       string        `mapstructure:"jobName"`
	Tags          []string      `mapstructure:"tags"`
	FlushInterval time.Duration `mapstructure:"flushInterval"`
}

// EnabledEndpoints returns the enabled endpoints in configured order.
func (c *Config) EnabledEndpoints() []source.Endpoint {
	var out []source.Endpoint
	for _, ep := range c.Endpoints {
		if ep.Enabled {
			out = append(out, ep)
		}
	}
	return out
}

// envBindings are the well-known variable names.
var envBindings = map[string]string{
	"graph.clientId":                    "GRAPH_CLIENT_ID",
	"graph.clientSecret":                "GRAPH_CLIENT_SECRET",
	"graph.tenantId":                    "GRAPH_TENANT_ID",
	"pollInterval":                      "POLL_INTERVAL",
	"deviceOsFilter":                    "DEVICE_OS_FILTER",
	"database.sqlitePath":               "SQLITE_PATH",
	"database.postgresConnectionString": "POSTGRES_CONNECTION_STRING",
	"database.mssqlConnectionString":    "MSSQL_CONNECTION_STRING",
	"log.level":                         "LOG_LEVEL",
	"metrics.backend":                   "METRICS_BACKEND",
	"metrics.tags":                      "METRICS_TAGS",
}

// secretKeys trigger a warning when set in the config file.
var secretKeys = []string{
	"graph.clientSecret",
	"database.postgresConnectionString",
	"database.mssqlConnectionString",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("graph.tenantId", "")
	v.SetDefault("graph.clientId", "")
	v.SetDefault("graph.clientSecret", "")
	v.SetDefault("graph.tokenUrl", "")
	v.SetDefault("graph.timeout", 60*time.Second)
	v.SetDefault("graph.maxAttempts", 5)

	v.SetDefault("pollInterval", time.Hour)
	v.SetDefault("endpointDelay", 500*time.Millisecond)
	v.SetDefault("retryDelay", 30*time.Second)
	v.SetDefault("deviceOsFilter", []string{"*"})

	v.SetDefault("database.backends", []string{"sqlite"})
	v.SetDefault("database.sqlitePath", "./output/devices.db")
	v.SetDefault("database.postgresConnectionString", "")
	v.SetDefault("database.mssqlConnectionString", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 30)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.jobName", "intunesync")
	v.SetDefault("metrics.tags", []string{})
	v.SetDefault("metrics.flushInterval", 60*time.Second)
}

// Load reads .env from the working directory, then the file at path (if
// path is non-empty), then the environment.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	// Existing variables win over .env entries.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	var secrets []string
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		for _, k := range secretKeys {
			if v.InConfig(k) && strings.TrimSpace(v.GetString(k)) != "" {
				secrets = append(secrets, k)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.SecretsInFile = secrets
	cfg.Endpoints = resolveEndpoints(cfg.Endpoints)
	return &cfg, nil
}

// resolveEndpoints fills configured endpoints from the predefined set by
// name. With no endpoints configured the predefined set is used as is.
func resolveEndpoints(configured []source.Endpoint) []source.Endpoint {
	predefined := source.Predefined()
	if len(configured) == 0 {
		return predefined
	}
	byName := make(map[string]source.Endpoint, len(predefined))
	for _, ep := range predefined {
		byName[ep.Name] = ep
	}

	out := make([]source.Endpoint, 0, len(configured))
	for _, ep := range configured {
		ep.Name = strings.TrimSpace(ep.Name)
		if def, ok := byName[ep.Name]; ok {
			if ep.URL == "" {
				ep.URL = def.URL
			}
			if ep.Table == "" {
				ep.Table = def.Table
			}
			if len(ep.SelectFields) == 0 {
				ep.SelectFields = def.SelectFields
			}
		}
		if ep.Table == "" {
			ep.Table = ep.Name
		}
		out = append(out, ep)
	}
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

// decodeHook converts durations (Go syntax or integer seconds) and splits
// comma-separated strings into string slices.
func decodeHook(from, to reflect.Type, data any) (any, error) {
	switch {
	case to == durationType:
		return ParseDuration(data)
	case to.Kind() == reflect.Slice && to.Elem().Kind() == reflect.String && from.Kind() == reflect.String:
		return splitList(reflect.ValueOf(data).String()), nil
	}
	return data, nil
}

// ParseDuration accepts "30s", "5m", "1h", integer seconds ("3600" or 3600)
// and time.Duration values.
func ParseDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		out, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return out, nil
	default:
		return 0, fmt.Errorf("invalid duration %v (%T)", v, v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
