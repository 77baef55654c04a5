package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"intunesync/internal/identity"

	"go.uber.org/zap"
)

// Config is what a backend factory receives.
//
// Edge cases:
//   - Kind must match a registered kind (aliases are resolved by NormalizeKind).
//   - DSN is passed through; validation is backend-specific.
//   - nil Resolver/Logger are replaced with defaults by Open.
type Config struct {
	Kind     string
	DSN      string
	Resolver *identity.Resolver
	Logger   *zap.Logger
}

// Factory constructs a Backend from a Config.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Registering
//     twice is a wiring bug and fails fast at startup.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds returns the registered kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// NormalizeKind maps accepted spellings to canonical kinds:
// postgresql -> postgres, sqlserver -> mssql.
func NormalizeKind(s string) string {
	switch k := strings.ToLower(strings.TrimSpace(s)); k {
	case "postgresql", "pg":
		return "postgres"
	case "sqlserver":
		return "mssql"
	default:
		return k
	}
}

// Open constructs a Backend using the registered factory for cfg.Kind.
//
// Errors:
//   - ErrUnknownKind (wrapped) if cfg.Kind is empty or unregistered.
//   - Whatever the factory returns, typically connection failures.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	kind := NormalizeKind(cfg.Kind)
	if kind == "" {
		return nil, fmt.Errorf("%w: empty kind", ErrUnknownKind)
	}

	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = identity.NewResolver(nil, cfg.Logger)
	}
	cfg.Kind = kind
	return f(ctx, cfg)
}
