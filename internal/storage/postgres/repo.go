// Package postgres is the PostgreSQL storage backend (pgx/v5 connection pool).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"intunesync/internal/identity"
	"intunesync/internal/schema"
	"intunesync/internal/storage"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// invalidCatalogName is the SQLSTATE for "database does not exist".
const invalidCatalogName = "3D000"

// pgConn is the subset of *pgxpool.Pool the backend uses. Tests substitute a
// fake so the write flow runs without a server.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var _ pgConn = (*pgxpool.Pool)(nil)

// Repo implements storage.Backend for Postgres.
//
// Column types are native (BOOLEAN, BIGINT, DOUBLE PRECISION, TIMESTAMPTZ).
// Values are bound as text and converted by the server, so a value that does
// not fit its column fails that record only.
type Repo struct {
	pool     pgConn
	resolver *identity.Resolver
	log      *zap.Logger
	now      func() time.Time
}

func init() {
	storage.Register("postgres", New)
}

// New connects to cfg.DSN. When the server reports that the target database
// does not exist, it is created through the "postgres" maintenance database
// and the connection is retried once.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	pool, err := connect(ctx, cfg.DSN)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidCatalogName {
		if cerr := createDatabase(ctx, cfg.DSN); cerr != nil {
			return nil, fmt.Errorf("postgres: create database: %w", cerr)
		}
		pool, err = connect(ctx, cfg.DSN)
	}
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return newRepo(pool, cfg.Resolver, log), nil
}

func newRepo(pool pgConn, res *identity.Resolver, log *zap.Logger) *Repo {
	return &Repo{pool: pool, resolver: res, log: log.With(zap.String("backend", "postgres")), now: time.Now}
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func createDatabase(ctx context.Context, dsn string) error {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return err
	}
	name := cfg.Database
	cfg.Database = "postgres"

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "CREATE DATABASE "+pgIdent(name))
	return err
}

func (r *Repo) Name() string { return "postgres" }

// Close closes the connection pool.
func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) HealthCheck(ctx context.Context) error {
	var one int
	if err := r.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify(err)
	}
	return nil
}

func (r *Repo) EnsureTable(ctx context.Context, table string) error {
	schemaSQL, tableSQL := buildCreateSQL(table)
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", table, classify(err))
		}
	}
	if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("create table %s: %w", table, classify(err))
	}
	return nil
}

func (r *Repo) EnsureSchema(ctx context.Context, table string, sample records.Record) error {
	existing, err := r.columns(ctx, table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("ensure schema: table %s does not exist", table)
	}

	required := schema.InferColumns(sample)
	for _, col := range schema.DiffColumnsExact(existing, required) {
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", pgTableIdent(table), pgIdent(col), columnType(required[col]))
		if _, err := r.pool.Exec(ctx, q); err != nil {
			if storage.IsConnectivity(classify(err)) {
				return fmt.Errorf("add column %s.%s: %w", table, col, classify(err))
			}
			r.log.Warn("add column failed", zap.String("table", table), zap.String("column", col), zap.Error(err))
			continue
		}
		r.log.Info("column added", zap.String("table", table), zap.String("column", col), zap.String("type", string(required[col])))
	}
	return nil
}

// columns reads the live column list from information_schema. Unqualified
// tables resolve against current_schema().
func (r *Repo) columns(ctx context.Context, table string) ([]string, error) {
	schemaName, name := splitTable(table)
	const q = `SELECT COALESCE(array_agg(column_name::text), '{}')
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2`

	var cols []string
	if err := r.pool.QueryRow(ctx, q, schemaName, name).Scan(&cols); err != nil {
		return nil, fmt.Errorf("read columns %s: %w", table, classify(err))
	}
	return cols, nil
}

func (r *Repo) UpsertBatch(ctx context.Context, table string, recs []records.Record) (storage.BatchResult, error) {
	return storage.ApplyBatch(ctx, r, table, recs, storage.BatchOptions{
		Backend:  r.Name(),
		Resolver: r.resolver,
		Logger:   r.log,
		Now:      r.now,
	})
}

// LookupHash implements storage.RowStore.
func (r *Repo) LookupHash(ctx context.Context, table, id string) (string, bool, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", pgIdent(schema.RowHashColumn), pgTableIdent(table), pgIdent(schema.IDColumn))
	var h *string
	err := r.pool.QueryRow(ctx, q, id).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	if h == nil {
		return "", true, nil
	}
	return *h, true, nil
}

// WriteRow implements storage.RowStore using INSERT ... ON CONFLICT DO UPDATE.
func (r *Repo) WriteRow(ctx context.Context, table string, row storage.Row, exists bool) error {
	_, err := r.pool.Exec(ctx, buildUpsertSQL(table, row.Columns()), row.Args()...)
	return classify(err)
}

// classify marks connection-level pgx errors so the batch stops instead of
// failing every remaining record one by one.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return storage.MarkConnectivity(err)
	}
	return err
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(table string) string {
	s, n := splitTable(table)
	if s == "" {
		return pgIdent(n)
	}
	return pgIdent(s) + "." + pgIdent(n)
}

func splitTable(table string) (schemaName, name string) {
	if i := strings.IndexByte(table, '.'); i > 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func columnType(t schema.Type) string {
	switch t {
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Integer:
		return "BIGINT"
	case schema.Float:
		return "DOUBLE PRECISION"
	case schema.Timestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// buildCreateSQL returns the optional CREATE SCHEMA (schema-qualified tables
// only) and the CREATE TABLE statement.
func buildCreateSQL(table string) (schemaSQL, tableSQL string) {
	if s, _ := splitTable(table); s != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(s)
	}
	parts := []string{
		pgIdent(schema.IDColumn) + " TEXT PRIMARY KEY",
		pgIdent(schema.FingerprintColumn) + " TEXT",
		pgIdent(schema.RowHashColumn) + " TEXT",
		pgIdent(schema.LastSyncColumn) + " TIMESTAMPTZ",
		pgIdent(schema.CreatedAtColumn) + " TIMESTAMPTZ NOT NULL DEFAULT NOW()",
		pgIdent(schema.UpdatedAtColumn) + " TIMESTAMPTZ NOT NULL DEFAULT NOW()",
	}
	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", pgTableIdent(table), strings.Join(parts, ",\n  "))
	return schemaSQL, tableSQL
}

// buildUpsertSQL renders INSERT ... ON CONFLICT ("id") DO UPDATE with $n
// placeholders. columns[0] must be the id column.
func buildUpsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(pgIdent(schema.IDColumn))
	b.WriteString(") DO UPDATE SET ")
	for _, c := range columns[1:] {
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
		b.WriteString(", ")
	}
	b.WriteString(pgIdent(schema.UpdatedAtColumn))
	b.WriteString(" = NOW()")
	return b.String()
}

var (
	_ storage.Backend  = (*Repo)(nil)
	_ storage.RowStore = (*Repo)(nil)
)
