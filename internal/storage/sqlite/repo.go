// Package sqlite is the SQLite storage backend (modernc.org/sqlite, no cgo).
//
// SQLite has no native timestamp or boolean types. Timestamps are stored as
// canonical RFC 3339 UTC text, which sorts and compares correctly as strings;
// booleans go into INTEGER-affinity columns as their textual form.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"intunesync/internal/identity"
	"intunesync/internal/schema"
	"intunesync/internal/storage"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// DefaultPath is used when no DSN is configured.
const DefaultPath = "./output/devices.db"

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
}

// Repo implements storage.Backend for SQLite.
type Repo struct {
	db       *sql.DB
	resolver *identity.Resolver
	log      *zap.Logger
	now      func() time.Time
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (creating if needed) the database at cfg.DSN.
//
// Edge cases:
//   - Empty DSN uses DefaultPath.
//   - Parent directories of a file path are created.
//   - ":memory:" and "file:" DSNs are passed through untouched.
//
// The pool is capped at one connection: SQLite serializes writers anyway, and
// a single connection keeps ":memory:" databases and per-connection pragmas
// consistent.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = DefaultPath
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Repo{db: db, resolver: cfg.Resolver, log: log.With(zap.String("backend", "sqlite")), now: time.Now}, nil
}

func (r *Repo) Name() string { return "sqlite" }

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) HealthCheck(ctx context.Context) error {
	var one int
	return r.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (r *Repo) EnsureTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, buildCreateTableSQL(table)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
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
	for _, col := range schema.DiffColumns(existing, required) {
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sqlIdent(table), sqlIdent(col), columnType(required[col]))
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			r.log.Warn("add column failed", zap.String("table", table), zap.String("column", col), zap.Error(err))
			continue
		}
		r.log.Info("column added", zap.String("table", table), zap.String("column", col), zap.String("type", string(required[col])))
	}
	return nil
}

func (r *Repo) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("read columns %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
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
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", sqlIdent(schema.RowHashColumn), sqlIdent(table), sqlIdent(schema.IDColumn))
	var h any
	err := r.db.QueryRowContext(ctx, q, id).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return storage.NormalizeKey(h), true, nil
}

// WriteRow implements storage.RowStore. SQLite's upsert covers both the
// insert and the update case, so exists is not needed.
func (r *Repo) WriteRow(ctx context.Context, table string, row storage.Row, exists bool) error {
	_, err := r.db.ExecContext(ctx, buildUpsertSQL(table, row.Columns()), row.Args()...)
	return err
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func columnType(t schema.Type) string {
	switch t {
	case schema.Boolean, schema.Integer:
		return "INTEGER"
	case schema.Float:
		return "REAL"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(table string) string {
	parts := []string{
		sqlIdent(schema.IDColumn) + " TEXT PRIMARY KEY",
		sqlIdent(schema.FingerprintColumn) + " TEXT",
		sqlIdent(schema.RowHashColumn) + " TEXT",
		sqlIdent(schema.LastSyncColumn) + " TEXT",
		sqlIdent(schema.CreatedAtColumn) + " TEXT DEFAULT CURRENT_TIMESTAMP",
		sqlIdent(schema.UpdatedAtColumn) + " TEXT DEFAULT CURRENT_TIMESTAMP",
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(table), strings.Join(parts, ",\n  "))
}

// buildUpsertSQL renders INSERT ... ON CONFLICT(id) DO UPDATE for columns.
// columns[0] must be the id column.
func buildUpsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	b.WriteString(") ON CONFLICT(")
	b.WriteString(sqlIdent(schema.IDColumn))
	b.WriteString(") DO UPDATE SET ")
	for _, c := range columns[1:] {
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
		b.WriteString(", ")
	}
	b.WriteString(sqlIdent(schema.UpdatedAtColumn))
	b.WriteString(" = CURRENT_TIMESTAMP")
	return b.String()
}

var (
	_ storage.Backend  = (*Repo)(nil)
	_ storage.RowStore = (*Repo)(nil)
)
