package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"intunesync/internal/storage"
	"intunesync/pkg/records"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func openMemory(t *testing.T, log *zap.Logger) *Repo {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:", Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b.(*Repo)
}

func rowCount(t *testing.T, r *Repo, table string) int {
	t.Helper()
	var n int
	require.NoError(t, r.db.QueryRow("SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n))
	return n
}

func upsertOne(t *testing.T, r *Repo, table string, rec records.Record) storage.Outcome {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.EnsureSchema(ctx, table, rec))
	res, err := r.UpsertBatch(ctx, table, []records.Record{rec})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	return res.Outcomes[0]
}

func TestUpsertInsertSkipUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := openMemory(t, nil)
	require.NoError(t, r.EnsureTable(ctx, "devices"))

	rec := records.Record{"serialNumber": "ABC123", "operatingSystem": "Windows"}
	first := upsertOne(t, r, "devices", rec)
	require.NoError(t, first.Err)
	assert.Equal(t, storage.Inserted, first.Result)
	assert.Equal(t, 1, rowCount(t, r, "devices"))

	second := upsertOne(t, r, "devices", rec)
	assert.Equal(t, storage.Skipped, second.Result)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, rowCount(t, r, "devices"))

	changed := records.Record{"serialNumber": "ABC123", "operatingSystem": "Windows 11"}
	third := upsertOne(t, r, "devices", changed)
	assert.Equal(t, storage.Updated, third.Result)
	assert.Equal(t, 1, rowCount(t, r, "devices"))

	var osName string
	require.NoError(t, r.db.QueryRow(`SELECT "operatingSystem" FROM "devices" WHERE "id" = ?`, first.ID).Scan(&osName))
	assert.Equal(t, "Windows 11", osName)
}

func TestEnsureSchemaAddsColumnsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	r := openMemory(t, zap.New(core))
	require.NoError(t, r.EnsureTable(ctx, "devices"))

	before, err := r.columns(ctx, "devices")
	require.NoError(t, err)

	sample := records.Record{"serialNumber": "ABC123", "customTag": "x"}
	require.NoError(t, r.EnsureSchema(ctx, "devices", sample))
	added := logs.FilterMessage("column added").Len()
	assert.Equal(t, 2, added)

	require.NoError(t, r.EnsureSchema(ctx, "devices", sample))
	assert.Equal(t, added, logs.FilterMessage("column added").Len(), "second ensure must add nothing")

	after, err := r.columns(ctx, "devices")
	require.NoError(t, err)
	assert.Len(t, after, len(before)+2)
	assert.Contains(t, after, "customTag")

	out := upsertOne(t, r, "devices", sample)
	assert.NoError(t, out.Err)
}

func TestEnsureSchemaMissingTable(t *testing.T) {
	t.Parallel()

	r := openMemory(t, nil)
	err := r.EnsureSchema(context.Background(), "nope", records.Record{"a": "b"})
	require.Error(t, err)
}

func TestStoresNormalizedValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := openMemory(t, nil)
	require.NoError(t, r.EnsureTable(ctx, "devices"))

	rec, err := records.DecodeBytes([]byte(`{
		"serialNumber": "S-1",
		"enrolledDateTime": "2024-03-01T12:00:00+02:00",
		"isEncrypted": true,
		"storage": 128,
		"groupTypes": ["Unified"],
		"notes": null
	}`))
	require.NoError(t, err)
	out := upsertOne(t, r, "devices", rec[0])
	require.NoError(t, out.Err)

	var enrolled, groups string
	var notes *string
	require.NoError(t, r.db.QueryRow(`SELECT "enrolledDateTime", "groupTypes", "notes" FROM "devices"`).Scan(&enrolled, &groups, &notes))
	assert.Equal(t, "2024-03-01T10:00:00Z", enrolled)
	assert.Equal(t, `["Unified"]`, groups)
	assert.Nil(t, notes)
}

func TestReusesValidIDField(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := openMemory(t, nil)
	require.NoError(t, r.EnsureTable(ctx, "users"))

	const id = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	out := upsertOne(t, r, "users", records.Record{"id": id, "displayName": "Ada"})
	assert.Equal(t, id, out.ID)
}

func TestNewCreatesParentDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "devices.db")
	b, err := New(context.Background(), storage.Config{DSN: path})
	require.NoError(t, err)
	require.NoError(t, b.HealthCheck(context.Background()))
	require.NoError(t, b.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	q := buildUpsertSQL("devices", []string{"id", "row_hash", "model"})
	if !strings.HasPrefix(q, `INSERT INTO "devices" ("id", "row_hash", "model") VALUES (?, ?, ?)`) {
		t.Fatalf("unexpected insert head: %q", q)
	}
	if !strings.Contains(q, `ON CONFLICT("id") DO UPDATE SET "row_hash" = excluded."row_hash", "model" = excluded."model", "updated_at" = CURRENT_TIMESTAMP`) {
		t.Fatalf("unexpected conflict clause: %q", q)
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	q := buildCreateTableSQL(`we"ird`)
	if !strings.HasPrefix(q, `CREATE TABLE IF NOT EXISTS "we""ird"`) {
		t.Fatalf("identifier not quoted: %q", q)
	}
	for _, col := range []string{`"id" TEXT PRIMARY KEY`, `"last_sync_date_time" TEXT`, `"created_at"`, `"updated_at"`} {
		if !strings.Contains(q, col) {
			t.Fatalf("missing %s in %q", col, q)
		}
	}
}
