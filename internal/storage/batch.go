package storage

import (
	"context"
	"fmt"
	"time"

	"intunesync/internal/fingerprint"
	"intunesync/internal/identity"
	"intunesync/internal/schema"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// Row is a record prepared for writing: identity resolved, change-hash
// computed and every value stringified for binding.
type Row struct {
	ID          string
	Fingerprint string
	RowHash     string
	SyncedAt    string

	// Fields and Values are aligned and sorted by column name.
	Fields []schema.Field
	Values []any
}

// MetadataColumns are written first, in this order, on every insert/update.
var MetadataColumns = []string{
	schema.IDColumn,
	schema.FingerprintColumn,
	schema.RowHashColumn,
	schema.LastSyncColumn,
}

// PrepareRow resolves identity and builds the bind values for r.
// The change-hash covers the record as received, before stringification.
func PrepareRow(res *identity.Resolver, r records.Record, now time.Time) Row {
	id := res.Resolve(r)
	fields := schema.Fields(r)
	values := make([]any, len(fields))
	for i, f := range fields {
		values[i] = schema.Stringify(r[f.Key], f.Type)
	}
	return Row{
		ID:          id.ID.String(),
		Fingerprint: id.Fingerprint,
		RowHash:     fingerprint.ChangeHash(r),
		SyncedAt:    schema.FormatTimestamp(now),
		Fields:      fields,
		Values:      values,
	}
}

// Columns returns metadata columns followed by data columns.
func (r Row) Columns() []string {
	out := make([]string, 0, len(MetadataColumns)+len(r.Fields))
	out = append(out, MetadataColumns...)
	for _, f := range r.Fields {
		out = append(out, f.Column)
	}
	return out
}

// Args returns bind values aligned with Columns.
func (r Row) Args() []any {
	out := make([]any, 0, len(MetadataColumns)+len(r.Values))
	out = append(out, r.ID, r.Fingerprint, r.RowHash, r.SyncedAt)
	out = append(out, r.Values...)
	return out
}

// RowStore is the engine-specific half of a batch upsert.
type RowStore interface {
	// LookupHash returns the stored row_hash for id; found is false when no row exists.
	LookupHash(ctx context.Context, table, id string) (hash string, found bool, err error)

	// WriteRow inserts row, or updates it in place when exists is true.
	WriteRow(ctx context.Context, table string, row Row, exists bool) error
}

// BatchOptions carries the collaborators ApplyBatch needs.
type BatchOptions struct {
	Backend  string
	Resolver *identity.Resolver
	Logger   *zap.Logger
	Now      func() time.Time
}

// ApplyBatch runs the shared per-record upsert flow against store.
//
// Flow per record, in input order:
//   - prepare (identity, change-hash, stringified values)
//   - look up the stored hash; equal -> Skipped without writing
//   - write; Inserted when no row existed, Updated otherwise
//
// Errors:
//   - A per-record failure is logged, counted and the batch continues.
//   - A connectivity-class failure (or ctx cancellation) stops the batch; the
//     partial result is returned together with the error.
func ApplyBatch(ctx context.Context, store RowStore, table string, recs []records.Record, opts BatchOptions) (BatchResult, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	res := opts.Resolver
	if res == nil {
		res = identity.NewResolver(nil, log)
	}

	var out BatchResult
	syncedAt := now().Truncate(time.Microsecond)
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		row := PrepareRow(res, rec, syncedAt)
		o, err := upsertRow(ctx, store, table, row)
		if err != nil {
			if IsConnectivity(err) {
				return out, fmt.Errorf("%s: upsert %s: %w", opts.Backend, table, err)
			}
			log.Error("record write failed",
				zap.String("backend", opts.Backend),
				zap.String("table", table),
				zap.Int("index", i),
				zap.String("id", row.ID),
				zap.Error(err))
			o = Outcome{ID: row.ID, Err: err}
		}
		out.add(o)
	}
	return out, nil
}

func upsertRow(ctx context.Context, store RowStore, table string, row Row) (Outcome, error) {
	stored, found, err := store.LookupHash(ctx, table, row.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup %s: %w", row.ID, err)
	}
	if found && stored == row.RowHash {
		return Outcome{ID: row.ID, Result: Skipped}, nil
	}
	if err := store.WriteRow(ctx, table, row, found); err != nil {
		return Outcome{}, fmt.Errorf("write %s: %w", row.ID, err)
	}
	if found {
		return Outcome{ID: row.ID, Result: Updated}, nil
	}
	return Outcome{ID: row.ID, Result: Inserted}, nil
}
