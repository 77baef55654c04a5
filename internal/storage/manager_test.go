package storage

import (
	"context"
	"errors"
	"net"
	"testing"

	"intunesync/pkg/records"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRoundTripInsertedThenSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := newFakeBackend("sqlite"), newFakeBackend("postgres")
	obs := newCountingObserver()
	m := NewManager([]Backend{a, b}, WithObserver(obs))
	require.NoError(t, m.EnsureTable(ctx, "devices"))

	rec := records.Record{"serialNumber": "ABC123", "operatingSystem": "Windows"}

	sum, err := m.UpsertBatch(ctx, "devices", []records.Record{rec})
	require.NoError(t, err)
	require.Len(t, sum.Backends, 2)
	for _, bs := range sum.Backends {
		assert.Equal(t, 1, bs.Inserted, bs.Name)
		assert.Equal(t, Inserted, bs.Outcomes[0].Result)
	}

	sum, err = m.UpsertBatch(ctx, "devices", []records.Record{rec})
	require.NoError(t, err)
	for _, bs := range sum.Backends {
		assert.Equal(t, 1, bs.Skipped, bs.Name)
		assert.Equal(t, 0, bs.Updated, bs.Name)
	}
	assert.Equal(t, 1, a.store.count("devices"))
	assert.Equal(t, 1, a.store.writes, "skipped record must not be rewritten")

	changed := records.Record{"serialNumber": "ABC123", "operatingSystem": "Windows 11"}
	sum, err = m.UpsertBatch(ctx, "devices", []records.Record{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Backends[0].Updated)
	assert.Equal(t, 1, a.store.count("devices"))

	assert.Equal(t, 2, obs.results[Inserted])
	assert.Equal(t, 2, obs.results[Skipped])
	assert.Equal(t, 2, obs.results[Updated])
	assert.Positive(t, obs.timings)
	assert.Equal(t, Operational, m.State(0))
}

func TestManagerPartialFailureIsNotAnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fb := newFakeBackend("sqlite")
	fb.store.failKey = "bad"
	obs := newCountingObserver()
	m := NewManager([]Backend{fb}, WithObserver(obs))
	require.NoError(t, m.EnsureTable(ctx, "devices"))

	sum, err := m.UpsertBatch(ctx, "devices", []records.Record{
		{"serialNumber": "1"},
		{"serialNumber": "2", "bad": "abc"},
		{"serialNumber": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 1, sum.Failed())
	assert.Equal(t, 1, obs.failures)

	outs := sum.Backends[0].Outcomes
	require.Len(t, outs, 3)
	assert.NoError(t, outs[0].Err)
	assert.Error(t, outs[1].Err)
	assert.NoError(t, outs[2].Err)
}

func TestManagerStoredIsLastBackendAndDivergenceIsFlagged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	first, last := newFakeBackend("a"), newFakeBackend("b")
	last.store.failKey = "x"
	m := NewManager([]Backend{first, last})
	require.NoError(t, m.EnsureTable(ctx, "t"))

	sum, err := m.UpsertBatch(ctx, "t", []records.Record{{"serialNumber": "1", "x": "1"}, {"serialNumber": "2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stored)
	assert.Equal(t, 2, sum.Backends[0].Stored())
	assert.True(t, sum.Diverged())
}

func TestManagerHardErrorStopsLaterBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := newFakeBackend("a"), newFakeBackend("b")
	a.store.lookupErr = &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}
	m := NewManager([]Backend{a, b})
	require.NoError(t, m.EnsureTable(ctx, "t"))

	_, err := m.UpsertBatch(ctx, "t", []records.Record{{"serialNumber": "1"}})
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
	assert.Contains(t, err.Error(), "on a")
	assert.Equal(t, 0, b.schemaCalls, "backend after the failing one must not be attempted")
}

func TestManagerEnsureTableFailsFast(t *testing.T) {
	t.Parallel()

	a, b := newFakeBackend("a"), newFakeBackend("b")
	a.ensureTableErr = errors.New("permission denied")
	m := NewManager([]Backend{a, b})

	err := m.EnsureTable(context.Background(), "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, Uninitialized, m.State(0))
	assert.Equal(t, Uninitialized, m.State(1))
}

func TestManagerEnsureSchemaErrorIsHard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newFakeBackend("a")
	a.ensureSchemaErr = errors.New("catalog unreadable")
	m := NewManager([]Backend{a})
	require.NoError(t, m.EnsureTable(ctx, "t"))

	_, err := m.UpsertBatch(ctx, "t", []records.Record{{"k": "v"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure schema")
}

func TestManagerLifecycleErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newFakeBackend("a")
	m := NewManager([]Backend{a})

	_, err := m.UpsertBatch(ctx, "t", []records.Record{{"k": "v"}})
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.EnsureTable(ctx, "t"))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, a.closeCalls)

	_, err = m.UpsertBatch(ctx, "t", []records.Record{{"k": "v"}})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.HealthCheck(ctx), ErrClosed)
	assert.ErrorIs(t, m.EnsureTable(ctx, "t"), ErrClosed)
}

func TestManagerHealthCheckNamesBackend(t *testing.T) {
	t.Parallel()

	a, b := newFakeBackend("sqlite"), newFakeBackend("mssql")
	b.healthErr = errors.New("login failed")
	m := NewManager([]Backend{a, b})

	err := m.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mssql")
	assert.Equal(t, []string{"sqlite", "mssql"}, m.BackendNames())
}

func TestManagerCloseAttemptsAll(t *testing.T) {
	t.Parallel()

	a, b := newFakeBackend("a"), newFakeBackend("b")
	a.closeErr = errors.New("boom")
	m := NewManager([]Backend{a, b})

	err := m.Close()
	require.Error(t, err)
	assert.Equal(t, 1, b.closeCalls)
	assert.Equal(t, Closed, m.State(0))
	assert.Equal(t, Closed, m.State(1))
}

func TestManagerEmptyBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newFakeBackend("a")
	m := NewManager([]Backend{a})
	require.NoError(t, m.EnsureTable(ctx, "t"))

	sum, err := m.UpsertBatch(ctx, "t", nil)
	require.NoError(t, err)
	assert.Zero(t, sum.Stored)
	assert.Zero(t, a.schemaCalls)
}
