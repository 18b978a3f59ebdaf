package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xpucat/xpucat/pkg/storage"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	uri := "file:" + filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, RunMigrations(context.Background(), MigrationConfig{
		URI:     uri,
		Timeout: 10 * time.Second,
	}))

	ds, err := New(uri, nil)
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func testRecord(id, identityKey string) *storage.RegionRecord {
	return &storage.RegionRecord{
		ID:           id,
		IdentityKey:  identityKey,
		ContentHash:  "content-" + id,
		Project:      "KAILUA",
		Version:      "2.1",
		Unit:         "MPU_APPS",
		RegionIndex:  0,
		Profile:      "TZ",
		StartAddr:    0x80000000,
		EndAddr:      0x80FFFFFF,
		StartHex:     "0x80000000",
		EndHex:       "0x80FFFFFF",
		ReadDomains:  []string{"APPS", "MODEM"},
		WriteDomains: []string{"APPS"},
		RawPayload:   "<PRTn>reset vector</PRTn>",
		Active:       true,
	}
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("file:catalog.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28WAL%29")
	require.Contains(t, dsn, "busy_timeout%28100%29")
	require.Contains(t, dsn, "_txlock=immediate")

	// Caller-provided pragmas win over the defaults.
	dsn, err = PrepareDSN("file:catalog.db?_pragma=journal_mode(DELETE)")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode%28DELETE%29")
	require.NotContains(t, dsn, "journal_mode%28WAL%29")

	_, err = PrepareDSN("file:catalog.db?_pragma=%zz")
	require.Error(t, err)
}

func TestInsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	rec := testRecord("rec-1", "identity-a")
	require.NoError(t, ds.Insert(ctx, rec))

	got, err := ds.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.ContentHash, got.ContentHash)
	require.Equal(t, uint64(0x80000000), got.StartAddr)
	require.Equal(t, uint64(0x80FFFFFF), got.EndAddr)
	require.Equal(t, []string{"APPS", "MODEM"}, got.ReadDomains)
	require.Equal(t, []string{"APPS"}, got.WriteDomains)
	require.Empty(t, got.SupersedesID)
	require.True(t, got.Active)
	require.False(t, got.InsertedAt.IsZero())

	require.ErrorIs(t, ds.Insert(ctx, testRecord("rec-1", "identity-b")), storage.ErrCollision)
}

func TestInsertHandlesEmptyDomains(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	rec := testRecord("rec-1", "identity-a")
	rec.ReadDomains = nil
	rec.WriteDomains = nil
	require.NoError(t, ds.Insert(ctx, rec))

	got, err := ds.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Nil(t, got.ReadDomains)
	require.Nil(t, got.WriteDomains)
}

func TestActiveByIdentityMissingIsNotFound(t *testing.T) {
	ds := newTestDatastore(t)
	_, err := ds.ActiveByIdentity(context.Background(), "identity-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestActiveByIdentityDetectsConsistencyViolation(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	require.NoError(t, ds.Insert(ctx, testRecord("rec-1", "identity-a")))
	require.NoError(t, ds.Insert(ctx, testRecord("rec-2", "identity-a")))

	_, err := ds.ActiveByIdentity(ctx, "identity-a")
	require.ErrorIs(t, err, storage.ErrConsistencyViolation)
}

func TestSupersedeIsAtomicSwap(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	old := testRecord("rec-1", "identity-a")
	require.NoError(t, ds.Insert(ctx, old))

	replacement := testRecord("rec-2", "identity-a")
	replacement.ContentHash = "content-updated"
	replacement.SupersedesID = old.ID
	require.NoError(t, ds.Supersede(ctx, old.ID, replacement))

	got, err := ds.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Equal(t, "rec-2", got.ID)
	require.Equal(t, "rec-1", got.SupersedesID)

	// Superseding an already-inactive record must fail: the active row was
	// already replaced.
	third := testRecord("rec-3", "identity-a")
	require.ErrorIs(t, ds.Supersede(ctx, old.ID, third), storage.ErrNotFound)
}

func TestSupersedeUnknownIDIsNotFound(t *testing.T) {
	ds := newTestDatastore(t)
	err := ds.Supersede(context.Background(), "missing", testRecord("rec-2", "identity-a"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestActiveByScope(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	a := testRecord("rec-a", "identity-a")
	a.RegionIndex = 1
	b := testRecord("rec-b", "identity-b")
	b.RegionIndex = 0
	c := testRecord("rec-c", "identity-c")
	c.Unit = "MPU_MODEM"
	for _, rec := range []*storage.RegionRecord{a, b, c} {
		require.NoError(t, ds.Insert(ctx, rec))
	}

	records, err := ds.ActiveByScope(ctx, storage.ScopeKey{Project: "KAILUA", Version: "2.1", Unit: "MPU_APPS"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "rec-b", records[0].ID)
	require.Equal(t, "rec-a", records[1].ID)
}

func TestActiveByRegionIndex(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	tz := testRecord("rec-a", "identity-a")
	hlos := testRecord("rec-b", "identity-b")
	hlos.Profile = "HLOS"
	require.NoError(t, ds.Insert(ctx, tz))
	require.NoError(t, ds.Insert(ctx, hlos))

	scope := storage.ScopeKey{Project: "KAILUA", Version: "2.1", Unit: "MPU_APPS"}
	records, err := ds.ActiveByRegionIndex(ctx, scope, 0, "HLOS")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "rec-b", records[0].ID)

	records, err = ds.ActiveByRegionIndex(ctx, scope, 0, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestProgressLedger(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Get(ctx, "policies/a.xml")
	require.ErrorIs(t, err, storage.ErrNotFound)

	row := storage.NewIngestionProgress("policies/a.xml")
	require.NoError(t, ds.Upsert(ctx, row))

	got, err := ds.Get(ctx, "policies/a.xml")
	require.NoError(t, err)
	require.Equal(t, storage.StatusPending, got.Status)
	require.Equal(t, storage.NoChunkCommitted, got.LastCommittedChunk)
	require.Empty(t, got.LastError)

	require.NoError(t, ds.Advance(ctx, "policies/a.xml", 6))
	require.ErrorIs(t, ds.Advance(ctx, "policies/missing.xml", 0), storage.ErrNotFound)

	got.Status = storage.StatusFailed
	got.LastError = "store unavailable"
	got.LastCommittedChunk = 6
	require.NoError(t, ds.Upsert(ctx, got))

	final, err := ds.Get(ctx, "policies/a.xml")
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, final.Status)
	require.Equal(t, "store unavailable", final.LastError)
	require.Equal(t, 6, final.LastCommittedChunk)
}

func TestHandleSQLError(t *testing.T) {
	require.ErrorIs(t, HandleSQLError(sql.ErrNoRows), storage.ErrNotFound)

	err := HandleSQLError(sql.ErrConnDone)
	require.ErrorIs(t, err, storage.ErrTransient)
	require.True(t, strings.Contains(err.Error(), "sql error"))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	uri := "file:" + filepath.Join(t.TempDir(), "catalog.db")
	cfg := MigrationConfig{URI: uri, Timeout: 10 * time.Second}
	require.NoError(t, RunMigrations(context.Background(), cfg))
	require.NoError(t, RunMigrations(context.Background(), cfg))
}
