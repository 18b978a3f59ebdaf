package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xpucat/xpucat/pkg/storage"
)

func testRecord(id, identityKey string, regionIndex int) *storage.RegionRecord {
	return &storage.RegionRecord{
		ID:           id,
		IdentityKey:  identityKey,
		ContentHash:  "content-" + id,
		Project:      "KAILUA",
		Version:      "2.1",
		Unit:         "MPU_APPS",
		RegionIndex:  regionIndex,
		Profile:      "TZ",
		StartAddr:    0x1000,
		EndAddr:      0x1FFF,
		StartHex:     "0x00001000",
		EndHex:       "0x00001FFF",
		ReadDomains:  []string{"APPS"},
		WriteDomains: []string{"APPS"},
		Active:       true,
	}
}

func TestInsertAndActiveByIdentity(t *testing.T) {
	ctx := context.Background()
	backend := New()

	_, err := backend.ActiveByIdentity(ctx, "identity-a")
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec := testRecord("rec-1", "identity-a", 0)
	require.NoError(t, backend.Insert(ctx, rec))

	got, err := backend.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Equal(t, "rec-1", got.ID)
	require.False(t, got.InsertedAt.IsZero())

	// Duplicate ids collide.
	require.ErrorIs(t, backend.Insert(ctx, testRecord("rec-1", "identity-b", 1)), storage.ErrCollision)
}

func TestInsertRejectsInvalidRecords(t *testing.T) {
	backend := New()
	rec := testRecord("rec-1", "identity-a", 0)
	rec.Project = ""
	require.Error(t, backend.Insert(context.Background(), rec))
}

func TestActiveByIdentityDetectsConsistencyViolation(t *testing.T) {
	ctx := context.Background()
	backend := New()
	require.NoError(t, backend.Insert(ctx, testRecord("rec-1", "identity-a", 0)))
	require.NoError(t, backend.Insert(ctx, testRecord("rec-2", "identity-a", 0)))

	_, err := backend.ActiveByIdentity(ctx, "identity-a")
	require.ErrorIs(t, err, storage.ErrConsistencyViolation)
}

func TestSupersedeSwapsActiveRecord(t *testing.T) {
	ctx := context.Background()
	backend := New()
	old := testRecord("rec-1", "identity-a", 0)
	require.NoError(t, backend.Insert(ctx, old))

	replacement := testRecord("rec-2", "identity-a", 0)
	replacement.ContentHash = "content-updated"
	replacement.SupersedesID = old.ID
	require.NoError(t, backend.Supersede(ctx, old.ID, replacement))

	got, err := backend.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Equal(t, "rec-2", got.ID)
	require.Equal(t, "rec-1", got.SupersedesID)
}

func TestSupersedeUnknownIDIsNotFound(t *testing.T) {
	backend := New()
	err := backend.Supersede(context.Background(), "missing", testRecord("rec-2", "identity-a", 0))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestActiveByScopeOrdersByRegionIndexThenStart(t *testing.T) {
	ctx := context.Background()
	backend := New()

	second := testRecord("rec-b", "identity-b", 2)
	first := testRecord("rec-a", "identity-a", 1)
	require.NoError(t, backend.Insert(ctx, second))
	require.NoError(t, backend.Insert(ctx, first))

	other := testRecord("rec-c", "identity-c", 0)
	other.Unit = "MPU_MODEM"
	require.NoError(t, backend.Insert(ctx, other))

	records, err := backend.ActiveByScope(ctx, storage.ScopeKey{Project: "KAILUA", Version: "2.1", Unit: "MPU_APPS"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "rec-a", records[0].ID)
	require.Equal(t, "rec-b", records[1].ID)
}

func TestActiveByRegionIndexFiltersByProfile(t *testing.T) {
	ctx := context.Background()
	backend := New()

	tz := testRecord("rec-a", "identity-a", 0)
	hlos := testRecord("rec-b", "identity-b", 0)
	hlos.Profile = "HLOS"
	hlos.StartAddr = 0x2000
	hlos.EndAddr = 0x2FFF
	require.NoError(t, backend.Insert(ctx, tz))
	require.NoError(t, backend.Insert(ctx, hlos))

	scope := storage.ScopeKey{Project: "KAILUA", Version: "2.1", Unit: "MPU_APPS"}
	records, err := backend.ActiveByRegionIndex(ctx, scope, 0, "HLOS")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "rec-b", records[0].ID)

	records, err = backend.ActiveByRegionIndex(ctx, scope, 0, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestStoredRecordsAreIsolatedFromCallers(t *testing.T) {
	ctx := context.Background()
	backend := New()
	rec := testRecord("rec-1", "identity-a", 0)
	require.NoError(t, backend.Insert(ctx, rec))

	// Mutating the inserted value or a returned copy must not leak into the
	// store.
	rec.ReadDomains[0] = "TAMPERED"
	got, err := backend.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Equal(t, []string{"APPS"}, got.ReadDomains)

	got.ReadDomains[0] = "ALSO_TAMPERED"
	again, err := backend.ActiveByIdentity(ctx, "identity-a")
	require.NoError(t, err)
	require.Equal(t, []string{"APPS"}, again.ReadDomains)
}

func TestProgressLedger(t *testing.T) {
	ctx := context.Background()
	backend := New()

	_, err := backend.Get(ctx, "policies/a.xml")
	require.ErrorIs(t, err, storage.ErrNotFound)

	row := storage.NewIngestionProgress("policies/a.xml")
	require.NoError(t, backend.Upsert(ctx, row))

	got, err := backend.Get(ctx, "policies/a.xml")
	require.NoError(t, err)
	require.Equal(t, storage.StatusPending, got.Status)
	require.Equal(t, storage.NoChunkCommitted, got.LastCommittedChunk)

	require.NoError(t, backend.Advance(ctx, "policies/a.xml", 4))
	got, err = backend.Get(ctx, "policies/a.xml")
	require.NoError(t, err)
	require.Equal(t, 4, got.LastCommittedChunk)

	require.ErrorIs(t, backend.Advance(ctx, "policies/missing.xml", 0), storage.ErrNotFound)

	got.Status = storage.StatusFailed
	got.LastError = "store unavailable"
	require.NoError(t, backend.Upsert(ctx, got))

	final, err := backend.Get(ctx, "policies/a.xml")
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, final.Status)
	require.Equal(t, "store unavailable", final.LastError)
	require.Equal(t, 4, final.LastCommittedChunk)
}

func TestUpsertRejectsUnknownStatus(t *testing.T) {
	backend := New()
	err := backend.Upsert(context.Background(), &storage.IngestionProgress{
		SourcePath: "policies/a.xml",
		Status:     "EXPLODED",
	})
	require.Error(t, err)
}
