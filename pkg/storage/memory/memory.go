// Package memory provides an ephemeral memory-backed implementation of the
// region store and progress ledger, used in tests and for local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xpucat/xpucat/pkg/storage"
)

// Backend implements [storage.RegionStore] and [storage.ProgressLedger].
// Instances may be safely shared by multiple goroutines.
type Backend struct {
	// map: record id => record
	records map[string]*storage.RegionRecord // GUARDED_BY(mutexRecords).
	// insertion order of record ids, for deterministic scans
	order        []string // GUARDED_BY(mutexRecords).
	mutexRecords sync.RWMutex

	// map: source path => progress row
	progress      map[string]*storage.IngestionProgress // GUARDED_BY(mutexProgress).
	mutexProgress sync.RWMutex
}

var (
	_ storage.RegionStore    = (*Backend)(nil)
	_ storage.ProgressLedger = (*Backend)(nil)
)

// New creates an empty [Backend].
func New() *Backend {
	return &Backend{
		records:  map[string]*storage.RegionRecord{},
		progress: map[string]*storage.IngestionProgress{},
	}
}

// Close see [storage.RegionStore].Close.
func (b *Backend) Close() {}

// ActiveByIdentity see [storage.RegionStore].ActiveByIdentity.
func (b *Backend) ActiveByIdentity(_ context.Context, identityKey string) (*storage.RegionRecord, error) {
	b.mutexRecords.RLock()
	defer b.mutexRecords.RUnlock()

	var found *storage.RegionRecord
	active := 0
	for _, id := range b.order {
		rec := b.records[id]
		if rec.IdentityKey == identityKey && rec.Active {
			active++
			found = rec
		}
	}

	switch active {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return copyRecord(found), nil
	default:
		return nil, storage.ConsistencyViolationError(identityKey, active)
	}
}

// ActiveByScope see [storage.RegionStore].ActiveByScope.
func (b *Backend) ActiveByScope(_ context.Context, scope storage.ScopeKey) ([]*storage.RegionRecord, error) {
	b.mutexRecords.RLock()
	defer b.mutexRecords.RUnlock()

	var out []*storage.RegionRecord
	for _, id := range b.order {
		rec := b.records[id]
		if rec.Active && rec.Scope() == scope {
			out = append(out, copyRecord(rec))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RegionIndex != out[j].RegionIndex {
			return out[i].RegionIndex < out[j].RegionIndex
		}
		return out[i].StartAddr < out[j].StartAddr
	})
	return out, nil
}

// ActiveByRegionIndex see [storage.RegionStore].ActiveByRegionIndex.
func (b *Backend) ActiveByRegionIndex(ctx context.Context, scope storage.ScopeKey, regionIndex int, profile string) ([]*storage.RegionRecord, error) {
	all, err := b.ActiveByScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	var out []*storage.RegionRecord
	for _, rec := range all {
		if rec.RegionIndex != regionIndex {
			continue
		}
		if profile != "" && rec.Profile != profile {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Insert see [storage.RegionStore].Insert.
func (b *Backend) Insert(_ context.Context, record *storage.RegionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	b.mutexRecords.Lock()
	defer b.mutexRecords.Unlock()

	if _, ok := b.records[record.ID]; ok {
		return storage.ErrCollision
	}

	stored := copyRecord(record)
	if stored.InsertedAt.IsZero() {
		stored.InsertedAt = time.Now().UTC()
	}
	b.records[record.ID] = stored
	b.order = append(b.order, record.ID)
	return nil
}

// Supersede see [storage.RegionStore].Supersede. Both mutations happen under
// one lock so readers observe exactly one active row for the identity.
func (b *Backend) Supersede(_ context.Context, supersededID string, replacement *storage.RegionRecord) error {
	if err := replacement.Validate(); err != nil {
		return err
	}

	b.mutexRecords.Lock()
	defer b.mutexRecords.Unlock()

	old, ok := b.records[supersededID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := b.records[replacement.ID]; ok {
		return storage.ErrCollision
	}

	old.Active = false

	stored := copyRecord(replacement)
	stored.Active = true
	if stored.InsertedAt.IsZero() {
		stored.InsertedAt = time.Now().UTC()
	}
	b.records[replacement.ID] = stored
	b.order = append(b.order, replacement.ID)
	return nil
}

// Get see [storage.ProgressLedger].Get.
func (b *Backend) Get(_ context.Context, sourcePath string) (*storage.IngestionProgress, error) {
	b.mutexProgress.RLock()
	defer b.mutexProgress.RUnlock()

	row, ok := b.progress[sourcePath]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

// Upsert see [storage.ProgressLedger].Upsert.
func (b *Backend) Upsert(_ context.Context, progress *storage.IngestionProgress) error {
	if err := progress.Validate(); err != nil {
		return err
	}

	b.mutexProgress.Lock()
	defer b.mutexProgress.Unlock()

	cp := *progress
	cp.UpdatedAt = time.Now().UTC()
	b.progress[progress.SourcePath] = &cp
	return nil
}

// Advance see [storage.ProgressLedger].Advance.
func (b *Backend) Advance(_ context.Context, sourcePath string, chunk int) error {
	b.mutexProgress.Lock()
	defer b.mutexProgress.Unlock()

	row, ok := b.progress[sourcePath]
	if !ok {
		return storage.ErrNotFound
	}
	row.LastCommittedChunk = chunk
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func copyRecord(r *storage.RegionRecord) *storage.RegionRecord {
	cp := *r
	cp.ReadDomains = append([]string(nil), r.ReadDomains...)
	cp.WriteDomains = append([]string(nil), r.WriteDomains...)
	return &cp
}
