// Package storage defines the persistence contracts for the policy-region
// catalog: the authoritative region store and the ingestion progress ledger.
package storage

import (
	"context"
	"fmt"
)

// ScopeKey groups regions for interval-index construction and existence
// markers. Version is always concrete here; defaulting to the latest
// published version happens in the resolution layer.
type ScopeKey struct {
	Project string
	Version string
	Unit    string
}

func (s ScopeKey) String() string {
	return fmt.Sprintf("%s|%s|%s", s.Project, s.Version, s.Unit)
}

// RegionStore is the authoritative store of region records. There is one row
// per (identity, ingestion instance); rows are never deleted, only flipped
// inactive by a supersession. The store itself does not enforce the
// one-active-row-per-identity invariant, the supersession engine does.
type RegionStore interface {
	// ActiveByIdentity returns the single active record for the identity
	// key, ErrNotFound if none, or ErrConsistencyViolation if more than one
	// active row exists.
	ActiveByIdentity(ctx context.Context, identityKey string) (*RegionRecord, error)

	// ActiveByScope returns all active records under (project, version,
	// unit), ordered by region index then start address.
	ActiveByScope(ctx context.Context, scope ScopeKey) ([]*RegionRecord, error)

	// ActiveByRegionIndex returns the active records for a region number
	// within a scope, optionally narrowed by profile.
	ActiveByRegionIndex(ctx context.Context, scope ScopeKey, regionIndex int, profile string) ([]*RegionRecord, error)

	// Insert writes a new active record.
	Insert(ctx context.Context, record *RegionRecord) error

	// Supersede deactivates the record with the given id and inserts the
	// replacement as active, as a single durable transaction. Readers must
	// never observe zero or two active rows for the identity.
	Supersede(ctx context.Context, supersededID string, replacement *RegionRecord) error

	// Close releases the underlying connections.
	Close()
}

// ProgressLedger is the durable per-source-document ingestion checkpoint.
type ProgressLedger interface {
	// Get returns the progress row for the source path, or ErrNotFound.
	Get(ctx context.Context, sourcePath string) (*IngestionProgress, error)

	// Upsert writes the full progress row.
	Upsert(ctx context.Context, progress *IngestionProgress) error

	// Advance moves lastCommittedChunk forward for an in-progress document.
	Advance(ctx context.Context, sourcePath string, chunk int) error
}
