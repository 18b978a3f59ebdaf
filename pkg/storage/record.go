package storage

import (
	"fmt"
	"time"
)

// RegionRecord is one ingested version of a logical MPU/XPU region.
//
// IdentityKey is a hash of (project, unit, region index, profile, start, end)
// and is stable across re-ingestion of the same logical region. ContentHash
// covers the canonicalized full payload and changes when descriptive content
// (domains, rationale) changes without the region moving.
type RegionRecord struct {
	ID           string
	IdentityKey  string
	ContentHash  string
	Project      string
	Version      string
	Unit         string
	RegionIndex  int
	Profile      string
	StartAddr    uint64
	EndAddr      uint64
	StartHex     string
	EndHex       string
	ReadDomains  []string
	WriteDomains []string
	RawPayload   string
	Active       bool
	SupersedesID string
	InsertedAt   time.Time
}

// Validate rejects records that would be unqueryable if persisted. The
// ingestion pipeline calls this before hashing is attempted.
func (r *RegionRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("region record missing id")
	case r.IdentityKey == "":
		return fmt.Errorf("region record missing identity key")
	case r.ContentHash == "":
		return fmt.Errorf("region record missing content hash")
	case r.Project == "":
		return fmt.Errorf("region record missing project")
	case r.Version == "":
		return fmt.Errorf("region record missing version")
	case r.Unit == "":
		return fmt.Errorf("region record missing unit")
	case r.RegionIndex < 0:
		return fmt.Errorf("region record has negative region index %d", r.RegionIndex)
	case r.EndAddr < r.StartAddr:
		return fmt.Errorf("region record has end address %#x below start address %#x", r.EndAddr, r.StartAddr)
	}
	return nil
}

// Scope returns the scope key the record belongs to.
func (r *RegionRecord) Scope() ScopeKey {
	return ScopeKey{Project: r.Project, Version: r.Version, Unit: r.Unit}
}

// Extent is the size of the address range covered by the record.
func (r *RegionRecord) Extent() uint64 {
	return r.EndAddr - r.StartAddr
}

// IngestionStatus is the lifecycle state of one source document.
type IngestionStatus string

const (
	StatusPending    IngestionStatus = "PENDING"
	StatusInProgress IngestionStatus = "IN_PROGRESS"
	StatusDone       IngestionStatus = "DONE"
	StatusFailed     IngestionStatus = "FAILED"
)

func (s IngestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed:
		return true
	}
	return false
}

// NoChunkCommitted is the ledger value before any chunk of a document has
// been durably committed.
const NoChunkCommitted = -1

// IngestionProgress is the durable checkpoint row for one source document.
// A FAILED or IN_PROGRESS document is eligible for resume from
// LastCommittedChunk+1; a DONE document is skipped entirely.
type IngestionProgress struct {
	SourcePath         string
	Status             IngestionStatus
	LastCommittedChunk int
	LastError          string
	UpdatedAt          time.Time
}

// NewIngestionProgress returns a PENDING row for a document seen for the
// first time.
func NewIngestionProgress(sourcePath string) *IngestionProgress {
	return &IngestionProgress{
		SourcePath:         sourcePath,
		Status:             StatusPending,
		LastCommittedChunk: NoChunkCommitted,
	}
}

func (p *IngestionProgress) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("ingestion progress missing source path")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("ingestion progress has unknown status %q", p.Status)
	}
	if p.LastCommittedChunk < NoChunkCommitted {
		return fmt.Errorf("ingestion progress has invalid chunk index %d", p.LastCommittedChunk)
	}
	return nil
}
