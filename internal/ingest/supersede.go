// Package ingest drives document ingestion: the supersession engine decides
// what each parsed region means against the currently active catalog, and
// the pipeline walks documents chunk by chunk with durable resume points.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/xpucat/xpucat/internal/build"
	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/storage"
)

var applyOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "supersession_outcome_count",
	Help:      "The total number of supersession engine applications by outcome.",
}, []string{"outcome"})

// Outcome is the supersession engine's decision for one parsed region.
type Outcome string

const (
	OutcomeInsertedNew     Outcome = "INSERTED_NEW"
	OutcomeSkippedNoChange Outcome = "SKIPPED_NO_CHANGE"
	OutcomeSuperseded      Outcome = "SUPERSEDED"
)

// ScopeInvalidator receives the rebuild signal for a scope whose active set
// changed. The interval index implements this.
type ScopeInvalidator interface {
	Invalidate(scope storage.ScopeKey)
}

// PayloadEvictor drops a superseded region's payload entry from the read
// cache. The cache layer implements this.
type PayloadEvictor interface {
	Evict(key string)
}

// SearchIndex is the secondary index regions are pushed to for semantic
// lookup. The record id doubles as the external index key, which makes
// removal on supersession deterministic. Semantic search itself lives
// outside this repository.
type SearchIndex interface {
	Insert(ctx context.Context, recordID string, fields map[string]string) error
	Delete(ctx context.Context, recordID string) error
}

// NoopSearchIndex satisfies [SearchIndex] when no external index is wired.
type NoopSearchIndex struct{}

func (NoopSearchIndex) Insert(context.Context, string, map[string]string) error { return nil }
func (NoopSearchIndex) Delete(context.Context, string) error                    { return nil }

// Superseder applies parsed regions against the authoritative store while
// maintaining the at-most-one-active-record-per-identity invariant.
type Superseder struct {
	store  storage.RegionStore
	index  ScopeInvalidator
	cache  PayloadEvictor
	search SearchIndex
	logger logger.Logger
}

// NewSuperseder wires the engine. index, cache and search may not be nil;
// pass [NoopSearchIndex] when no external index exists.
func NewSuperseder(store storage.RegionStore, index ScopeInvalidator, cache PayloadEvictor, search SearchIndex, log logger.Logger) *Superseder {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Superseder{store: store, index: index, cache: cache, search: search, logger: log}
}

// Apply decides whether record is new, unchanged, or a replacement for the
// previously active record of its identity, and commits the decision.
// The deactivate-then-insert of a supersession is a single durable
// transaction; a reader never observes zero or two active rows.
func (s *Superseder) Apply(ctx context.Context, record *storage.RegionRecord) (Outcome, error) {
	existing, err := s.store.ActiveByIdentity(ctx, record.IdentityKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.insertFirstVersion(ctx, record)

	case errors.Is(err, storage.ErrConsistencyViolation):
		// Never silently resolved: two active rows mean a supersession bug.
		s.logger.ErrorWithContext(ctx, "integrity error reading active record",
			zap.String("identity_key", record.IdentityKey),
			zap.Error(err),
		)
		return "", err

	case err != nil:
		return "", err
	}

	if existing.ContentHash == record.ContentHash {
		applyOutcomeCounter.WithLabelValues(string(OutcomeSkippedNoChange)).Inc()
		return OutcomeSkippedNoChange, nil
	}

	return s.supersede(ctx, existing, record)
}

func (s *Superseder) insertFirstVersion(ctx context.Context, record *storage.RegionRecord) (Outcome, error) {
	record.Active = true
	if err := s.store.Insert(ctx, record); err != nil {
		return "", err
	}

	if err := s.search.Insert(ctx, record.ID, searchFields(record)); err != nil {
		return "", err
	}

	s.index.Invalidate(record.Scope())
	applyOutcomeCounter.WithLabelValues(string(OutcomeInsertedNew)).Inc()

	s.logger.DebugWithContext(ctx, "inserted first region version",
		zap.String("unit", record.Unit),
		zap.Int("region_index", record.RegionIndex),
	)
	return OutcomeInsertedNew, nil
}

func (s *Superseder) supersede(ctx context.Context, existing, record *storage.RegionRecord) (Outcome, error) {
	record.Active = true
	record.SupersedesID = existing.ID

	if err := s.store.Supersede(ctx, existing.ID, record); err != nil {
		return "", fmt.Errorf("supersede %s: %w", existing.ID, err)
	}

	// The old payload must not be served from cache, and the old external
	// index entry must go away with it.
	s.cache.Evict(storage.GetRegionPayloadCacheKey(existing.ID))
	if err := s.search.Delete(ctx, existing.ID); err != nil {
		return "", err
	}
	if err := s.search.Insert(ctx, record.ID, searchFields(record)); err != nil {
		return "", err
	}

	s.index.Invalidate(record.Scope())
	applyOutcomeCounter.WithLabelValues(string(OutcomeSuperseded)).Inc()

	s.logger.InfoWithContext(ctx, "superseded region record",
		zap.String("unit", record.Unit),
		zap.Int("region_index", record.RegionIndex),
		zap.String("superseded_id", existing.ID),
	)
	return OutcomeSuperseded, nil
}

func searchFields(record *storage.RegionRecord) map[string]string {
	return map[string]string{
		"project":  record.Project,
		"version":  record.Version,
		"unit":     record.Unit,
		"rg_index": fmt.Sprintf("%d", record.RegionIndex),
		"profile":  record.Profile,
		"start":    record.StartHex,
		"end":      record.EndHex,
	}
}
