package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/xpucat/xpucat/internal/build"
	"github.com/xpucat/xpucat/internal/concurrency"
	"github.com/xpucat/xpucat/internal/hash"
	"github.com/xpucat/xpucat/internal/retry"
	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/policy"
	"github.com/xpucat/xpucat/pkg/storage"
)

var chunkCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "ingestion_chunk_count",
	Help:      "The total number of ingestion chunks by result.",
}, []string{"result"})

const defaultMaxConcurrentDocuments = 4

// Applier is the supersession engine as seen by the pipeline.
type Applier interface {
	Apply(ctx context.Context, record *storage.RegionRecord) (Outcome, error)
}

// Pipeline ingests parsed documents region by region with chunk-granular
// resume. Chunks of one document are strictly sequential: the ledger's
// committed offset must advance monotonically and each chunk's supersession
// outcome can affect the next chunk's read of the active state. Different
// documents may be ingested concurrently.
type Pipeline struct {
	ledger                 storage.ProgressLedger
	engine                 Applier
	store                  storage.RegionStore
	retry                  retry.Policy
	logger                 logger.Logger
	maxConcurrentDocuments int
}

type PipelineOpt func(p *Pipeline)

func WithMaxConcurrentDocuments(n int) PipelineOpt {
	return func(p *Pipeline) {
		p.maxConcurrentDocuments = n
	}
}

// WithOrphanDetection makes the pipeline flag active records whose identity
// no longer appears in the re-published document, typically because the
// region moved. Orphans are reported, never deactivated: whether a stale
// placement should die is an operator decision.
func WithOrphanDetection(store storage.RegionStore) PipelineOpt {
	return func(p *Pipeline) {
		p.store = store
	}
}

// NewPipeline wires a pipeline.
func NewPipeline(ledger storage.ProgressLedger, engine Applier, retryPolicy retry.Policy, log logger.Logger, opts ...PipelineOpt) *Pipeline {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	p := &Pipeline{
		ledger:                 ledger,
		engine:                 engine,
		retry:                  retryPolicy,
		logger:                 log,
		maxConcurrentDocuments: defaultMaxConcurrentDocuments,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests one parsed document identified by sourcePath. A document
// already marked DONE is skipped entirely. A FAILED or interrupted document
// resumes from the chunk after the last committed one; earlier chunks are
// never reprocessed and never rolled back, since they are independently
// valid logical regions.
func (p *Pipeline) Run(ctx context.Context, sourcePath string, doc *policy.Document) error {
	runID := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	log := p.logger
	progress, err := p.ledger.Get(ctx, sourcePath)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		progress = storage.NewIngestionProgress(sourcePath)
		if err := p.ledger.Upsert(ctx, progress); err != nil {
			return fmt.Errorf("record pending document %s: %w", sourcePath, err)
		}
	case err != nil:
		return fmt.Errorf("read ingestion progress for %s: %w", sourcePath, err)
	}

	if progress.Status == storage.StatusDone {
		log.InfoWithContext(ctx, "document already ingested, skipping",
			zap.String("source_path", sourcePath),
			zap.String("run_id", runID),
		)
		return nil
	}

	resumeFrom := progress.LastCommittedChunk + 1
	log.InfoWithContext(ctx, "starting document ingestion",
		zap.String("source_path", sourcePath),
		zap.String("run_id", runID),
		zap.Int("resume_from_chunk", resumeFrom),
		zap.Int("total_chunks", doc.Len()),
	)

	progress.Status = storage.StatusInProgress
	progress.LastError = ""
	if err := p.ledger.Upsert(ctx, progress); err != nil {
		return fmt.Errorf("mark document %s in progress: %w", sourcePath, err)
	}

	for idx, region := range doc.Regions() {
		if idx <= progress.LastCommittedChunk {
			continue
		}

		if err := p.ingestChunk(ctx, doc, sourcePath, idx, region); err != nil {
			chunkCounter.WithLabelValues("failed").Inc()
			return p.failDocument(ctx, progress, idx, err)
		}

		if err := p.ledger.Advance(ctx, sourcePath, idx); err != nil {
			chunkCounter.WithLabelValues("failed").Inc()
			return p.failDocument(ctx, progress, idx, fmt.Errorf("advance ledger: %w", err))
		}
		progress.LastCommittedChunk = idx
		chunkCounter.WithLabelValues("committed").Inc()
	}

	progress.Status = storage.StatusDone
	progress.LastError = ""
	if err := p.ledger.Upsert(ctx, progress); err != nil {
		return fmt.Errorf("mark document %s done: %w", sourcePath, err)
	}

	p.flagOrphans(ctx, sourcePath, doc)

	log.InfoWithContext(ctx, "document ingestion complete",
		zap.String("source_path", sourcePath),
		zap.String("run_id", runID),
	)
	return nil
}

// flagOrphans reports active records in the document's scopes whose identity
// is absent from the document just ingested. A moved region leaves its old
// placement behind as a new-identity insert; the stale record stays active
// until an operator deactivates it, so it is surfaced loudly here.
func (p *Pipeline) flagOrphans(ctx context.Context, sourcePath string, doc *policy.Document) {
	if p.store == nil {
		return
	}

	seen := make(map[string]struct{}, doc.Len())
	units := map[string]struct{}{}
	for _, region := range doc.Regions() {
		seen[hash.Identity(doc.Project, region)] = struct{}{}
		units[region.Unit] = struct{}{}
	}

	for unit := range units {
		scope := storage.ScopeKey{Project: doc.Project, Version: doc.Version, Unit: unit}
		records, err := p.store.ActiveByScope(ctx, scope)
		if err != nil {
			p.logger.WarnWithContext(ctx, "orphan scan failed",
				zap.String("source_path", sourcePath),
				zap.String("scope", scope.String()),
				zap.Error(err),
			)
			continue
		}

		for _, rec := range records {
			if _, ok := seen[rec.IdentityKey]; ok {
				continue
			}
			p.logger.WarnWithContext(ctx, "active region absent from re-published document",
				zap.String("source_path", sourcePath),
				zap.String("record_id", rec.ID),
				zap.String("unit", rec.Unit),
				zap.Int("region_index", rec.RegionIndex),
				zap.String("start", rec.StartHex),
				zap.String("end", rec.EndHex),
			)
		}
	}
}

// RunAll ingests several documents through a bounded pool. Per-document
// failures fail the batch but never interrupt another document mid-chunk.
func (p *Pipeline) RunAll(ctx context.Context, docs map[string]*policy.Document) error {
	pool := concurrency.NewPool(ctx, p.maxConcurrentDocuments)
	for sourcePath, doc := range docs {
		pool.Go(func(ctx context.Context) error {
			return p.Run(ctx, sourcePath, doc)
		})
	}
	return pool.Wait()
}

func (p *Pipeline) ingestChunk(ctx context.Context, doc *policy.Document, sourcePath string, idx int, region policy.ParsedRegion) error {
	// Malformed regions are rejected before any hashing is attempted.
	if err := region.Validate(); err != nil {
		return fmt.Errorf("chunk %d: %w", idx, err)
	}

	record := buildRecord(doc, region)

	label := fmt.Sprintf("%s chunk %d", sourcePath, idx)
	return p.retry.Run(ctx, label, func(ctx context.Context) error {
		outcome, err := p.engine.Apply(ctx, record)
		if err != nil {
			return err
		}
		p.logger.DebugWithContext(ctx, "chunk applied",
			zap.String("source_path", sourcePath),
			zap.Int("chunk", idx),
			zap.String("outcome", string(outcome)),
		)
		return nil
	})
}

// failDocument downgrades retry exhaustion to a FAILED ledger row. The
// committed offset still points at the last good chunk, so a future run
// resumes exactly where this one stopped.
func (p *Pipeline) failDocument(ctx context.Context, progress *storage.IngestionProgress, chunk int, cause error) error {
	progress.Status = storage.StatusFailed
	progress.LastError = cause.Error()
	if err := p.ledger.Upsert(ctx, progress); err != nil {
		p.logger.ErrorWithContext(ctx, "failed to record FAILED ledger entry",
			zap.String("source_path", progress.SourcePath),
			zap.Error(err),
		)
	}

	p.logger.ErrorWithContext(ctx, "document ingestion failed",
		zap.String("source_path", progress.SourcePath),
		zap.Int("chunk", chunk),
		zap.Int("last_committed_chunk", progress.LastCommittedChunk),
		zap.Error(cause),
	)
	return fmt.Errorf("ingest %s failed at chunk %d: %w", progress.SourcePath, chunk, cause)
}

func buildRecord(doc *policy.Document, region policy.ParsedRegion) *storage.RegionRecord {
	return &storage.RegionRecord{
		ID:           uuid.NewString(),
		IdentityKey:  hash.Identity(doc.Project, region),
		ContentHash:  hash.Content(doc.Project, region),
		Project:      doc.Project,
		Version:      doc.Version,
		Unit:         region.Unit,
		RegionIndex:  region.RegionIndex,
		Profile:      region.Profile,
		StartAddr:    region.StartAddr,
		EndAddr:      region.EndAddr,
		StartHex:     region.StartHex,
		EndHex:       region.EndHex,
		ReadDomains:  region.ReadDomains,
		WriteDomains: region.WriteDomains,
		RawPayload:   region.RawPayload,
		Active:       true,
	}
}
