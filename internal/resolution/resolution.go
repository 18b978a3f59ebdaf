// Package resolution is the public entry point of the catalog: it makes sure
// the requested scope has been ingested, then answers structural and
// address-based lookups from the interval index and the authoritative store.
package resolution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xpucat/xpucat/internal/ingest"
	"github.com/xpucat/xpucat/internal/interval"
	"github.com/xpucat/xpucat/internal/regioncache"
	"github.com/xpucat/xpucat/internal/retry"
	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/policy"
	"github.com/xpucat/xpucat/pkg/provider"
	"github.com/xpucat/xpucat/pkg/storage"
)

// Query selects regions. Version defaults to the latest published version
// for the project. Exactly one of the address fields or RegionNumber drives
// the lookup; with neither set, all active regions of the unit are returned.
type Query struct {
	Project      string
	Version      string
	Unit         string
	Addr         *uint64
	AddrRangeEnd *uint64
	RegionNumber *int
	Profile      string
}

// Coverage carries the overlap metadata for address queries.
type Coverage struct {
	OverlapStart string `json:"overlap_start"`
	OverlapEnd   string `json:"overlap_end"`
	OverlapSize  uint64 `json:"overlap_size"`
}

// RegionView is the caller-facing projection of a region record.
type RegionView struct {
	Unit         string    `json:"unit"`
	RegionIndex  int       `json:"region_index"`
	Profile      string    `json:"profile"`
	Start        string    `json:"start"`
	End          string    `json:"end"`
	ReadDomains  []string  `json:"read_domains,omitempty"`
	WriteDomains []string  `json:"write_domains,omitempty"`
	Coverage     *Coverage `json:"coverage,omitempty"`
}

// Engine answers resolution queries. An empty result set means "no policy
// found" and is not an error.
type Engine struct {
	store     storage.RegionStore
	cache     *regioncache.Cache
	index     *interval.Index
	provider  provider.Provider
	pipeline  *ingest.Pipeline
	retry     retry.Policy
	logger    logger.Logger
	markerTTL time.Duration

	// ingestGroup collapses concurrent lazy-ingestion requests for the same
	// scope to one catalog fetch.
	ingestGroup singleflight.Group
}

type EngineOpt func(e *Engine)

// WithMarkerTTL bounds how long an ingested (project, version) is trusted
// before resolution re-checks the catalog.
func WithMarkerTTL(ttl time.Duration) EngineOpt {
	return func(e *Engine) {
		e.markerTTL = ttl
	}
}

// NewEngine wires the resolution engine. All collaborators are injected;
// there is no process-wide state.
func NewEngine(
	store storage.RegionStore,
	cache *regioncache.Cache,
	index *interval.Index,
	catalog provider.Provider,
	pipeline *ingest.Pipeline,
	retryPolicy retry.Policy,
	log logger.Logger,
	opts ...EngineOpt,
) *Engine {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	e := &Engine{
		store:     store,
		cache:     cache,
		index:     index,
		provider:  catalog,
		pipeline:  pipeline,
		retry:     retryPolicy,
		logger:    log,
		markerTTL: regioncache.DefaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve answers one query. NotFound for an unknown project and consistency
// violations surface directly; transient storage errors are retried once
// before surfacing.
func (e *Engine) Resolve(ctx context.Context, q Query) ([]RegionView, error) {
	if q.Project == "" {
		return nil, fmt.Errorf("query missing project")
	}
	if (q.Addr != nil || q.RegionNumber != nil) && q.Unit == "" {
		return nil, fmt.Errorf("address and region-number queries require a unit name")
	}

	chip, err := e.resolveChip(ctx, q.Project)
	if err != nil {
		return nil, err
	}

	version := q.Version
	if version == "" {
		version, err = e.resolveLatestVersion(ctx, chip)
		if err != nil {
			return nil, err
		}
	}

	// Aliases collapse onto the canonical chip name so every spelling of the
	// project shares one ingested scope.
	if err := e.ensureIngested(ctx, chip, chip.Name, version); err != nil {
		return nil, err
	}

	views, err := e.dispatch(ctx, q, chip.Name, version)
	if storage.IsTransient(err) {
		e.logger.WarnWithContext(ctx, "retrying resolution after transient error", zap.Error(err))
		views, err = e.dispatch(ctx, q, chip.Name, version)
	}
	return views, err
}

// resolveChip maps a project name or alias to its catalog chip, through the
// cache layer. Unknown projects are NotFound, never retried.
func (e *Engine) resolveChip(ctx context.Context, project string) (provider.Chip, error) {
	key := storage.GetChipAliasCacheKey(project)
	value, err := e.cache.GetOrFetch(ctx, key, regioncache.DefaultEntryTTL, func(ctx context.Context) (any, error) {
		var chips []provider.Chip
		err := e.retry.Run(ctx, "list chips", func(ctx context.Context) error {
			var err error
			chips, err = e.provider.ListChips(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, chip := range chips {
			if strings.EqualFold(chip.Name, project) || strings.EqualFold(chip.Alias, project) {
				return chip, nil
			}
		}
		return nil, fmt.Errorf("project %q: %w", project, storage.ErrNotFound)
	})
	if err != nil {
		return provider.Chip{}, err
	}
	return value.(provider.Chip), nil
}

// resolveLatestVersion picks the highest published version for the chip,
// cached with its own TTL.
func (e *Engine) resolveLatestVersion(ctx context.Context, chip provider.Chip) (string, error) {
	key := storage.GetLatestVersionCacheKey(chip.ID)
	value, err := e.cache.GetOrFetch(ctx, key, regioncache.DefaultMarkerTTL, func(ctx context.Context) (any, error) {
		var docs []provider.PolicyDocument
		err := e.retry.Run(ctx, "list policy documents", func(ctx context.Context) error {
			var err error
			docs, err = e.provider.ListPolicyDocuments(ctx, chip.ID, "")
			return err
		})
		if err != nil {
			return nil, err
		}

		latest := ""
		for _, doc := range docs {
			if !doc.Published {
				continue
			}
			if latest == "" || versionLess(latest, doc.Version) {
				latest = doc.Version
			}
		}
		if latest == "" {
			return nil, fmt.Errorf("no published version for chip %s: %w", chip.ID, storage.ErrNotFound)
		}
		return latest, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// ensureIngested lazily ingests the scope when its existence marker is
// absent. Concurrent callers for the same scope share one ingestion run. A
// caller timeout abandons the wait but does not cancel the ingestion itself:
// the ingestion is a shared side effect that benefits future callers.
func (e *Engine) ensureIngested(ctx context.Context, chip provider.Chip, project, version string) error {
	markerKey := storage.GetScopeMarkerCacheKey(project, version)
	if e.cache.HasMarker(markerKey) {
		return nil
	}

	result := e.ingestGroup.DoChan(markerKey, func() (any, error) {
		bg := context.WithoutCancel(ctx)
		if err := e.ingestScope(bg, chip, version); err != nil {
			return nil, err
		}
		e.cache.SetMarker(markerKey, e.markerTTL)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-result:
		return res.Err
	}
}

func (e *Engine) ingestScope(ctx context.Context, chip provider.Chip, version string) error {
	var docs []provider.PolicyDocument
	err := e.retry.Run(ctx, "list policy documents", func(ctx context.Context) error {
		var err error
		docs, err = e.provider.ListPolicyDocuments(ctx, chip.ID, version)
		return err
	})
	if err != nil {
		return err
	}

	parsed := make(map[string]*policy.Document, len(docs))
	for _, doc := range docs {
		// Raw blobs are cached so a partially failed ingestion does not
		// re-download documents already fetched in this window.
		blobKey := storage.GetDocumentBlobCacheKey(chip.ID, doc.DocumentID)
		value, err := e.cache.GetOrFetch(ctx, blobKey, regioncache.DefaultEntryTTL, func(ctx context.Context) (any, error) {
			var raw []byte
			err := e.retry.Run(ctx, "fetch document "+doc.DocumentID, func(ctx context.Context) error {
				var err error
				raw, err = e.provider.FetchDocument(ctx, chip.ID, doc.DocumentID)
				return err
			})
			if err != nil {
				return nil, err
			}
			return raw, nil
		})
		if err != nil {
			return err
		}
		raw := value.([]byte)

		parsedDoc, err := policy.Parse(raw)
		if err != nil {
			return fmt.Errorf("document %s: %w", doc.DocumentID, err)
		}
		parsed[sourcePath(chip.ID, version, doc.DocumentID)] = parsedDoc
	}

	return e.pipeline.RunAll(ctx, parsed)
}

func (e *Engine) dispatch(ctx context.Context, q Query, project, version string) ([]RegionView, error) {
	scope := storage.ScopeKey{Project: project, Version: version, Unit: q.Unit}

	switch {
	case q.Addr != nil && q.AddrRangeEnd != nil:
		overlaps, err := e.index.Overlapping(ctx, scope, *q.Addr, *q.AddrRangeEnd)
		if err != nil {
			return nil, err
		}
		views := make([]RegionView, 0, len(overlaps))
		for _, o := range overlaps {
			if q.Profile != "" && !strings.EqualFold(o.Record.Profile, q.Profile) {
				continue
			}
			view := toView(o.Record)
			view.Coverage = &Coverage{
				OverlapStart: policy.FormatHexAddr(o.OverlapStart),
				OverlapEnd:   policy.FormatHexAddr(o.OverlapEnd),
				OverlapSize:  o.Size(),
			}
			views = append(views, view)
		}
		return views, nil

	case q.Addr != nil:
		rec, err := e.index.Covering(ctx, scope, *q.Addr)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return []RegionView{}, nil
		}
		if q.Profile != "" && !strings.EqualFold(rec.Profile, q.Profile) {
			return []RegionView{}, nil
		}
		view := toView(rec)
		view.Coverage = &Coverage{
			OverlapStart: rec.StartHex,
			OverlapEnd:   rec.EndHex,
			OverlapSize:  rec.Extent(),
		}
		return []RegionView{view}, nil

	case q.RegionNumber != nil:
		records, err := e.store.ActiveByRegionIndex(ctx, scope, *q.RegionNumber, strings.ToUpper(q.Profile))
		if err != nil {
			return nil, err
		}
		views := make([]RegionView, 0, len(records))
		for _, rec := range records {
			views = append(views, toView(rec))
		}
		return views, nil

	case q.Unit != "":
		records, err := e.store.ActiveByScope(ctx, scope)
		if err != nil {
			return nil, err
		}
		views := make([]RegionView, 0, len(records))
		for _, rec := range records {
			if q.Profile != "" && !strings.EqualFold(rec.Profile, q.Profile) {
				continue
			}
			views = append(views, toView(rec))
		}
		return views, nil

	default:
		// Project-and-version only: the scope is warmed, nothing to select.
		return []RegionView{}, nil
	}
}

func toView(rec *storage.RegionRecord) RegionView {
	return RegionView{
		Unit:         rec.Unit,
		RegionIndex:  rec.RegionIndex,
		Profile:      rec.Profile,
		Start:        rec.StartHex,
		End:          rec.EndHex,
		ReadDomains:  rec.ReadDomains,
		WriteDomains: rec.WriteDomains,
	}
}

func sourcePath(chipID, version, documentID string) string {
	return fmt.Sprintf("catalog/%s/%s/%s", chipID, version, documentID)
}

// versionLess compares dotted numeric versions, falling back to a string
// compare when a segment is not numeric.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if ai != bi {
			return ai < bi
		}
	}
	return len(as) < len(bs)
}
