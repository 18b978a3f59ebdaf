// Package interval maintains the derived per-scope index over active region
// address extents and answers point-containment and range-overlap queries
// with the most-specific-region-wins tie-breaking the downstream explanation
// text depends on.
package interval

import (
	"context"
	"sort"
	"sync"

	"github.com/xpucat/xpucat/pkg/storage"
)

// Entry is one active region extent inside a scope index.
type Entry struct {
	Start  uint64
	End    uint64
	Record *storage.RegionRecord
}

// Overlap is a range-query result: the region plus the intersection of its
// extent with the queried range.
type Overlap struct {
	Record       *storage.RegionRecord
	OverlapStart uint64
	OverlapEnd   uint64
}

// Size is the length of the overlapping span.
func (o Overlap) Size() uint64 {
	return o.OverlapEnd - o.OverlapStart
}

// scopeIndex holds the built entries for one (project, version, unit). The
// lock covers the rebuild window: a query must never run against a torn-down
// but not-yet-rebuilt index.
type scopeIndex struct {
	mu      sync.RWMutex
	entries []Entry // GUARDED_BY(mu).
	built   bool    // GUARDED_BY(mu).
}

// Index lazily builds one scopeIndex per scope key from the authoritative
// store's active records and serves queries from it until the supersession
// engine invalidates the scope.
type Index struct {
	store storage.RegionStore

	mu     sync.Mutex
	scopes map[string]*scopeIndex // GUARDED_BY(mu).
}

// New creates an [Index] backed by the given store.
func New(store storage.RegionStore) *Index {
	return &Index{
		store:  store,
		scopes: map[string]*scopeIndex{},
	}
}

func (i *Index) scope(scope storage.ScopeKey) *scopeIndex {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := scope.String()
	si, ok := i.scopes[key]
	if !ok {
		si = &scopeIndex{}
		i.scopes[key] = si
	}
	return si
}

// Invalidate marks the scope stale. The next query rebuilds from the store.
// Called by the supersession engine after any commit that changes the active
// set for the scope.
func (i *Index) Invalidate(scope storage.ScopeKey) {
	si := i.scope(scope)
	si.mu.Lock()
	si.built = false
	si.entries = nil
	si.mu.Unlock()
}

// ensure returns the scope's entries, rebuilding them under the scope's
// write lock if the index is stale.
func (i *Index) ensure(ctx context.Context, scope storage.ScopeKey) ([]Entry, error) {
	si := i.scope(scope)

	si.mu.RLock()
	if si.built {
		entries := si.entries
		si.mu.RUnlock()
		return entries, nil
	}
	si.mu.RUnlock()

	si.mu.Lock()
	defer si.mu.Unlock()
	if si.built {
		return si.entries, nil
	}

	records, err := i.store.ActiveByScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, Entry{Start: rec.StartAddr, End: rec.EndAddr, Record: rec})
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Start < entries[b].Start
	})

	si.entries = entries
	si.built = true
	return entries, nil
}

// Covering returns the single region whose extent contains addr: among all
// covering regions the one with the smallest extent wins, ties broken by the
// highest region index. Later-defined, more specific regions beat broad
// catch-all regions. Returns nil when no region covers addr.
func (i *Index) Covering(ctx context.Context, scope storage.ScopeKey, addr uint64) (*storage.RegionRecord, error) {
	entries, err := i.ensure(ctx, scope)
	if err != nil {
		return nil, err
	}

	var best *storage.RegionRecord
	for _, e := range entries {
		if addr < e.Start || addr > e.End {
			continue
		}
		if best == nil {
			best = e.Record
			continue
		}
		switch {
		case e.Record.Extent() < best.Extent():
			best = e.Record
		case e.Record.Extent() == best.Extent() && e.Record.RegionIndex > best.RegionIndex:
			best = e.Record
		}
	}
	return best, nil
}

// Overlapping returns every region whose extent intersects
// [rangeStart, rangeEnd], ordered by overlap size descending, ties broken by
// the highest region index.
func (i *Index) Overlapping(ctx context.Context, scope storage.ScopeKey, rangeStart, rangeEnd uint64) ([]Overlap, error) {
	entries, err := i.ensure(ctx, scope)
	if err != nil {
		return nil, err
	}

	var out []Overlap
	for _, e := range entries {
		if e.Start > rangeEnd || e.End < rangeStart {
			continue
		}
		out = append(out, Overlap{
			Record:       e.Record,
			OverlapStart: max(e.Start, rangeStart),
			OverlapEnd:   min(e.End, rangeEnd),
		})
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Size() != out[b].Size() {
			return out[a].Size() > out[b].Size()
		}
		return out[a].Record.RegionIndex > out[b].Record.RegionIndex
	})
	return out, nil
}
