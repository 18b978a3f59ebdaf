package storage

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Cache key namespaces. Keys are plain strings so operators can reason about
// what a cache dump contains; the payload key additionally folds the record
// id through xxhash so that arbitrarily long ids stay fixed-width.
const (
	scopeMarkerPrefix   = "marker"
	regionPayloadPrefix = "region"
	documentBlobPrefix  = "doc"
	latestVersionPrefix = "latest"
	chipAliasPrefix     = "chip"

	cacheKeySeparator = ":"
)

// GetScopeMarkerCacheKey is the existence marker for an ingested
// (project, version) pair.
func GetScopeMarkerCacheKey(project, version string) string {
	return strings.Join([]string{scopeMarkerPrefix, project, version}, cacheKeySeparator)
}

// GetRegionPayloadCacheKey is the cache slot for one region record payload.
func GetRegionPayloadCacheKey(recordID string) string {
	return regionPayloadPrefix + cacheKeySeparator + strconv.FormatUint(xxhash.Sum64String(recordID), 16)
}

// GetDocumentBlobCacheKey is the cache slot for a fetched raw policy document.
func GetDocumentBlobCacheKey(chipID, documentID string) string {
	return strings.Join([]string{documentBlobPrefix, chipID, documentID}, cacheKeySeparator)
}

// GetLatestVersionCacheKey caches the latest published version per chip.
func GetLatestVersionCacheKey(chipID string) string {
	return latestVersionPrefix + cacheKeySeparator + chipID
}

// GetChipAliasCacheKey maps a lowercased project name or alias to a chip id.
func GetChipAliasCacheKey(name string) string {
	return chipAliasPrefix + cacheKeySeparator + strings.ToLower(name)
}
