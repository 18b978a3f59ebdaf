// Package hash computes the two digests that drive change detection during
// ingestion: the identity key of a logical region and the content hash of its
// full payload.
//
// Identity covers (project, unit, region index, profile, start, end): the
// fields that make a region the same region across re-publications. Content
// covers the whole canonicalized payload, so a rationale or domain edit on a
// stationary region changes content but not identity, while a moved region is
// a different region altogether.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"github.com/xpucat/xpucat/pkg/policy"
)

const fieldSeparator = "\x1f"

// Identity returns the stable identity key for a parsed region. Pure function
// of its inputs; no randomness, no machine-specific state.
func Identity(project string, region policy.ParsedRegion) string {
	return digest(
		"identity",
		project,
		region.Unit,
		strconv.Itoa(region.RegionIndex),
		region.Profile,
		strconv.FormatUint(region.StartAddr, 16),
		strconv.FormatUint(region.EndAddr, 16),
	)
}

// Content returns the content hash of the region's canonicalized payload.
// Multi-valued fields are sorted before hashing so that reordering in the
// source document does not produce a spurious change.
func Content(project string, region policy.ParsedRegion) string {
	return digest(
		"content",
		project,
		region.Unit,
		strconv.Itoa(region.RegionIndex),
		region.Profile,
		strconv.FormatUint(region.StartAddr, 16),
		strconv.FormatUint(region.EndAddr, 16),
		canonicalList(region.ReadDomains),
		canonicalList(region.WriteDomains),
		region.RationaleText,
	)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte(fieldSeparator))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalList(values []string) string {
	sorted := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			sorted = append(sorted, v)
		}
	}
	slices.Sort(sorted)
	return strings.Join(sorted, ",")
}
