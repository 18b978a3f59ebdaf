// Package policy parses versioned XPU/MPU policy documents into region
// records. A document looks like:
//
//	<Policy project="KAILUA" version="2.1">
//	  <MPU name="MPU_APPS">
//	    <PRTn index="0" profile="TZ" start="0x80000000" end="0x80FFFFFF"
//	          rdomains="APPS,MODEM" wdomains="APPS">reset vector</PRTn>
//	  </MPU>
//	</Policy>
package policy

import (
	"encoding/xml"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// ParsedRegion is one protection region as it appears in a source document.
// One parsed region is one ingestion chunk.
type ParsedRegion struct {
	Unit          string
	RegionIndex   int
	Profile       string
	StartAddr     uint64
	EndAddr       uint64
	StartHex      string
	EndHex        string
	ReadDomains   []string
	WriteDomains  []string
	RationaleText string
	RawPayload    string
}

// Validate rejects regions the pipeline must not attempt to hash or persist.
func (r ParsedRegion) Validate() error {
	switch {
	case r.Unit == "":
		return fmt.Errorf("region missing unit name")
	case r.RegionIndex < 0:
		return fmt.Errorf("region %s has negative index %d", r.Unit, r.RegionIndex)
	case r.EndAddr < r.StartAddr:
		return fmt.Errorf("region %s[%d] has end %s below start %s", r.Unit, r.RegionIndex, r.EndHex, r.StartHex)
	}
	return nil
}

// Document is a fully parsed policy document.
type Document struct {
	Project string
	Version string
	regions []ParsedRegion
}

// Len returns the number of regions in document order.
func (d *Document) Len() int {
	return len(d.regions)
}

// Regions yields (chunk index, region) pairs in document order. The pipeline
// consumes this lazily, one region per ingestion chunk.
func (d *Document) Regions() iter.Seq2[int, ParsedRegion] {
	return func(yield func(int, ParsedRegion) bool) {
		for i, r := range d.regions {
			if !yield(i, r) {
				return
			}
		}
	}
}

type xmlPolicy struct {
	XMLName xml.Name  `xml:"Policy"`
	Project string    `xml:"project,attr"`
	Version string    `xml:"version,attr"`
	Units   []xmlUnit `xml:"MPU"`
}

type xmlUnit struct {
	Name    string      `xml:"name,attr"`
	Regions []xmlRegion `xml:"PRTn"`
}

type xmlRegion struct {
	Index     string `xml:"index,attr"`
	Profile   string `xml:"profile,attr"`
	Start     string `xml:"start,attr"`
	End       string `xml:"end,attr"`
	RDomains  string `xml:"rdomains,attr"`
	WDomains  string `xml:"wdomains,attr"`
	Rationale string `xml:",chardata"`
}

// Parse decodes a raw policy document. Structural problems (bad XML, missing
// project or version) fail the whole document; per-region problems are left
// for the pipeline to reject so that a single bad region does not hide the
// rest of the document.
func Parse(data []byte) (*Document, error) {
	var doc xmlPolicy
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if doc.Project == "" {
		return nil, fmt.Errorf("policy document missing project attribute")
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("policy document missing version attribute")
	}

	out := &Document{Project: doc.Project, Version: doc.Version}
	for _, unit := range doc.Units {
		for _, raw := range unit.Regions {
			region, err := raw.toParsed(unit.Name)
			if err != nil {
				return nil, err
			}
			out.regions = append(out.regions, region)
		}
	}
	return out, nil
}

func (x xmlRegion) toParsed(unit string) (ParsedRegion, error) {
	index, err := strconv.Atoi(strings.TrimSpace(x.Index))
	if err != nil {
		return ParsedRegion{}, fmt.Errorf("unit %s: bad region index %q: %w", unit, x.Index, err)
	}

	start, err := ParseHexAddr(x.Start)
	if err != nil {
		return ParsedRegion{}, fmt.Errorf("unit %s region %d: bad start address: %w", unit, index, err)
	}
	end, err := ParseHexAddr(x.End)
	if err != nil {
		return ParsedRegion{}, fmt.Errorf("unit %s region %d: bad end address: %w", unit, index, err)
	}

	return ParsedRegion{
		Unit:          unit,
		RegionIndex:   index,
		Profile:       strings.ToUpper(strings.TrimSpace(x.Profile)),
		StartAddr:     start,
		EndAddr:       end,
		StartHex:      FormatHexAddr(start),
		EndHex:        FormatHexAddr(end),
		ReadDomains:   SplitDomainList(x.RDomains),
		WriteDomains:  SplitDomainList(x.WDomains),
		RationaleText: strings.TrimSpace(x.Rationale),
		RawPayload:    x.rawPayload(unit),
	}, nil
}

// rawPayload reconstructs a canonical single-element payload for storage.
// The original attribute order in the source is irrelevant downstream; what
// matters is that the payload round-trips all queryable fields.
func (x xmlRegion) rawPayload(unit string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<PRTn unit=%q index=%q profile=%q start=%q end=%q rdomains=%q wdomains=%q>`,
		unit, strings.TrimSpace(x.Index), strings.TrimSpace(x.Profile),
		strings.TrimSpace(x.Start), strings.TrimSpace(x.End),
		strings.TrimSpace(x.RDomains), strings.TrimSpace(x.WDomains))
	b.WriteString(strings.TrimSpace(x.Rationale))
	b.WriteString("</PRTn>")
	return b.String()
}

// ParseHexAddr parses a hex address with or without a 0x prefix.
func ParseHexAddr(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}
	return v, nil
}

// FormatHexAddr renders an address the way policy documents write them.
func FormatHexAddr(v uint64) string {
	return fmt.Sprintf("0x%08X", v)
}

// SplitDomainList splits a comma separated domain attribute, dropping empty
// entries and surrounding whitespace.
func SplitDomainList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
