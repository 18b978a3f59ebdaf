package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleXML = `<Policy project="KAILUA" version="2.1">
  <MPU name="MPU_APPS">
    <PRTn index="0" profile="tz" start="0x80000000" end="0x80FFFFFF" rdomains="APPS, MODEM" wdomains="APPS">reset vector</PRTn>
    <PRTn index="1" profile="HLOS" start="90000000" end="90000FFF" rdomains="APPS" wdomains="">mailbox</PRTn>
  </MPU>
  <MPU name="MPU_MODEM">
    <PRTn index="0" profile="MSA" start="0xA0000000" end="0xA000FFFF" rdomains="MODEM" wdomains="MODEM"></PRTn>
  </MPU>
</Policy>`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleXML))
	require.NoError(t, err)

	require.Equal(t, "KAILUA", doc.Project)
	require.Equal(t, "2.1", doc.Version)
	require.Equal(t, 3, doc.Len())

	var regions []ParsedRegion
	for _, r := range doc.Regions() {
		regions = append(regions, r)
	}

	first := regions[0]
	require.Equal(t, "MPU_APPS", first.Unit)
	require.Equal(t, 0, first.RegionIndex)
	require.Equal(t, "TZ", first.Profile, "profiles are uppercased")
	require.Equal(t, uint64(0x80000000), first.StartAddr)
	require.Equal(t, uint64(0x80FFFFFF), first.EndAddr)
	require.Equal(t, "0x80000000", first.StartHex)
	require.Equal(t, []string{"APPS", "MODEM"}, first.ReadDomains)
	require.Equal(t, []string{"APPS"}, first.WriteDomains)
	require.Equal(t, "reset vector", first.RationaleText)
	require.NotEmpty(t, first.RawPayload)

	// Addresses without the 0x prefix parse the same way.
	second := regions[1]
	require.Equal(t, uint64(0x90000000), second.StartAddr)
	require.Empty(t, second.WriteDomains)

	third := regions[2]
	require.Equal(t, "MPU_MODEM", third.Unit)
	require.Empty(t, third.RationaleText)
}

func TestParseRejectsStructuralProblems(t *testing.T) {
	for name, raw := range map[string]string{
		"not xml":         `{"project": "KAILUA"}`,
		"missing project": `<Policy version="2.1"></Policy>`,
		"missing version": `<Policy project="KAILUA"></Policy>`,
		"bad index":       `<Policy project="K" version="1"><MPU name="M"><PRTn index="x" profile="TZ" start="0x0" end="0x1"/></MPU></Policy>`,
		"bad address":     `<Policy project="K" version="1"><MPU name="M"><PRTn index="0" profile="TZ" start="0xZZ" end="0x1"/></MPU></Policy>`,
	} {
		_, err := Parse([]byte(raw))
		require.Error(t, err, "case %s", name)
	}
}

func TestParseLeavesPerRegionValidationToThePipeline(t *testing.T) {
	// End below start parses fine; the pipeline rejects it when the region
	// becomes a chunk, so one bad region does not hide the document.
	raw := `<Policy project="K" version="1"><MPU name="M">` +
		`<PRTn index="0" profile="TZ" start="0x2000" end="0x1000" rdomains="A" wdomains="A">inverted</PRTn>` +
		`</MPU></Policy>`
	doc, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 1, doc.Len())

	for _, r := range doc.Regions() {
		require.Error(t, r.Validate())
	}
}

func TestValidate(t *testing.T) {
	region := ParsedRegion{Unit: "MPU_APPS", RegionIndex: 0, StartAddr: 1, EndAddr: 2}
	require.NoError(t, region.Validate())

	region.Unit = ""
	require.Error(t, region.Validate())

	region = ParsedRegion{Unit: "MPU_APPS", RegionIndex: -1}
	require.Error(t, region.Validate())
}

func TestParseHexAddr(t *testing.T) {
	for input, want := range map[string]uint64{
		"0x80000000": 0x80000000,
		"80000000":   0x80000000,
		"0XFF":       0xFF,
		" 0x10 ":     0x10,
		"0":          0,
	} {
		got, err := ParseHexAddr(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, got, "input %q", input)
	}

	for _, input := range []string{"", "0x", "wat", "0x1G"} {
		_, err := ParseHexAddr(input)
		require.Error(t, err, "input %q", input)
	}
}

func TestFormatHexAddr(t *testing.T) {
	require.Equal(t, "0x80000000", FormatHexAddr(0x80000000))
	require.Equal(t, "0x00000010", FormatHexAddr(0x10))
	require.Equal(t, "0x1200000000", FormatHexAddr(0x12_0000_0000), "wide addresses keep all digits")
}

func TestSplitDomainList(t *testing.T) {
	require.Nil(t, SplitDomainList(""))
	require.Equal(t, []string{"APPS"}, SplitDomainList("APPS"))
	require.Equal(t, []string{"APPS", "MODEM"}, SplitDomainList(" APPS , MODEM ,"))
}
