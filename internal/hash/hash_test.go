package hash

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xpucat/xpucat/pkg/policy"
)

func baseRegion() policy.ParsedRegion {
	return policy.ParsedRegion{
		Unit:          "MPU_APPS",
		RegionIndex:   3,
		Profile:       "TZ",
		StartAddr:     0x80000000,
		EndAddr:       0x80FFFFFF,
		StartHex:      "0x80000000",
		EndHex:        "0x80FFFFFF",
		ReadDomains:   []string{"APPS", "MODEM"},
		WriteDomains:  []string{"APPS"},
		RationaleText: "reset vector",
	}
}

func TestIdentityIsDeterministic(t *testing.T) {
	a := Identity("KAILUA", baseRegion())
	b := Identity("KAILUA", baseRegion())
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestIdentityIgnoresDescriptiveContent(t *testing.T) {
	original := baseRegion()

	edited := baseRegion()
	edited.RationaleText = "reset vector, updated after security review"
	edited.ReadDomains = []string{"APPS"}
	edited.WriteDomains = nil

	require.Equal(t, Identity("KAILUA", original), Identity("KAILUA", edited))
	require.NotEqual(t, Content("KAILUA", original), Content("KAILUA", edited))
}

func TestIdentityChangesWhenRegionMoves(t *testing.T) {
	original := baseRegion()

	moved := baseRegion()
	moved.StartAddr = 0x90000000
	moved.EndAddr = 0x90FFFFFF

	require.NotEqual(t, Identity("KAILUA", original), Identity("KAILUA", moved))
}

func TestIdentityCoversEveryStructuralField(t *testing.T) {
	base := Identity("KAILUA", baseRegion())

	for name, mutate := range map[string]func(r *policy.ParsedRegion){
		"unit":    func(r *policy.ParsedRegion) { r.Unit = "MPU_MODEM" },
		"index":   func(r *policy.ParsedRegion) { r.RegionIndex = 4 },
		"profile": func(r *policy.ParsedRegion) { r.Profile = "HLOS" },
		"start":   func(r *policy.ParsedRegion) { r.StartAddr = 0x80000001 },
		"end":     func(r *policy.ParsedRegion) { r.EndAddr = 0x81000000 },
	} {
		region := baseRegion()
		mutate(&region)
		require.NotEqual(t, base, Identity("KAILUA", region), "field %s must affect identity", name)
	}

	require.NotEqual(t, base, Identity("LAHAINA", baseRegion()))
}

func TestContentIgnoresDomainOrder(t *testing.T) {
	a := baseRegion()
	a.ReadDomains = []string{"APPS", "MODEM", "SP"}

	b := baseRegion()
	b.ReadDomains = []string{"SP", " APPS ", "MODEM"}

	require.Equal(t, Content("KAILUA", a), Content("KAILUA", b))
}

func TestContentSeparatesAdjacentFields(t *testing.T) {
	// "AB"+"C" and "A"+"BC" in neighboring fields must not collide.
	a := baseRegion()
	a.ReadDomains = []string{"AB"}
	a.WriteDomains = []string{"C"}

	b := baseRegion()
	b.ReadDomains = []string{"A"}
	b.WriteDomains = []string{"BC"}

	require.NotEqual(t, Content("KAILUA", a), Content("KAILUA", b))
}
