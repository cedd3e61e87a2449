package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLevel_Ordering tests that the tiers are strictly ordered.
func TestLevel_Ordering(t *testing.T) {
	assert.True(t, ReadOnly < WriteLowRisk)
	assert.True(t, WriteLowRisk < WriteHighRisk)
	assert.True(t, WriteHighRisk < Critical)
}

// TestParseLevel_RoundTrip tests parsing of every canonical name.
func TestParseLevel_RoundTrip(t *testing.T) {
	for _, level := range AllLevels() {
		parsed, err := ParseLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}
}

// TestParseLevel_Unknown tests that unknown names fail safe to Critical.
func TestParseLevel_Unknown(t *testing.T) {
	level, err := ParseLevel("shrug")
	assert.Error(t, err)
	assert.Equal(t, Critical, level)
}

// TestRequiresApproval_AllPairs tests the full 16-pair threshold matrix.
func TestRequiresApproval_AllPairs(t *testing.T) {
	for _, a := range []Autonomy{AutonomyManual, AutonomyRecommendations, AutonomySupervised, AutonomyFull} {
		for _, l := range AllLevels() {
			want := int(l) > int(a)
			assert.Equal(t, want, RequiresApproval(l, a),
				"autonomy=%s level=%s", a, l)
		}
	}
}

// TestRequiresApproval_TiesRun tests that a tier equal to the threshold
// auto-executes.
func TestRequiresApproval_TiesRun(t *testing.T) {
	assert.False(t, RequiresApproval(WriteLowRisk, AutonomyRecommendations))
	assert.False(t, RequiresApproval(Critical, AutonomyFull))
}

// TestRegistry_Classify_Unknown tests the critical-by-default fallback.
func TestRegistry_Classify_Unknown(t *testing.T) {
	r := NewRegistry(map[string]Level{
		"market_lookup": ReadOnly,
	}, zerolog.Nop())

	assert.Equal(t, ReadOnly, r.Classify("market_lookup"))
	assert.Equal(t, Critical, r.Classify("never_registered"))
	assert.False(t, r.Known("never_registered"))
}

// TestRegistry_Register tests registration and snapshot isolation.
func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	r.Register("list_update", WriteLowRisk)

	assert.Equal(t, WriteLowRisk, r.Classify("list_update"))

	snap := r.Snapshot()
	snap["list_update"] = Critical
	assert.Equal(t, WriteLowRisk, r.Classify("list_update"))
}
