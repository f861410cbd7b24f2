package analysis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claude() Voice { return Voice{Provider: "anthropic", Model: "claude", Tier: "balanced"} }
func gemini() Voice { return Voice{Provider: "google", Model: "gemini", Tier: "fast"} }

func TestNormalize_VoiceCentricExpandsToLevels(t *testing.T) {
	cfg := CouncilConfig{
		Voices: []Voice{claude(), gemini()},
		Levels: map[int]LevelSpec{1: {Enabled: true}, 3: {Enabled: true}},
	}

	norm := cfg.Normalize()
	assert.Equal(t, []Voice{claude(), gemini()}, norm.Levels[1].Voices)
	assert.Equal(t, []Voice{claude(), gemini()}, norm.Levels[3].Voices)
	assert.False(t, norm.Levels[2].Enabled)
	require.NotNil(t, norm.Consolidation)
	assert.Equal(t, claude(), *norm.Consolidation)
}

func TestNormalize_LevelCentricKeptAsIs(t *testing.T) {
	cfg := CouncilConfig{
		Levels: map[int]LevelSpec{
			1: {Enabled: true, Voices: []Voice{claude()}},
			2: {Enabled: true, Voices: []Voice{gemini()}},
		},
	}

	norm := cfg.Normalize()
	assert.Equal(t, []Voice{claude()}, norm.Levels[1].Voices)
	assert.Equal(t, []Voice{gemini()}, norm.Levels[2].Voices)
}

func TestNormalize_Idempotent(t *testing.T) {
	cfg := CouncilConfig{
		Voices: []Voice{claude()},
		Levels: map[int]LevelSpec{1: {Enabled: true}, 2: {Enabled: true}},
	}

	once := cfg.Normalize()
	twice := once.Normalize()
	assert.Equal(t, once, twice)
}

func TestValidate_RejectsEmptyCouncil(t *testing.T) {
	assert.Error(t, CouncilConfig{Levels: map[int]LevelSpec{}}.Normalize().Validate())
}

func TestValidate_RejectsUnknownTier(t *testing.T) {
	cfg := CouncilConfig{
		Voices: []Voice{{Provider: "anthropic", Model: "claude", Tier: "extreme"}},
		Levels: map[int]LevelSpec{1: {Enabled: true}},
	}
	err := cfg.Normalize().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier")
}

func TestValidate_RejectsVoicelessEnabledLevel(t *testing.T) {
	cfg := CouncilConfig{Levels: map[int]LevelSpec{2: {Enabled: true}}}
	assert.Error(t, cfg.Normalize().Validate())
}

func TestValidateAs_ShapeDispatch(t *testing.T) {
	voiceCentric := CouncilConfig{
		Voices: []Voice{claude()},
		Levels: map[int]LevelSpec{1: {Enabled: true}},
	}
	levelCentric := CouncilConfig{
		Levels: map[int]LevelSpec{1: {Enabled: true, Voices: []Voice{gemini()}}},
	}

	assert.NoError(t, voiceCentric.ValidateAs("council"))
	assert.NoError(t, levelCentric.ValidateAs("advanced"))

	// Either shape passes when no type is declared.
	assert.NoError(t, voiceCentric.ValidateAs(""))
	assert.NoError(t, levelCentric.ValidateAs(""))

	// Declared shape must match the input.
	err := levelCentric.ValidateAs("council")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top-level voices")

	err = voiceCentric.ValidateAs("advanced")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "level 1")

	assert.Error(t, voiceCentric.ValidateAs("galactic"))
}

func TestValidConfigType(t *testing.T) {
	assert.True(t, ValidConfigType(""))
	assert.True(t, ValidConfigType(ConfigTypeCouncil))
	assert.True(t, ValidConfigType(ConfigTypeAdvanced))
	assert.False(t, ValidConfigType("galactic"))
}

func TestLevelSpec_UnmarshalsBothShapes(t *testing.T) {
	var cfg CouncilConfig
	require.NoError(t, json.Unmarshal([]byte(`{
		"voices": [{"provider": "anthropic", "model": "claude", "tier": "balanced"}],
		"levels": {"1": true, "2": false}
	}`), &cfg))
	assert.True(t, cfg.Levels[1].Enabled)
	assert.False(t, cfg.Levels[2].Enabled)

	var advanced CouncilConfig
	require.NoError(t, json.Unmarshal([]byte(`{
		"levels": {"1": {"enabled": true, "voices": [{"provider": "google", "model": "gemini", "tier": "fast"}]}}
	}`), &advanced))
	assert.True(t, advanced.Levels[1].Enabled)
	require.Len(t, advanced.Levels[1].Voices, 1)
	assert.Equal(t, "gemini", advanced.Levels[1].Voices[0].Model)

	assert.NoError(t, advanced.Normalize().Validate())
}

func TestEnabledLevels_Ascending(t *testing.T) {
	cfg := CouncilConfig{
		Voices: []Voice{claude()},
		Levels: map[int]LevelSpec{3: {Enabled: true}, 1: {Enabled: true}},
	}.Normalize()
	assert.Equal(t, []int{1, 3}, cfg.EnabledLevels())
}
