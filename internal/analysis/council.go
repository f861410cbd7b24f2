package analysis

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pair-review/pair-review/internal/prompts"
)

// Voice is one (provider, model, tier) triple acting as an independent
// reviewer.
type Voice struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tier     string `json:"tier"`
}

// ID identifies the voice in progress events and tie-breaking.
func (v Voice) ID() string {
	return v.Provider + "/" + v.Model
}

// LevelSpec configures one analysis level. On the wire it is either a
// bare bool (voice-centric shape, voices come from the top level) or an
// object with enabled and voices (level-centric shape).
type LevelSpec struct {
	Enabled bool    `json:"enabled"`
	Voices  []Voice `json:"voices,omitempty"`
}

func (l *LevelSpec) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*l = LevelSpec{Enabled: enabled}
		return nil
	}
	type plain LevelSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = LevelSpec(p)
	return nil
}

// CouncilConfig is the committee configuration for a run. Two shapes are
// accepted: voice-centric (top-level voices shared by every enabled
// level) and level-centric (per-level voice lists). Normalize converts
// either into the canonical form with explicit per-level voices.
type CouncilConfig struct {
	Voices        []Voice           `json:"voices,omitempty"`
	Levels        map[int]LevelSpec `json:"levels"`
	Consolidation *Voice            `json:"consolidation,omitempty"`
}

// AnalysisLevels are the valid level numbers, in ascending depth.
var AnalysisLevels = []int{1, 2, 3}

// Config type names for the two accepted council shapes.
const (
	ConfigTypeCouncil  = "council"  // voice-centric: shared top-level voices
	ConfigTypeAdvanced = "advanced" // level-centric: per-level voice lists
)

// ValidConfigType reports whether t names a known council shape. The
// empty string is accepted: it means "infer from the input".
func ValidConfigType(t string) bool {
	return t == "" || t == ConfigTypeCouncil || t == ConfigTypeAdvanced
}

// ValidateAs checks the raw (pre-Normalize) config against the declared
// shape, then normalizes and runs the full validation. An empty
// configType skips the shape check and accepts either form.
func (c CouncilConfig) ValidateAs(configType string) error {
	switch configType {
	case "":
	case ConfigTypeCouncil:
		if len(c.Voices) == 0 {
			return fmt.Errorf("council config declares no top-level voices")
		}
	case ConfigTypeAdvanced:
		for _, level := range AnalysisLevels {
			if spec := c.Levels[level]; spec.Enabled && len(spec.Voices) == 0 {
				return fmt.Errorf("advanced config: level %d is enabled but lists no voices", level)
			}
		}
	default:
		return fmt.Errorf("unknown config type %q", configType)
	}
	return c.Normalize().Validate()
}

// Normalize expands the voice-centric shape so every enabled level
// carries its own voice list, and defaults the consolidation voice to the
// first reviewer. Normalization is idempotent.
func (c CouncilConfig) Normalize() CouncilConfig {
	out := CouncilConfig{
		Levels:        make(map[int]LevelSpec, len(AnalysisLevels)),
		Consolidation: c.Consolidation,
	}

	for _, level := range AnalysisLevels {
		spec := c.Levels[level]
		if !spec.Enabled {
			out.Levels[level] = LevelSpec{}
			continue
		}
		voices := spec.Voices
		if len(voices) == 0 {
			voices = c.Voices
		}
		out.Levels[level] = LevelSpec{Enabled: true, Voices: voices}
	}

	if out.Consolidation == nil {
		if first := out.firstVoice(); first != nil {
			v := *first
			out.Consolidation = &v
		}
	}
	return out
}

func (c CouncilConfig) firstVoice() *Voice {
	levels := make([]int, 0, len(c.Levels))
	for l := range c.Levels {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	for _, l := range levels {
		if spec := c.Levels[l]; spec.Enabled && len(spec.Voices) > 0 {
			return &spec.Voices[0]
		}
	}
	return nil
}

// Validate checks a normalized config: at least one enabled level, every
// enabled level has voices, and every voice is fully specified with a
// known tier.
func (c CouncilConfig) Validate() error {
	anyEnabled := false
	for _, level := range AnalysisLevels {
		spec := c.Levels[level]
		if !spec.Enabled {
			continue
		}
		anyEnabled = true
		if len(spec.Voices) == 0 {
			return fmt.Errorf("level %d is enabled but has no voices", level)
		}
		for _, v := range spec.Voices {
			if err := validateVoice(v); err != nil {
				return fmt.Errorf("level %d: %w", level, err)
			}
		}
	}
	if !anyEnabled {
		return fmt.Errorf("no analysis level is enabled")
	}
	if c.Consolidation != nil {
		if err := validateVoice(*c.Consolidation); err != nil {
			return fmt.Errorf("consolidation: %w", err)
		}
	}
	return nil
}

func validateVoice(v Voice) error {
	if v.Provider == "" || v.Model == "" {
		return fmt.Errorf("voice %q is missing provider or model", v.ID())
	}
	if !prompts.ValidTier(v.Tier) {
		return fmt.Errorf("voice %q has unknown tier %q", v.ID(), v.Tier)
	}
	return nil
}

// EnabledLevels returns the enabled level numbers in ascending order.
func (c CouncilConfig) EnabledLevels() []int {
	var out []int
	for _, level := range AnalysisLevels {
		if c.Levels[level].Enabled {
			out = append(out, level)
		}
	}
	return out
}
