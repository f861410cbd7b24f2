package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adrg/frontmatter"
)

//go:embed *.md
var builtinFS embed.FS

// Prompt types. Levels 1-3 widen the context given to a reviewer; the
// merge prompts combine reviewer output.
const (
	TypeLevel1        = "level1"
	TypeLevel2        = "level2"
	TypeLevel3        = "level3"
	TypeConsolidation = "consolidation"
	TypeOrchestration = "orchestration"
)

// Tiers select the prompt variant by depth of analysis.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierThorough = "thorough"
)

// ValidTier reports whether tier is one of the known tiers.
func ValidTier(tier string) bool {
	return tier == TierFast || tier == TierBalanced || tier == TierThorough
}

// Metadata is the YAML frontmatter of a template file.
type Metadata struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// Section is one tagged block of a template. Mode governs what variants
// may do with it: locked sections cannot be replaced, required sections
// may be rephrased but must exist, optional sections may be omitted.
type Section struct {
	Name    string
	Mode    string // locked, required, optional
	Tiers   []string
	Content string
}

// Template is a parsed prompt template with its declared section order.
type Template struct {
	Meta     Metadata
	Sections []Section
}

var sectionPattern = regexp.MustCompile(`(?s)<section\s+([^>]*?)>(.*?)</section>`)
var attrPattern = regexp.MustCompile(`(\w+)(?:="([^"]*)")?`)
var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Load parses the named template, preferring a user variant under
// <configDir>/prompts/<name>.md when one exists. Variants are validated
// against the builtin: every locked and required section must be present,
// and locked sections must be unchanged.
func Load(name, configDir string) (*Template, error) {
	builtin, err := parseFile(name, builtinData(name))
	if err != nil {
		return nil, err
	}

	if configDir == "" {
		return builtin, nil
	}
	data, err := os.ReadFile(filepath.Join(configDir, "prompts", name+".md"))
	if err != nil {
		return builtin, nil
	}

	variant, err := parseFile(name, func() ([]byte, error) { return data, nil })
	if err != nil {
		return nil, fmt.Errorf("user variant of %s: %w", name, err)
	}
	if err := validateVariant(builtin, variant); err != nil {
		return nil, fmt.Errorf("user variant of %s: %w", name, err)
	}
	return variant, nil
}

func builtinData(name string) func() ([]byte, error) {
	return func() ([]byte, error) {
		data, err := builtinFS.ReadFile(name + ".md")
		if err != nil {
			return nil, fmt.Errorf("unknown prompt template %q", name)
		}
		return data, nil
	}
}

func parseFile(name string, read func() ([]byte, error)) (*Template, error) {
	data, err := read()
	if err != nil {
		return nil, err
	}

	var meta Metadata
	body, err := frontmatter.Parse(bytes.NewReader(data), &meta)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter of %s: %w", name, err)
	}
	if meta.Name == "" {
		meta.Name = name
	}

	tmpl := &Template{Meta: meta}
	for _, m := range sectionPattern.FindAllStringSubmatch(string(body), -1) {
		sec := Section{Mode: "optional", Content: strings.TrimSpace(m[2])}
		for _, attr := range attrPattern.FindAllStringSubmatch(m[1], -1) {
			switch attr[1] {
			case "name":
				sec.Name = attr[2]
			case "locked", "required", "optional":
				sec.Mode = attr[1]
			case "tier":
				for _, t := range strings.Split(attr[2], ",") {
					sec.Tiers = append(sec.Tiers, strings.TrimSpace(t))
				}
			}
		}
		if sec.Name == "" {
			return nil, fmt.Errorf("template %s has a section without a name", name)
		}
		tmpl.Sections = append(tmpl.Sections, sec)
	}
	if len(tmpl.Sections) == 0 {
		return nil, fmt.Errorf("template %s has no sections", name)
	}
	return tmpl, nil
}

func validateVariant(builtin, variant *Template) error {
	byName := make(map[string]Section, len(variant.Sections))
	for _, s := range variant.Sections {
		byName[s.Name] = s
	}
	for _, s := range builtin.Sections {
		got, ok := byName[s.Name]
		switch s.Mode {
		case "locked":
			if !ok {
				return fmt.Errorf("locked section %q is missing", s.Name)
			}
			if got.Content != s.Content {
				return fmt.Errorf("locked section %q cannot be replaced", s.Name)
			}
		case "required":
			if !ok {
				return fmt.Errorf("required section %q is missing", s.Name)
			}
		}
	}
	return nil
}

// Build renders the template for a tier. Sections restricted to other
// tiers are skipped, sections with empty content collapse, and {{name}}
// placeholders are substituted from vars (unknown placeholders become
// empty). The result is plain text with all tags stripped.
func (t *Template) Build(tier string, vars map[string]string) (string, error) {
	if !ValidTier(tier) {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	var parts []string
	for _, sec := range t.Sections {
		if !sec.matchesTier(tier) {
			continue
		}
		if sec.Content == "" {
			continue
		}
		rendered := placeholderPattern.ReplaceAllStringFunc(sec.Content, func(ph string) string {
			key := placeholderPattern.FindStringSubmatch(ph)[1]
			return vars[key]
		})
		rendered = strings.TrimSpace(rendered)
		if rendered == "" {
			continue
		}
		parts = append(parts, rendered)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (s Section) matchesTier(tier string) bool {
	if len(s.Tiers) == 0 {
		return true
	}
	for _, t := range s.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}
