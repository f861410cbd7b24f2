package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// EnvConfigDir overrides the on-disk location of all pair-review state.
const EnvConfigDir = "PAIR_REVIEW_CONFIG_DIR"

// Dir returns the pair-review config directory. The PAIR_REVIEW_CONFIG_DIR
// environment variable takes precedence over the platform default.
func Dir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, "pair-review"), nil
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "config.json")
}

// StorePath returns the SQLite database path inside dir.
func StorePath(dir string) string {
	return filepath.Join(dir, "store.db")
}

// WorktreesDir returns the root of per-PR worktrees inside dir.
func WorktreesDir(dir string) string {
	return filepath.Join(dir, "worktrees")
}

// ReposDir returns the root of cached bare clones inside dir.
func ReposDir(dir string) string {
	return filepath.Join(dir, "repos")
}

// Load reads config.json from the given directory, merged over defaults.
// The file may contain JSONC comments. A missing file yields the defaults.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if m, err := loadJSONC(Path(dir)); err == nil {
		if err := mergeIntoConfig(&cfg, m); err != nil {
			return nil, fmt.Errorf("merging config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map
// over it, then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
}

// Validate checks the parts of the config the process cannot run without.
func Validate(cfg *Config) error {
	if cfg.GitHub.Token == "" {
		return fmt.Errorf("no GitHub token configured: set github.token in config.json or GITHUB_TOKEN")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return nil
}
