package config

import "time"

// Config is the top-level pair-review configuration, persisted as
// config.json in the config directory.
type Config struct {
	GitHub   GitHubConfig   `json:"github"`
	Review   ReviewConfig   `json:"review"`
	Analysis AnalysisConfig `json:"analysis"`
	Server   ServerConfig   `json:"server"`
	UI       UIConfig       `json:"ui"`

	// Monorepos maps "owner/repo" to an absolute local path that should be
	// used as the source repository, overriding all other discovery tiers.
	Monorepos map[string]string `json:"monorepos,omitempty"`
}

// GitHubConfig holds remote host credentials.
type GitHubConfig struct {
	Token string `json:"token"`
}

// ReviewConfig holds outgoing review settings.
type ReviewConfig struct {
	// MaxComments caps comments per submission; overflow behavior is
	// caller-controlled (split or refuse).
	MaxComments int `json:"max_comments"`
	// SplitOnOverflow makes the assembler emit multiple payloads instead of
	// refusing when a review exceeds MaxComments.
	SplitOnOverflow bool `json:"split_on_overflow"`
}

// AnalysisConfig holds council run settings.
type AnalysisConfig struct {
	// Model is the model the Copilot SDK sessions run on.
	Model string `json:"model"`
	// MaxConcurrentCalls limits in-flight LLM calls per provider.
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
	TaskTimeout        string `json:"task_timeout"`
	RunTimeout         string `json:"run_timeout"`
}

// ParseTaskTimeout returns the per-voice task timeout.
func (a AnalysisConfig) ParseTaskTimeout() time.Duration {
	d, err := time.ParseDuration(a.TaskTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// ParseRunTimeout returns the whole-run timeout.
func (a AnalysisConfig) ParseRunTimeout() time.Duration {
	d, err := time.ParseDuration(a.RunTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `json:"port"`
}

// UIConfig carries settings the core stores but does not interpret.
type UIConfig struct {
	Theme         string `json:"theme"`
	PreferredTier string `json:"preferred_tier"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Review: ReviewConfig{
			MaxComments:     50,
			SplitOnOverflow: false,
		},
		Analysis: AnalysisConfig{
			Model:              "claude-sonnet-4.5",
			MaxConcurrentCalls: 4,
			TaskTimeout:        "10m",
			RunTimeout:         "30m",
		},
		Server: ServerConfig{
			Port: 4810,
		},
		UI: UIConfig{
			Theme:         "dark",
			PreferredTier: "balanced",
		},
	}
}
