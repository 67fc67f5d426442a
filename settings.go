package promptdag

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Default queue settings.
const (
	DefaultMaxConcurrent = 4
)

// Settings is the explicit configuration value passed into the graph,
// assembler, and queue at construction. There is no ambient global
// state; the persisted global token limit lives on the Graph and
// mutates through SetGlobalLimitCommand.
type Settings struct {
	// GlobalTokenLimit seeds new graphs' token budget.
	GlobalTokenLimit int `yaml:"global_token_limit"`

	// SystemPrompt, if set, is prepended to every assembled payload as
	// the highest-priority segment.
	SystemPrompt string `yaml:"system_prompt"`

	// DefaultTraceDepth applies to nodes whose trace depth is unset.
	DefaultTraceDepth int `yaml:"default_trace_depth"`

	// DefaultModel and DefaultProvider seed new node configs.
	DefaultModel    string `yaml:"default_model"`
	DefaultProvider string `yaml:"default_provider"`

	// MaxUndo bounds the command history.
	MaxUndo int `yaml:"max_undo"`

	// MaxConcurrent caps in-flight provider calls across the queue.
	MaxConcurrent int `yaml:"max_concurrent"`

	// TaskTimeout, when positive, fails any single provider call that
	// runs longer.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() Settings {
	return Settings{
		GlobalTokenLimit:  DefaultGlobalTokenLimit,
		DefaultTraceDepth: DefaultTraceDepth,
		DefaultModel:      DefaultModel,
		DefaultProvider:   DefaultProviderName,
		MaxUndo:           DefaultMaxUndo,
		MaxConcurrent:     DefaultMaxConcurrent,
	}
}

// normalize fills invalid or missing values with defaults.
func (s Settings) normalize() Settings {
	d := DefaultSettings()
	if s.GlobalTokenLimit <= 0 {
		s.GlobalTokenLimit = d.GlobalTokenLimit
	}
	if s.DefaultTraceDepth < 0 {
		s.DefaultTraceDepth = 0
	}
	if s.DefaultModel == "" {
		s.DefaultModel = d.DefaultModel
	}
	if s.DefaultProvider == "" {
		s.DefaultProvider = d.DefaultProvider
	}
	if s.MaxUndo <= 0 {
		s.MaxUndo = d.MaxUndo
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = d.MaxConcurrent
	}
	if s.TaskTimeout < 0 {
		s.TaskTimeout = 0
	}
	return s
}

// NewNodeConfig returns a node config seeded from these settings, with
// trace depth deferred to the default.
func (s Settings) NewNodeConfig() NodeConfig {
	return NodeConfig{
		Model:      s.DefaultModel,
		Provider:   s.DefaultProvider,
		MaxTokens:  DefaultMaxTokens,
		TraceDepth: TraceDepthUnset,
	}
}

// LoadSettings reads a YAML settings file, filling absent fields with
// defaults. A missing file is not an error; it yields the defaults.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return DefaultSettings(), fmt.Errorf("read settings: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s.normalize(), nil
}

// SaveSettings writes the settings as YAML.
func SaveSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
