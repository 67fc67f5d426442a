package promptdag_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentstation/promptdag"
)

func TestLoadSettingsMissingFileYieldsDefaults(t *testing.T) {
	s, err := promptdag.LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s != promptdag.DefaultSettings() {
		t.Errorf("settings = %+v, want defaults", s)
	}
}

func TestLoadSettingsPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	doc := `global_token_limit: 4096
system_prompt: "You are terse."
default_model: local-model
max_concurrent: 2
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := promptdag.LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.GlobalTokenLimit != 4096 {
		t.Errorf("GlobalTokenLimit = %d", s.GlobalTokenLimit)
	}
	if s.SystemPrompt != "You are terse." {
		t.Errorf("SystemPrompt = %q", s.SystemPrompt)
	}
	if s.DefaultModel != "local-model" {
		t.Errorf("DefaultModel = %q", s.DefaultModel)
	}
	if s.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d", s.MaxConcurrent)
	}

	// Fields absent from the file keep their defaults.
	if s.MaxUndo != promptdag.DefaultMaxUndo {
		t.Errorf("MaxUndo = %d, want default", s.MaxUndo)
	}
	if s.DefaultTraceDepth != promptdag.DefaultTraceDepth {
		t.Errorf("DefaultTraceDepth = %d, want default", s.DefaultTraceDepth)
	}
}

func TestLoadSettingsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := promptdag.LoadSettings(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	want := promptdag.DefaultSettings()
	want.GlobalTokenLimit = 1234
	want.SystemPrompt = "stay on topic"
	want.MaxUndo = 10

	if err := promptdag.SaveSettings(path, want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err := promptdag.LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestSettingsNewNodeConfig(t *testing.T) {
	s := promptdag.DefaultSettings()
	s.DefaultModel = "custom"
	s.DefaultProvider = "local"

	cfg := s.NewNodeConfig()
	if cfg.Model != "custom" || cfg.Provider != "local" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.TraceDepth != promptdag.TraceDepthUnset {
		t.Errorf("TraceDepth = %d, want unset sentinel", cfg.TraceDepth)
	}
}
