package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultAppliesEnvDefaults(t *testing.T) {
	cfg := Default()
	if cfg.CapacityRetries != 2 {
		t.Errorf("CapacityRetries = %d, want 2", cfg.CapacityRetries)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.ModelConcurrency == nil || cfg.ModelAliases == nil || cfg.PreferredTiers == nil {
		t.Error("Default() must initialise the map fields, not leave them nil")
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, _ := json.Marshal(map[string]any{"port": 9999, "errorThreshold": 3})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("ERROR_THRESHOLD", "11")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999 (from file)", cfg.Port)
	}
	if cfg.ErrorThreshold != 11 {
		t.Errorf("ErrorThreshold = %d, want 11 (env must win over file)", cfg.ErrorThreshold)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load with a missing optional file should not error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want the default 8080", cfg.Port)
	}
}

func TestModelConcurrencyForFallsBackToDefault(t *testing.T) {
	cfg := Default()
	cfg.DefaultModelConcurrency = 4
	cfg.ModelConcurrency = map[string]int{"gemini-2.5-pro": 10}

	if got := cfg.ModelConcurrencyFor("gemini-2.5-pro"); got != 10 {
		t.Errorf("ModelConcurrencyFor(configured) = %d, want 10", got)
	}
	if got := cfg.ModelConcurrencyFor("unconfigured-model"); got != 4 {
		t.Errorf("ModelConcurrencyFor(unconfigured) = %d, want default 4", got)
	}
}

func TestResolveAlias(t *testing.T) {
	cfg := Default()
	cfg.ModelAliases = map[string]string{"gpt-4o": "gemini-2.5-pro"}

	if got := cfg.ResolveAlias("gpt-4o"); got != "gemini-2.5-pro" {
		t.Errorf("ResolveAlias(aliased) = %q, want gemini-2.5-pro", got)
	}
	if got := cfg.ResolveAlias("gemini-2.5-pro"); got != "gemini-2.5-pro" {
		t.Errorf("ResolveAlias(unaliased) = %q, want passthrough", got)
	}
}

func TestIsImageGenModel(t *testing.T) {
	cfg := Default()
	cfg.ImageGenModel = "gemini-2.0-flash-image"

	if !cfg.IsImageGenModel("gemini-2.0-flash-image") {
		t.Error("expected the configured image-gen model to match")
	}
	if cfg.IsImageGenModel("gemini-2.5-pro") {
		t.Error("did not expect an unrelated model to match")
	}
}
