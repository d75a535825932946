package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")

	cfg := DefaultConfig()
	cfg.Agents["fetcher"] = AgentCommand{Command: "curl", FatalExitCodes: []int{22}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if loaded.Agents["fetcher"].Command != "curl" {
		t.Errorf("Expected agent command 'curl', got '%s'", loaded.Agents["fetcher"].Command)
	}
}

// TestSaveThenLoad verifies a saved file is read back by Load unchanged
func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.HaltOnFailure = true
	cfg.FailurePolicy = "block"
	cfg.CheckpointEvery = 3
	cfg.Store.Path = "/var/lib/selfheal/state.db"
	cfg.Agents["fetcher"] = AgentCommand{
		Command:      "curl",
		Args:         []string{"-sf"},
		Capabilities: []string{"http"},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

// TestSaveOverwritesWithoutLeftovers verifies repeated saves replace the file
// and leave no temporary files behind
func TestSaveOverwritesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	for _, n := range []int{4, 8} {
		cfg := DefaultConfig()
		cfg.MaxConcurrency = n
		if err := Save(cfg, path); err != nil {
			t.Fatalf("Save(%d): %v", n, err)
		}
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", loaded.MaxConcurrency)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v, want only config.json", names)
	}
}
