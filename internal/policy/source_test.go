package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRules_TOMLAndYAML(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "policy.toml")
	tomlContent := `
allowed_commands = ["make"]

[[patterns]]
name = "no_curl"
regex = '\bcurl\b'
`
	if err := os.WriteFile(tomlPath, []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(tomlPath)
	if err != nil {
		t.Fatalf("load toml error: %v", err)
	}
	if len(rules.AllowedCommands) != 1 || rules.AllowedCommands[0] != "make" {
		t.Errorf("unexpected commands: %v", rules.AllowedCommands)
	}
	if len(rules.Patterns) != 1 || rules.Patterns[0].Name != "no_curl" {
		t.Errorf("unexpected patterns: %+v", rules.Patterns)
	}

	yamlPath := filepath.Join(dir, "policy.yaml")
	yamlContent := "allowed_file_ops: [read]\nprotected_paths: [\"*.pem\"]\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}
	rules, err = LoadRules(yamlPath)
	if err != nil {
		t.Fatalf("load yaml error: %v", err)
	}
	if len(rules.AllowedFileOps) != 1 || rules.ProtectedPaths[0] != "*.pem" {
		t.Errorf("unexpected yaml rules: %+v", rules)
	}
}

func TestLoadRules_BadRegex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	content := "[[patterns]]\nname = \"bad\"\nregex = \"(\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestSource_MergesFileOverBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("allowed_commands = [\"make\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := NewSource(DefaultRules(), path)
	if err != nil {
		t.Fatalf("new source error: %v", err)
	}
	rules := src.Rules()
	if len(rules.AllowedCommands) != 1 || rules.AllowedCommands[0] != "make" {
		t.Errorf("file should replace the command list, got %v", rules.AllowedCommands)
	}
	if len(rules.AllowedFileOps) == 0 {
		t.Error("lists missing from the file should keep base values")
	}
}

func TestSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("allowed_commands = [\"make\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	src, err := NewSource(DefaultRules(), path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("allowed_commands = [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := src.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := src.Rules().AllowedCommands; len(got) != 1 || got[0] != "make" {
		t.Errorf("previous rules should stay active, got %v", got)
	}
}

func TestSource_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("allowed_commands = [\"make\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	src, err := NewSource(DefaultRules(), path)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 8)
	src.OnReload = func(Rules, error) { reloaded <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Watch(ctx); err != nil {
		t.Fatalf("watch error: %v", err)
	}

	if err := os.WriteFile(path, []byte("allowed_commands = [\"cargo\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-reloaded:
			if got := src.Rules().AllowedCommands; len(got) == 1 && got[0] == "cargo" {
				return
			}
		case <-deadline:
			t.Fatalf("rules not reloaded, still %v", src.Rules().AllowedCommands)
		}
	}
}
