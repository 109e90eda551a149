package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "agents_dir: " + filepath.Join(dir, "agents") + "\n" +
		"storage:\n  dir: " + filepath.Join(dir, "data") + "\n" +
		"logger:\n  output: stderr\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		t.Fatalf("mkdir agents: %v", err)
	}
	return path
}

func TestValidateBlockedReturnsFailure(t *testing.T) {
	configPath := writeTestConfig(t)

	err := runValidate(context.Background(), []string{
		"--config", configPath,
		"--tool", "Bash",
		"--command", "rm -rf /",
	})
	// A blocked invocation is a plain failure, not an os.Exit: the deferred
	// app shutdown must get a chance to run.
	if !errors.Is(err, errFailed) {
		t.Fatalf("err = %v, want errFailed", err)
	}
}

func TestValidateAllowedSucceeds(t *testing.T) {
	configPath := writeTestConfig(t)

	err := runValidate(context.Background(), []string{
		"--config", configPath,
		"--tool", "Bash",
		"--command", "ls -la",
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
