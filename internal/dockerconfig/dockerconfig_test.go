package dockerconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/cli/cli/config"
)

func TestLoadReadsAuths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"auths":{"registry.example.com":{"auth":"dXNlcjpwYXNz"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	auth, ok := cfg.AuthConfigs["registry.example.com"]
	if !ok {
		t.Fatalf("expected auth entry, got %v", cfg.AuthConfigs)
	}
	if auth.Username != "user" || auth.Password != "pass" {
		t.Fatalf("unexpected credentials: %+v", auth)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AuthConfigs) != 0 {
		t.Fatalf("expected no auths, got %v", cfg.AuthConfigs)
	}
}

func TestUseAuthfileSetsConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvOverrideConfigDir, "")
	if err := UseAuthfile(filepath.Join(dir, "auth.json")); err != nil {
		t.Fatalf("UseAuthfile: %v", err)
	}
	if got := os.Getenv(config.EnvOverrideConfigDir); got != dir {
		t.Fatalf("DOCKER_CONFIG = %q, want %q", got, dir)
	}
}
