package appconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadRepoOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "home", "config.yaml")
	repo := filepath.Join(dir, "repo", RepoFile)
	writeFile(t, global, "build:\n  backend: dockerfile\n  cacheDir: /tmp/global\nrun:\n  startupTimeout: 90s\n")
	writeFile(t, repo, "build:\n  backend: layered\nrun:\n  waitLog: ready\n")

	cfg, err := Load(context.Background(), global, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Build.Backend != "layered" {
		t.Fatalf("expected repo backend to win, got %q", cfg.Build.Backend)
	}
	if cfg.Build.CacheDir != "/tmp/global" {
		t.Fatalf("expected global cacheDir to survive, got %q", cfg.Build.CacheDir)
	}
	if cfg.Run.StartupTimeout != 90*time.Second || cfg.Run.WaitLog != "ready" {
		t.Fatalf("unexpected run config: %+v", cfg.Run)
	}
}

func TestLoadMissingFilesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(context.Background(), filepath.Join(dir, "nope.yaml"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != (Config{}) {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, RepoFile)
	writeFile(t, path, "build:\n  hermetic: true\n")
	if _, err := Load(context.Background(), "", path); err == nil {
		t.Fatalf("expected unknown key to fail")
	}
}

func TestFindRepoRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, RepoFile), "")
	nested := filepath.Join(dir, "pages", "chat")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if got := FindRepoRoot(nested); got != dir {
		t.Fatalf("FindRepoRoot = %q, want %q", got, dir)
	}
	if got := DefaultRepoPath(dir); got != filepath.Join(dir, RepoFile) {
		t.Fatalf("DefaultRepoPath = %q", got)
	}
}

func TestLoadResolvesPathsAgainstConfigFile(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, RepoFile)
	writeFile(t, repo, "build:\n  recipe: deploy/sbctl.yaml\n  cacheDir: ~/sbctl-cache\n")

	cfg, err := Load(context.Background(), "", repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(dir, "deploy", "sbctl.yaml"); cfg.Build.Recipe != want {
		t.Fatalf("recipe = %q, want %q", cfg.Build.Recipe, want)
	}
	home, err := homedir.Dir()
	if err != nil {
		t.Fatalf("home dir: %v", err)
	}
	if want := filepath.Join(home, "sbctl-cache"); cfg.Build.CacheDir != want {
		t.Fatalf("cacheDir = %q, want %q", cfg.Build.CacheDir, want)
	}
}
