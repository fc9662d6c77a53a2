// Package appconfig loads sbctl defaults from the user's global config file
// and the repository's .sbctl.yaml. Flags always win over both.
package appconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// RepoFile is the per-repository config file name.
const RepoFile = ".sbctl.yaml"

type BuildConfig struct {
	Backend  string `yaml:"backend,omitempty"`
	CacheDir string `yaml:"cacheDir,omitempty"`
	Builder  string `yaml:"builder,omitempty"`
	Recipe   string `yaml:"recipe,omitempty"`
	Output   string `yaml:"output,omitempty"`
}

type RunConfig struct {
	StartupTimeout time.Duration `yaml:"startupTimeout,omitempty"`
	WaitLog        string        `yaml:"waitLog,omitempty"`
	Local          *bool         `yaml:"local,omitempty"`
}

type Config struct {
	Build BuildConfig `yaml:"build,omitempty"`
	Run   RunConfig   `yaml:"run,omitempty"`
}

func DefaultGlobalPath() string {
	home, err := homedir.Dir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, ".sbctl", "config.yaml")
}

func DefaultRepoPath(repoRoot string) string {
	repoRoot = strings.TrimSpace(repoRoot)
	if repoRoot == "" {
		return ""
	}
	return filepath.Join(repoRoot, RepoFile)
}

// Load reads the global file, then the repo file on top of it. Missing files
// are not an error.
func Load(ctx context.Context, globalPath, repoPath string) (Config, error) {
	_ = ctx
	cfg := Config{}
	for _, src := range []struct{ kind, path string }{{"global", globalPath}, {"repo", repoPath}} {
		if strings.TrimSpace(src.path) == "" {
			continue
		}
		c, err := loadOne(src.path)
		if err != nil {
			return Config{}, fmt.Errorf("load %s config %s: %w", src.kind, src.path, err)
		}
		cfg = merge(cfg, c)
	}
	return cfg, nil
}

func loadOne(path string) (Config, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Config{}, nil
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	base := filepath.Dir(strings.TrimSpace(path))
	if cfg.Build.CacheDir, err = resolvePath(base, cfg.Build.CacheDir); err != nil {
		return Config{}, err
	}
	if cfg.Build.Recipe, err = resolvePath(base, cfg.Build.Recipe); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolvePath expands a leading ~ and anchors relative paths at the
// directory of the config file that named them.
func resolvePath(base, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(base, expanded)
	}
	return expanded, nil
}

func merge(a, b Config) Config {
	out := a
	if b.Build.Backend != "" {
		out.Build.Backend = b.Build.Backend
	}
	if b.Build.CacheDir != "" {
		out.Build.CacheDir = b.Build.CacheDir
	}
	if b.Build.Builder != "" {
		out.Build.Builder = b.Build.Builder
	}
	if b.Build.Recipe != "" {
		out.Build.Recipe = b.Build.Recipe
	}
	if b.Build.Output != "" {
		out.Build.Output = b.Build.Output
	}
	if b.Run.StartupTimeout > 0 {
		out.Run.StartupTimeout = b.Run.StartupTimeout
	}
	if b.Run.WaitLog != "" {
		out.Run.WaitLog = b.Run.WaitLog
	}
	if b.Run.Local != nil {
		out.Run.Local = b.Run.Local
	}
	return out
}
