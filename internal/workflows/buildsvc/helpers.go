// File: internal/workflows/buildsvc/helpers.go
// Brief: Recipe discovery, rendered artifacts and console detection.

package buildsvc

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/console"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/example/sbctl/internal/dockerlint"
	"github.com/example/sbctl/internal/recipe"
)

// RecipeFiles are looked up in the build context, in order.
var RecipeFiles = []string{"sbctl.yaml", "sbctl.yml"}

// RenderDir holds the generated Dockerfile inside the build context.
const RenderDir = ".sbctl"

// LoadRecipe reads path, or the first recipe file found in contextDir, or
// falls back to the built-in recipe. It returns the file it used, if any.
func LoadRecipe(contextDir, path string) (recipe.Recipe, string, error) {
	if strings.TrimSpace(path) != "" {
		r, err := recipe.Load(path)
		return r, path, err
	}
	for _, name := range RecipeFiles {
		candidate := filepath.Join(contextDir, name)
		if fileExists(candidate) {
			r, err := recipe.Load(candidate)
			return r, candidate, err
		}
	}
	return recipe.Default(), "", nil
}

// WriteRendered writes the Dockerfile and its dockerignore under
// <contextDir>/.sbctl. BuildKit picks up <Dockerfile>.dockerignore next to
// the Dockerfile in preference to the context's .dockerignore.
func WriteRendered(contextDir string, r recipe.Recipe) (string, error) {
	dir := filepath.Join(contextDir, RenderDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	var df, ignore bytes.Buffer
	if err := r.RenderDockerfile(&df); err != nil {
		return "", err
	}
	if err := r.RenderDockerignore(&ignore); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "Dockerfile")
	if err := writeIfChanged(path, df.Bytes()); err != nil {
		return "", err
	}
	if err := writeIfChanged(path+".dockerignore", ignore.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// lintRendered rejects a rendered Dockerfile that breaks the cache ordering.
func lintRendered(path string) ([]dockerlint.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	findings, err := dockerlint.Lint(f)
	if err != nil {
		return nil, err
	}
	if dockerlint.HasErrors(findings) {
		msgs := make([]string, 0, len(findings))
		for _, f := range findings {
			msgs = append(msgs, f.String())
		}
		return findings, fmt.Errorf("rendered Dockerfile %s fails lint:\n%s", path, strings.Join(msgs, "\n"))
	}
	return findings, nil
}

func writeIfChanged(path string, data []byte) error {
	if prev, err := os.ReadFile(path); err == nil && bytes.Equal(prev, data) {
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}

func parsePlatform(raw string) (*v1.Platform, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	p, err := v1.ParsePlatform(raw)
	if err != nil {
		return nil, fmt.Errorf("parse platform %q: %w", raw, err)
	}
	return p, nil
}

func resolveConsoleFile(w io.Writer) console.File {
	if cf, ok := w.(console.File); ok {
		return cf
	}
	return os.Stderr
}

func detectTTY(streams Streams) console.File {
	for _, c := range streams.terminalCandidates() {
		if cf, ok := c.(console.File); ok {
			return cf
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
