package buildkit

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/containerd/console"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/opencontainers/go-digest"

	"github.com/example/sbctl/internal/recipe"
)

// CacheSpec is one extra cache import or export, e.g. a registry cache.
type CacheSpec struct {
	Type  string
	Attrs map[string]string
}

// ParseCacheSpec reads the comma-separated key=value form used by
// docker buildx, e.g. "type=registry,ref=ghcr.io/acme/studio-brain:cache".
// A bare value is shorthand for a registry ref.
func ParseCacheSpec(raw string) (CacheSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CacheSpec{}, fmt.Errorf("empty cache spec")
	}
	if !strings.Contains(raw, "=") {
		return CacheSpec{Type: "registry", Attrs: map[string]string{"ref": raw}}, nil
	}
	spec := CacheSpec{Attrs: map[string]string{}}
	for _, field := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || k == "" {
			return CacheSpec{}, fmt.Errorf("invalid cache spec %q: field %q is not key=value", raw, field)
		}
		if k == "type" {
			spec.Type = v
			continue
		}
		spec.Attrs[k] = v
	}
	if spec.Type == "" {
		return CacheSpec{}, fmt.Errorf("invalid cache spec %q: missing type", raw)
	}
	return spec, nil
}

// DockerfileBuildOptions configures one dockerfile.v0 solve. Zero values get
// the defaults of this package.
type DockerfileBuildOptions struct {
	BuilderAddr          string
	AllowBuilderFallback bool
	DockerConfig         *configfile.ConfigFile

	ContextDir     string
	DockerfilePath string
	Platforms      []string
	Pull           bool

	Tags          []string
	OCIOutputPath string
	CacheDir      string
	CacheImports  []CacheSpec
	CacheExports  []CacheSpec
	NoCache       bool

	ProgressMode   string
	ProgressOutput console.File
	// Stages maps solve vertices back to recipe steps for diagnostics.
	Stages              *StageClassifier
	DiagnosticObservers []BuildDiagnosticObserver
	PhaseEmitter        PhaseEmitter
}

// BuildResult is the exported image of a solve.
type BuildResult struct {
	Digest           string
	ExporterResponse map[string]string
	OCIOutputPath    string
}

// BuildDiagnosticType is the cache verdict of a vertex.
type BuildDiagnosticType string

const (
	DiagnosticCacheHit  BuildDiagnosticType = "cache_hit"
	DiagnosticCacheMiss BuildDiagnosticType = "cache_miss"
)

// BuildDiagnostic is the cache verdict of one vertex. Step and Stage are set
// when the vertex belongs to a recipe step.
type BuildDiagnostic struct {
	Vertex digest.Digest
	Name   string
	Type   BuildDiagnosticType
	Reason string
	Step   string
	Stage  recipe.Stage
}

type BuildDiagnosticObserver interface {
	HandleDiagnostic(BuildDiagnostic)
}

// PhaseEmitter receives connect and solve transitions. It is called from the
// solving goroutine and must not block.
type PhaseEmitter interface {
	EmitPhase(name, state, message string)
}

func emitPhase(e PhaseEmitter, name, state, message string) {
	if e != nil {
		e.EmitPhase(name, state, message)
	}
}

// Runner runs dockerfile solves. Tests replace it with a fake.
type Runner interface {
	BuildDockerfile(ctx context.Context, opts DockerfileBuildOptions) (*BuildResult, error)
}

type defaultRunner struct{}

func NewRunner() Runner {
	return defaultRunner{}
}

func (defaultRunner) BuildDockerfile(ctx context.Context, opts DockerfileBuildOptions) (*BuildResult, error) {
	return BuildDockerfile(ctx, opts)
}

// DefaultBuilderAddress picks the builder from SBCTL_BUILDKIT_HOST, then
// BUILDKIT_HOST, then the rootless or system buildkitd socket.
func DefaultBuilderAddress() string {
	for _, env := range []string{"SBCTL_BUILDKIT_HOST", "BUILDKIT_HOST"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	const system = "unix:///run/buildkit/buildkitd.sock"
	switch {
	case runtime.GOOS == "windows":
		return "npipe:////./pipe/buildkitd"
	case os.Getenv("XDG_RUNTIME_DIR") != "":
		return "unix://" + filepath.Join(os.Getenv("XDG_RUNTIME_DIR"), "buildkit", "buildkitd.sock")
	}
	u, err := user.Current()
	if err != nil || u.Uid == "" || u.Uid == "0" {
		return system
	}
	return fmt.Sprintf("unix:///run/user/%s/buildkit/buildkitd.sock", u.Uid)
}

// DefaultCacheDir is the local BuildKit cache import/export directory.
func DefaultCacheDir() string {
	if v := os.Getenv("SBCTL_BUILDKIT_CACHE"); v != "" {
		return v
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "sbctl", "buildkit-cache")
}

// DefaultOCIOutputDir returns the OCI layout directory inside the context.
func DefaultOCIOutputDir(contextDir string) string {
	abs := contextDir
	if !filepath.IsAbs(abs) {
		abs, _ = filepath.Abs(abs)
	}
	return filepath.Join(abs, ".sbctl", "oci")
}

// DefaultLocalTag is the tag a build gets when none is given.
func DefaultLocalTag(name string) string {
	repo := strings.NewReplacer(" ", "-", "_", "-").Replace(strings.ToLower(strings.TrimSpace(name)))
	if repo = strings.Trim(repo, "-."); repo == "" {
		repo = "app"
	}
	return "sbctl.local/" + repo + ":dev"
}
