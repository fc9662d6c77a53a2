package buildkit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/moby/buildkit/client"
	"github.com/moby/buildkit/exporter/containerimage/exptypes"
	"github.com/moby/buildkit/session"
	"github.com/moby/buildkit/session/auth/authprovider"
	"github.com/moby/buildkit/util/progress/progresswriter"
)

// dockerfileSolve is a DockerfileBuildOptions with every path resolved and
// every directory created.
type dockerfileSolve struct {
	opts          DockerfileBuildOptions
	contextDir    string
	dockerfileDir string
	filename      string
	cacheDir      string
	ociPath       string
}

func resolveSolve(opts DockerfileBuildOptions) (*dockerfileSolve, error) {
	if opts.ContextDir == "" {
		opts.ContextDir = "."
	}
	contextDir, err := filepath.Abs(opts.ContextDir)
	if err != nil {
		return nil, fmt.Errorf("resolve context: %w", err)
	}
	if info, err := os.Stat(contextDir); err != nil {
		return nil, fmt.Errorf("context %s: %w", contextDir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("context %s is not a directory", contextDir)
	}

	df := opts.DockerfilePath
	switch {
	case df == "":
		df = filepath.Join(contextDir, "Dockerfile")
	case !filepath.IsAbs(df):
		df = filepath.Join(contextDir, df)
	}
	if info, err := os.Stat(df); err != nil {
		return nil, fmt.Errorf("stat dockerfile: %w", err)
	} else if info.IsDir() {
		return nil, fmt.Errorf("dockerfile path %s is a directory", df)
	}

	if opts.ProgressOutput == nil {
		opts.ProgressOutput = os.Stderr
	}
	if opts.ProgressMode == "" {
		opts.ProgressMode = "auto"
	}
	if opts.DockerConfig == nil {
		opts.DockerConfig = config.LoadDefaultConfigFile(os.Stderr)
	}
	if opts.BuilderAddr == "" {
		opts.BuilderAddr = DefaultBuilderAddress()
	}

	s := &dockerfileSolve{
		opts:          opts,
		contextDir:    contextDir,
		dockerfileDir: filepath.Dir(df),
		filename:      filepath.Base(df),
		cacheDir:      opts.CacheDir,
		ociPath:       opts.OCIOutputPath,
	}
	if s.cacheDir == "" {
		s.cacheDir = DefaultCacheDir()
	}
	if s.ociPath == "" {
		s.ociPath = DefaultOCIOutputDir(contextDir)
	}
	for _, dir := range []string{s.cacheDir, s.ociPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// BuildDockerfile solves a Dockerfile with the dockerfile.v0 frontend and
// exports the image as an OCI layout directory.
func BuildDockerfile(ctx context.Context, opts DockerfileBuildOptions) (*BuildResult, error) {
	s, err := resolveSolve(opts)
	if err != nil {
		return nil, err
	}
	opts = s.opts

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	emitPhase(opts.PhaseEmitter, "connect", "running", opts.BuilderAddr)
	c, addr, err := newBuilderDialer(opts.AllowBuilderFallback, opts.ProgressOutput).dial(ctx, opts.BuilderAddr)
	if err != nil {
		emitPhase(opts.PhaseEmitter, "connect", "failed", err.Error())
		return nil, err
	}
	defer c.Close()
	emitPhase(opts.PhaseEmitter, "connect", "done", addr)

	solveOpt := s.solveOpt(s.platforms(ctx, c))

	pw, err := progresswriter.NewPrinter(context.TODO(), opts.ProgressOutput, opts.ProgressMode)
	if err != nil {
		return nil, fmt.Errorf("create progress UI: %w", err)
	}
	if len(opts.DiagnosticObservers) > 0 {
		statuses := make(chan *client.SolveStatus)
		pw = progresswriter.Tee(pw, statuses)
		go watchDiagnostics(statuses, opts.Stages, opts.DiagnosticObservers)
	}

	emitPhase(opts.PhaseEmitter, "solve", "running", s.filename)
	resp, err := c.Solve(ctx, nil, solveOpt, pw.Status())
	<-pw.Done()
	err = errors.Join(err, pw.Err())
	if err != nil {
		emitPhase(opts.PhaseEmitter, "solve", "failed", err.Error())
		return nil, err
	}
	emitPhase(opts.PhaseEmitter, "solve", "done", "")

	res := &BuildResult{
		Digest:           resp.ExporterResponse[exptypes.ExporterImageDigestKey],
		ExporterResponse: resp.ExporterResponse,
		OCIOutputPath:    s.ociPath,
	}
	if res.Digest == "" {
		res.Digest = resp.ExporterResponse["oci.digest"]
	}
	return res, nil
}

// platforms returns the requested platforms, or the builder's platform that
// best matches the host.
func (s *dockerfileSolve) platforms(ctx context.Context, c workerLister) []string {
	if p := NormalizePlatforms(s.opts.Platforms); len(p) > 0 {
		return p
	}
	if detected, err := detectBuilderPlatforms(ctx, c); err == nil {
		if p := selectDefaultBuilderPlatform(detected, runtime.GOOS, runtime.GOARCH); p != "" {
			return []string{p}
		}
	}
	return []string{defaultPlatform("linux", runtime.GOARCH)}
}

func (s *dockerfileSolve) solveOpt(platforms []string) client.SolveOpt {
	attrs := map[string]string{
		"filename": s.filename,
		"platform": strings.Join(platforms, ","),
	}
	if s.opts.Pull {
		attrs["image-resolve-mode"] = "pull"
	}
	if s.opts.NoCache {
		attrs["no-cache"] = ""
	}
	out := client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    s.contextDir,
			"dockerfile": s.dockerfileDir,
		},
		Session: buildSessionAttachables(s.opts.DockerConfig),
		Exports: ociExport(s.ociPath, s.opts.Tags),
	}
	out.CacheImports, out.CacheExports = cacheEntries(s.cacheDir, s.opts)
	return out
}

// buildSessionAttachables exposes the registry credentials of cfg to
// buildkitd. A nil cfg loads the default docker config.
func buildSessionAttachables(cfg *configfile.ConfigFile) []session.Attachable {
	if cfg == nil {
		cfg = config.LoadDefaultConfigFile(os.Stderr)
	}
	return []session.Attachable{
		authprovider.NewDockerAuthProvider(authprovider.DockerAuthProviderConfig{
			AuthConfigProvider: authprovider.LoadAuthConfig(cfg),
		}),
	}
}

// ociExport writes an unpacked OCI layout. The tags name the image inside it.
func ociExport(dir string, tags []string) []client.ExportEntry {
	attrs := map[string]string{"tar": "false"}
	if len(tags) > 0 {
		attrs[string(exptypes.OptKeyName)] = strings.Join(tags, ",")
	}
	return []client.ExportEntry{{Type: client.ExporterOCI, Attrs: attrs, OutputDir: dir}}
}

// cacheEntries imports and exports the local cache directory unless caching
// is disabled. Extra imports such as a registry cache are dropped under
// NoCache; extra exports are always written.
func cacheEntries(cacheDir string, opts DockerfileBuildOptions) (imports, exports []client.CacheOptionsEntry) {
	exports = cacheOptions(opts.CacheExports)
	if opts.NoCache {
		return nil, exports
	}
	imports = append([]client.CacheOptionsEntry{{
		Type:  "local",
		Attrs: map[string]string{"src": cacheDir},
	}}, cacheOptions(opts.CacheImports)...)
	exports = append(exports, client.CacheOptionsEntry{
		Type:  "local",
		Attrs: map[string]string{"dest": cacheDir, "mode": "max"},
	})
	return imports, exports
}

func cacheOptions(specs []CacheSpec) []client.CacheOptionsEntry {
	out := make([]client.CacheOptionsEntry, 0, len(specs))
	for _, spec := range specs {
		if spec.Type != "" {
			out = append(out, client.CacheOptionsEntry{Type: spec.Type, Attrs: maps.Clone(spec.Attrs)})
		}
	}
	return out
}
