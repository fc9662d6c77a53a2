// File: internal/workflows/buildsvc/run.go
// Brief: Build workflow: recipe, render, backend, history, tag records.

package buildsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/sbctl/internal/dockerconfig"
	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/internal/pipeline"
	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/pkg/buildkit"
	"github.com/example/sbctl/pkg/registry"
)

// Dependencies configures a build Service. Nil fields get the production
// implementations.
type Dependencies struct {
	BuildRunner buildkit.Runner
	// Executor runs RUN steps for the layered backend.
	Executor pipeline.Executor
	Bases    pipeline.BaseResolver
	Registry registry.Client
	Logger   logr.Logger
}

type service struct {
	buildRunner buildkit.Runner
	executor    pipeline.Executor
	bases       pipeline.BaseResolver
	registry    registry.Client
	log         logr.Logger
}

// New returns a default build Service.
func New(deps Dependencies) Service {
	br := deps.BuildRunner
	if br == nil {
		br = buildkit.NewRunner()
	}
	reg := deps.Registry
	if reg == nil {
		reg = registry.NewClient()
	}
	return &service{
		buildRunner: br,
		executor:    deps.Executor,
		bases:       deps.Bases,
		registry:    reg,
		log:         deps.Logger,
	}
}

// buildEnv is the resolved state shared by both backends.
type buildEnv struct {
	opts       Options
	recipe     recipe.Recipe
	contextAbs string
	dockerfile string
	tags       []string
	ociDir     string
	store      *layerstore.Store
	console    *consoleObserver
	stepOutput io.Writer
	errOut     io.Writer
}

// Run executes the build workflow with the provided options.
func (s *service) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	streams := opts.Streams
	errOut := streams.ErrWriter()

	contextDir := opts.ContextDir
	if contextDir == "" {
		contextDir = "."
	}
	contextAbs, err := filepath.Abs(contextDir)
	if err != nil {
		return nil, err
	}
	if !dirExists(contextAbs) {
		return nil, fmt.Errorf("build context %s is not a directory", contextAbs)
	}

	r, recipePath, err := LoadRecipe(contextAbs, opts.RecipePath)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe: %w", err)
	}
	log := s.log.WithValues("recipe", r.Name)
	if recipePath != "" {
		log.V(1).Info("recipe loaded", "path", recipePath)
	}

	dockerfile, err := WriteRendered(contextAbs, r)
	if err != nil {
		return nil, err
	}
	findings, err := lintRendered(dockerfile)
	if err != nil {
		return nil, err
	}
	for _, f := range findings {
		log.Info("lint", "finding", f.String())
	}

	backend := opts.Backend
	if backend == "" {
		backend = BackendLayered
	}
	tags := normalizeTags(opts.Tags)
	if len(tags) == 0 {
		tags = []string{buildkit.DefaultLocalTag(r.Name)}
	}
	ociDir := opts.OCIOutput
	if ociDir == "" {
		ociDir = buildkit.DefaultOCIOutputDir(contextAbs)
	}
	storeDir := opts.CacheDir
	if storeDir == "" {
		storeDir = layerstore.DefaultDir()
	}
	store, err := layerstore.Open(storeDir)
	if err != nil {
		return nil, fmt.Errorf("open build cache: %w", err)
	}
	defer store.Close()

	mode := ResolveOutputMode(opts.Output, detectTTY(streams) != nil && streams.IsTerminal(errOut))
	env := &buildEnv{
		opts:       opts,
		recipe:     r,
		contextAbs: contextAbs,
		dockerfile: dockerfile,
		tags:       tags,
		ociDir:     ociDir,
		store:      store,
		errOut:     errOut,
	}
	if mode != OutputModeQuiet {
		env.console = newConsoleObserver(errOut, opts.LogLevel)
		env.stepOutput = errOut
	}

	var res *Result
	switch backend {
	case BackendLayered:
		res, err = s.runLayered(ctx, env)
	case BackendDockerfile:
		res, err = s.runDockerfile(ctx, env, mode)
	default:
		return nil, fmt.Errorf("unknown backend %q (expected %s or %s)", backend, BackendLayered, BackendDockerfile)
	}
	if res != nil && mode != OutputModeQuiet {
		writeStageSummary(errOut, res.Steps, time.Since(start))
	}
	if err != nil {
		return res, err
	}

	if err := s.registry.RecordBuild(tags, ociDir, res.Digest); err != nil {
		return res, fmt.Errorf("record tags: %w", err)
	}
	if mode != OutputModeQuiet {
		fmt.Fprintf(errOut, "Built %s (%s) in %s\n", strings.Join(tags, ", "), shortDigest(res.Digest), time.Since(start).Round(time.Millisecond))
	}
	return res, nil
}

func (s *service) runLayered(ctx context.Context, env *buildEnv) (*Result, error) {
	opts := env.opts
	if opts.Pull || len(opts.CacheFrom) > 0 || len(opts.CacheTo) > 0 {
		s.log.Info("pull and external cache options only apply to the dockerfile backend; ignoring them")
	}
	platform, err := parsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	exec := s.executor
	if exec == nil {
		cfg, err := dockerconfig.Load(opts.DockerConfig, env.errOut)
		if err != nil {
			return nil, err
		}
		llbExec := &buildkit.LLBExecutor{
			BuilderAddr:          opts.Builder,
			AllowBuilderFallback: opts.AllowBuilderFallback,
			DockerConfig:         cfg,
			Log:                  env.errOut,
		}
		defer llbExec.Close()
		exec = llbExec
	}
	bases := s.bases
	if bases == nil {
		bases = &pipeline.RegistryBases{
			Platform: platform,
			CacheDir: filepath.Join(env.store.Root(), "bases"),
		}
	}
	engine := &pipeline.Engine{
		Store:    env.store,
		Executor: exec,
		Bases:    bases,
		Logger:   s.log,
		Output:   env.stepOutput,
		Platform: platform,
	}
	if env.console != nil {
		engine.Observers = append(engine.Observers, env.console)
	}

	built, err := engine.Build(ctx, env.recipe, pipeline.BuildOptions{
		Inputs:     pipeline.Inputs{ContextDir: env.contextAbs, NoCache: opts.NoCache},
		Tag:        env.tags[0],
		LayoutPath: env.ociDir,
	})
	res := &Result{
		Recipe:       env.recipe.Name,
		Backend:      BackendLayered,
		Tags:         env.tags,
		OCIOutputDir: env.ociDir,
		Dockerfile:   env.dockerfile,
	}
	if built != nil {
		res.Steps = outcomesFromEngine(built.Steps)
	}
	if err != nil {
		return res, err
	}
	for _, tag := range env.tags[1:] {
		if err := pipeline.TagLayout(env.ociDir, tag, built.Image); err != nil {
			return res, err
		}
	}
	res.Digest = built.ImageDigest.String()
	return res, nil
}

func (s *service) runDockerfile(ctx context.Context, env *buildEnv, mode OutputMode) (*Result, error) {
	opts := env.opts
	r := env.recipe
	started := time.Now()

	// Manifest problems surface here, before BuildKit runs the installer.
	inputs, err := snapshotInputs(ctx, env.contextAbs, r)
	if err != nil {
		return nil, err
	}
	s.log.V(1).Info("dependency manifest", "packages", inputs.manifest.Names(), "digest", inputs.manifest.Digest().String())
	if unpinned := inputs.manifest.Unpinned(); len(unpinned) > 0 {
		s.log.V(1).Info("unpinned requirements", "count", len(unpinned))
	}
	last, err := lastSteps(ctx, env.store, r.Name, BackendDockerfile)
	if err != nil {
		return nil, fmt.Errorf("read build history: %w", err)
	}
	cfg, err := dockerconfig.Load(opts.DockerConfig, env.errOut)
	if err != nil {
		return nil, err
	}
	cacheImports, err := parseCacheSpecs(opts.CacheFrom)
	if err != nil {
		return nil, err
	}
	cacheExports, err := parseCacheSpecs(opts.CacheTo)
	if err != nil {
		return nil, err
	}

	collector := newStepCollector()
	diagObservers := []buildkit.BuildDiagnosticObserver{collector}
	var phases buildkit.PhaseEmitter
	if env.console != nil {
		diagObservers = append(diagObservers, env.console)
		phases = env.console
	}
	var platforms []string
	if opts.Platform != "" {
		platforms = []string{opts.Platform}
	}
	cacheDir := buildkit.DefaultCacheDir()
	if opts.CacheDir != "" {
		cacheDir = filepath.Join(opts.CacheDir, "buildkit")
	}

	built, buildErr := s.buildRunner.BuildDockerfile(ctx, buildkit.DockerfileBuildOptions{
		BuilderAddr:          opts.Builder,
		AllowBuilderFallback: opts.AllowBuilderFallback,
		ContextDir:           env.contextAbs,
		DockerfilePath:       env.dockerfile,
		Platforms:            platforms,
		Tags:                 env.tags,
		CacheDir:             cacheDir,
		NoCache:              opts.NoCache,
		Pull:                 opts.Pull,
		CacheImports:         cacheImports,
		CacheExports:         cacheExports,
		ProgressMode:         mode.progressMode(),
		ProgressOutput:       resolveConsoleFile(env.errOut),
		DockerConfig:         cfg,
		OCIOutputPath:        env.ociDir,
		Stages:               buildkit.NewStageClassifier(r.Steps()),
		DiagnosticObservers:  diagObservers,
		PhaseEmitter:         phases,
	})

	steps := dockerfileHistory(r, inputs, collector, buildErr != nil)
	rec := layerstore.Build{
		Recipe:     r.Name,
		Backend:    string(BackendDockerfile),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Outcome:    layerstore.BuildSucceeded,
		Steps:      steps,
	}
	res := &Result{
		Recipe:       r.Name,
		Backend:      BackendDockerfile,
		Tags:         env.tags,
		OCIOutputDir: env.ociDir,
		Dockerfile:   env.dockerfile,
		Steps:        outcomesFromHistory(steps, last),
	}
	if buildErr == nil && built != nil {
		res.Digest = built.Digest
		rec.ImageDigest = built.Digest
		if built.OCIOutputPath != "" {
			res.OCIOutputDir = built.OCIOutputPath
		}
	}
	if buildErr == nil && res.Digest == "" {
		buildErr = errors.New("builder returned no image digest")
	}
	if buildErr != nil {
		rec.Outcome = layerstore.BuildFailed
		rec.Error = buildErr.Error()
	}
	if _, err := env.store.RecordBuild(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error(err, "record build history")
	}
	return res, buildErr
}

func normalizeTags(values []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, chunk := range values {
		for _, tag := range strings.Split(chunk, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

func parseCacheSpecs(values []string) ([]buildkit.CacheSpec, error) {
	var out []buildkit.CacheSpec
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		spec, err := buildkit.ParseCacheSpec(v)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}
