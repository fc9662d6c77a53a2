package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/dockerconfig"
	"github.com/example/sbctl/internal/workflows/buildsvc"
)

type buildCLIOptions struct {
	recipePath   string
	backend      string
	tags         []string
	noCache      bool
	cacheDir     string
	builder      string
	fallback     bool
	pull         bool
	cacheFrom    []string
	cacheTo      []string
	ociOutput    string
	platform     string
	authfile     string
	output       string
	resultFormat string
}

func newBuildCommand(state *rootState) *cobra.Command {
	opts := buildCLIOptions{}
	cmd := &cobra.Command{
		Use:   "build [CONTEXT]",
		Short: "Build the application image from the recipe",
		Long: `Build renders the recipe, lints the rendered Dockerfile and builds the image
with one of two backends:

  layered     content-addressed layers kept in the local cache (default)
  dockerfile  a BuildKit solve of the rendered Dockerfile

The dependency manifest is copied and installed before the source tree, so a
source-only change reuses the installed dependency layer.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextDir := contextArg(args)
			defaults, err := loadDefaults(cmd, contextDir)
			if err != nil {
				return err
			}
			applyStringDefault(cmd, "backend", &opts.backend, defaults.Build.Backend)
			applyStringDefault(cmd, "cache-dir", &opts.cacheDir, defaults.Build.CacheDir)
			applyStringDefault(cmd, "builder", &opts.builder, defaults.Build.Builder)
			applyStringDefault(cmd, "recipe", &opts.recipePath, defaults.Build.Recipe)
			applyStringDefault(cmd, "progress", &opts.output, defaults.Build.Output)

			if err := validatePlatform(opts.platform); err != nil {
				return err
			}
			if opts.authfile != "" {
				if err := dockerconfig.UseAuthfile(opts.authfile); err != nil {
					return err
				}
			}
			svc := buildsvc.New(buildsvc.Dependencies{
				BuildRunner: state.deps.BuildRunner,
				Executor:    state.deps.Executor,
				Bases:       state.deps.Bases,
				Registry:    state.deps.Registry,
				Logger:      state.logger,
			})
			res, err := svc.Run(cmd.Context(), buildsvc.Options{
				ContextDir:           contextDir,
				RecipePath:           opts.recipePath,
				Backend:              buildsvc.Backend(strings.ToLower(strings.TrimSpace(opts.backend))),
				Tags:                 opts.tags,
				CacheDir:             opts.cacheDir,
				Builder:              opts.builder,
				AllowBuilderFallback: opts.fallback,
				NoCache:              opts.noCache,
				Pull:                 opts.pull,
				CacheFrom:            opts.cacheFrom,
				CacheTo:              opts.cacheTo,
				OCIOutput:            opts.ociOutput,
				Platform:             opts.platform,
				DockerConfig:         opts.authfile,
				Output:               opts.output,
				LogLevel:             state.logLevel,
				Streams: buildsvc.Streams{
					In:  cmd.InOrStdin(),
					Out: cmd.OutOrStdout(),
					Err: cmd.ErrOrStderr(),
				},
			})
			if err != nil {
				return err
			}
			switch strings.ToLower(opts.resultFormat) {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			case "digest":
				fmt.Fprintln(cmd.OutOrStdout(), res.Digest)
			case "", "none":
			default:
				return fmt.Errorf("unsupported result format %q (expected none, digest or json)", opts.resultFormat)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.recipePath, "recipe", "", "Recipe file (defaults to sbctl.yaml in the context, then the built-in recipe)")
	f.StringVar(&opts.backend, "backend", string(buildsvc.BackendLayered), "Build backend (layered, dockerfile)")
	f.StringSliceVarP(&opts.tags, "tag", "t", nil, "Image tag, repeatable (defaults to <recipe>:dev)")
	f.BoolVar(&opts.noCache, "no-cache", false, "Rebuild every layer")
	f.StringVar(&opts.cacheDir, "cache-dir", "", "Layer cache and build history directory")
	f.StringVar(&opts.builder, "builder", "", "BuildKit address (defaults to SBCTL_BUILDKIT_HOST, BUILDKIT_HOST or the rootless socket)")
	f.BoolVar(&opts.fallback, "builder-fallback", true, "Provision a Docker Buildx builder when BuildKit is unreachable")
	f.BoolVar(&opts.pull, "pull", false, "Always resolve the base image from its registry (dockerfile backend)")
	f.StringArrayVar(&opts.cacheFrom, "cache-from", nil, "Extra BuildKit cache import, e.g. type=registry,ref=REF (dockerfile backend)")
	f.StringArrayVar(&opts.cacheTo, "cache-to", nil, "Extra BuildKit cache export, e.g. type=registry,ref=REF,mode=max (dockerfile backend)")
	f.StringVar(&opts.ociOutput, "oci-output", "", "OCI layout directory for the result (defaults to .sbctl/oci in the context)")
	f.StringVar(&opts.platform, "platform", "", "Target platform, e.g. linux/amd64")
	f.StringVar(&opts.authfile, "authfile", "", "Docker config.json with registry credentials")
	f.StringVar(&opts.output, "progress", "auto", "Progress output (auto, tty, logs, quiet)")
	f.StringVar(&opts.resultFormat, "print", "none", "Print the result after the build (none, digest, json)")
	return cmd
}
