package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/containerrun"
	"github.com/example/sbctl/internal/launcher"
	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/internal/workflows/buildsvc"
	"github.com/example/sbctl/pkg/buildkit"
	"github.com/example/sbctl/pkg/registry"
)

type runCLIOptions struct {
	recipePath string
	local      bool
	tag        string
	timeout    time.Duration
	waitLog    string
	command    string
	env        []string
}

func newRunCommand(state *rootState) *cobra.Command {
	opts := runCLIOptions{}
	cmd := &cobra.Command{
		Use:   "run [CONTEXT]",
		Short: "Launch the application and wait until it serves",
		Long: `Run starts the single foreground process of the recipe and blocks until it
exits. The process counts as running once its port accepts connections.

By default the image built for --tag is loaded into the local Docker daemon
and started as a container. With --local the launch command runs directly
from the context directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextDir, err := filepath.Abs(contextArg(args))
			if err != nil {
				return err
			}
			defaults, err := loadDefaults(cmd, contextDir)
			if err != nil {
				return err
			}
			applyStringDefault(cmd, "recipe", &opts.recipePath, defaults.Build.Recipe)
			applyStringDefault(cmd, "wait-log", &opts.waitLog, defaults.Run.WaitLog)
			if !cmd.Flags().Changed("timeout") && defaults.Run.StartupTimeout > 0 {
				opts.timeout = defaults.Run.StartupTimeout
			}
			if !cmd.Flags().Changed("local") && defaults.Run.Local != nil {
				opts.local = *defaults.Run.Local
			}

			r, _, err := buildsvc.LoadRecipe(contextDir, opts.recipePath)
			if err != nil {
				return err
			}
			if err := r.Validate(); err != nil {
				return fmt.Errorf("invalid recipe: %w", err)
			}
			override, err := parseCommand(opts.command)
			if err != nil {
				return err
			}
			if opts.local {
				return runLocal(cmd, state, r, contextDir, opts, override)
			}
			return runContainer(cmd, state, r, opts, override)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.recipePath, "recipe", "", "Recipe file (defaults to sbctl.yaml in the context, then the built-in recipe)")
	f.BoolVar(&opts.local, "local", false, "Run the launch command on the host instead of in a container")
	f.StringVarP(&opts.tag, "tag", "t", "", "Image tag to run (defaults to <recipe>:dev)")
	f.DurationVar(&opts.timeout, "timeout", 0, "How long the port may take to accept connections (defaults to the recipe's startup timeout)")
	f.StringVar(&opts.waitLog, "wait-log", "", "Output line that must also appear before the application counts as running")
	f.StringVar(&opts.command, "cmd", "", "Override the launch command, parsed with shell quoting rules")
	f.StringArrayVarP(&opts.env, "env", "e", nil, "Extra KEY=VALUE environment entries, repeatable")
	return cmd
}

func parseCommand(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse --cmd: %w", err)
	}
	return args, nil
}

func validateEnv(env []string) error {
	for _, kv := range env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid --env %q (expected KEY=VALUE)", kv)
		}
	}
	return nil
}

func runLocal(cmd *cobra.Command, state *rootState, r recipe.Recipe, dir string, opts runCLIOptions, override []string) error {
	if err := validateEnv(opts.env); err != nil {
		return err
	}
	spec := launcher.FromRecipe(r, dir)
	spec.Env = append(spec.Env, opts.env...)
	if len(override) > 0 {
		spec.Command = override
	}
	if opts.timeout > 0 {
		spec.StartupTimeout = opts.timeout
	}
	spec.ReadyPattern = opts.waitLog
	spec.Stdout = cmd.OutOrStdout()
	spec.Stderr = cmd.ErrOrStderr()
	spec.Logger = state.logger

	ctx := cmd.Context()
	l := launcher.New(spec)
	if err := l.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s is %s on http://%s\n", r.Name, l.State(), l.Addr())
	code, err := l.Wait()
	if err != nil {
		return err
	}
	return exitStatus(ctx, code)
}

func runContainer(cmd *cobra.Command, state *rootState, r recipe.Recipe, opts runCLIOptions, override []string) error {
	if err := validateEnv(opts.env); err != nil {
		return err
	}
	tag := opts.tag
	if tag == "" {
		tag = buildkit.DefaultLocalTag(r.Name)
	}
	rec, err := registry.ResolveLayout(tag)
	if err != nil {
		return fmt.Errorf("%w (run sbctl build first)", err)
	}
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = r.StartupTimeout()
	}
	ctx := cmd.Context()
	runner := &containerrun.Runner{Loader: containerrun.DockerLoader{}, Logger: state.logger}
	h, err := runner.Run(ctx, containerrun.Options{
		LayoutPath:     rec.LayoutPath,
		Tag:            tag,
		Port:           r.Launch.Port,
		StartupTimeout: timeout,
		WaitLog:        opts.waitLog,
		Env:            containerrun.EnvMap(opts.env),
		Cmd:            override,
		Output:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Terminate(context.WithoutCancel(ctx)); err != nil {
			state.logger.Error(err, "remove container", "id", h.ID())
		}
	}()
	endpoint, err := h.Endpoint(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s is %s on http://%s\n", tag, launcher.Running, endpoint)
	code, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	return exitStatus(ctx, code)
}

// exitStatus maps the exit code of a process that reached RUNNING. A
// shutdown requested through ctx is clean whatever the code.
func exitStatus(ctx context.Context, code int) error {
	if ctx.Err() != nil || code == 0 {
		return nil
	}
	return &exitCodeError{code: code}
}
