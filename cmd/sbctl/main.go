// main.go bootstraps sbctl: it builds the root Cobra command, binds SBCTL_*
// environment overrides and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/sbctl/internal/launcher"
	"github.com/example/sbctl/internal/logging"
	"github.com/example/sbctl/internal/pipeline"
	"github.com/example/sbctl/internal/workflows/buildsvc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	os.Exit(handleError(os.Stderr, err))
}

// rootState is shared by every subcommand.
type rootState struct {
	logLevel   string
	configPath string
	logger     logr.Logger
	// deps overrides the production builders, base resolvers and registry
	// client; tests set it.
	deps buildsvc.Dependencies
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(buildsvc.Dependencies{})
}

func newRootCommandWith(deps buildsvc.Dependencies) *cobra.Command {
	state := &rootState{logLevel: "info", logger: logr.Discard(), deps: deps}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("SBCTL")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "sbctl",
		Short: "Build, plan and launch the Studio Brain application image",
		Long: `sbctl renders the Studio Brain image recipe into a Dockerfile, builds it with a
cache-aware layered engine or BuildKit, and launches the result on port 8501.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyViper(v, cmd, state.configPath); err != nil {
				return err
			}
			logger, err := logging.NewTo(cmd.ErrOrStderr(), state.logLevel)
			if err != nil {
				return err
			}
			state.logger = logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&state.logLevel, "log-level", state.logLevel, "Log level for sbctl output (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&state.configPath, "config", os.Getenv("SBCTL_CONFIG"), "Path to a YAML file of flag defaults")

	cmd.AddCommand(
		newRenderCommand(state),
		newLintCommand(),
		newPlanCommand(state),
		newBuildCommand(state),
		newRunCommand(state),
		newCacheCommand(state),
		newPushCommand(state),
		newVersionCommand(),
	)
	cmd.Example = `  # Show the Dockerfile the recipe renders to
  sbctl render .

  # Predict which layers a build will reuse
  sbctl plan .

  # Build with the layered engine and run the result
  sbctl build . && sbctl run .`
	return cmd
}

// applyViper fills flags the user did not set from SBCTL_<FLAG> environment
// variables and the optional flag-defaults file.
func applyViper(v *viper.Viper, cmd *cobra.Command, configPath string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	var setErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || setErr != nil || !v.IsSet(f.Name) {
			return
		}
		val := v.Get(f.Name)
		var raw string
		switch t := val.(type) {
		case []any:
			parts := make([]string, 0, len(t))
			for _, p := range t {
				parts = append(parts, fmt.Sprint(p))
			}
			raw = strings.Join(parts, ",")
		default:
			raw = fmt.Sprint(t)
		}
		if raw == "" {
			return
		}
		if err := cmd.Flags().Set(f.Name, raw); err != nil {
			setErr = fmt.Errorf("apply %s from environment or config: %w", f.Name, err)
		}
	})
	return setErr
}

// exitCodeError carries the exit code of a process that ran and then exited.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("application exited with code %d", e.code)
}

// handleError prints err with a hint when one applies and returns the exit
// code for the process.
func handleError(w io.Writer, err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(w, "Error: %s\n", err)
		if exitErr.code == 0 {
			return 1
		}
		return exitErr.code
	}
	message := err.Error()
	var startErr *launcher.StartupError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: increase --timeout or check that the builder and registry are reachable.", err)
	case errors.Is(err, pipeline.ErrDependency):
		message = fmt.Sprintf("%s\nHint: check the package names and versions in the dependency manifest; the source layer was not built.", err)
	case errors.Is(err, pipeline.ErrMalformedManifest):
		message = fmt.Sprintf("%s\nHint: every manifest line must be NAME[extras] followed by comma-separated version constraints.", err)
	case errors.As(err, &startErr):
		fmt.Fprintf(w, "Error: %s\nHint: the application never accepted connections; run with --log-level debug to see its output.\n", err)
		if startErr.ExitCode > 0 {
			return startErr.ExitCode
		}
		return 1
	case isBuilderUnreachable(err):
		message = fmt.Sprintf("%s\nHint: start buildkitd, set SBCTL_BUILDKIT_HOST, or pass --builder-fallback to provision a Docker Buildx builder.", err)
	}
	fmt.Fprintf(w, "Error: %s\n", message)
	return 1
}

func isBuilderUnreachable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "buildkit") && (strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such file or directory"))
}
