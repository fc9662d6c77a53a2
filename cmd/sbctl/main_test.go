package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/sbctl/internal/launcher"
	"github.com/example/sbctl/internal/pipeline"
)

func TestVersionCommandPrintsClientVersion(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SBCTL_CONFIG", cfgPath)

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"version"})

	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); !strings.HasPrefix(got, "sbctl ") {
		t.Fatalf("expected version line, got: %q", got)
	}
}

func TestApplyViperFillsUnsetFlagsFromEnv(t *testing.T) {
	t.Setenv("SBCTL_BACKEND", "dockerfile")
	t.Setenv("SBCTL_CACHE_DIR", "/from/env")

	var backend, cacheDir string
	cmd := &cobra.Command{Use: "build"}
	cmd.Flags().StringVar(&backend, "backend", "layered", "")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "")
	if err := cmd.Flags().Set("cache-dir", "/from/flag"); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("SBCTL")
	v.AutomaticEnv()
	if err := applyViper(v, cmd, ""); err != nil {
		t.Fatalf("applyViper: %v", err)
	}
	if backend != "dockerfile" || !cmd.Flags().Changed("backend") {
		t.Fatalf("expected backend from env, got %q (changed=%v)", backend, cmd.Flags().Changed("backend"))
	}
	if cacheDir != "/from/flag" {
		t.Fatalf("flag must win over env, got %q", cacheDir)
	}
}

func TestApplyViperReadsConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(cfgPath, []byte("tag:\n  - studio-brain:a\n  - studio-brain:b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var tags []string
	cmd := &cobra.Command{Use: "build"}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "")
	if err := applyViper(viper.New(), cmd, cfgPath); err != nil {
		t.Fatalf("applyViper: %v", err)
	}
	if strings.Join(tags, ",") != "studio-brain:a,studio-brain:b" {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestHandleErrorExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		hint string
	}{
		{name: "nil", err: nil, code: 0},
		{name: "child exit", err: &exitCodeError{code: 3}, code: 3},
		{name: "startup", err: &launcher.StartupError{Reason: "command streamlit not found", ExitCode: 127}, code: 127, hint: "never accepted connections"},
		{name: "dependency", err: &pipeline.StepError{Step: "install-dependencies", Kind: pipeline.ErrDependency, Err: errors.New("no matching distribution")}, code: 1, hint: "dependency manifest"},
		{name: "deadline", err: fmt.Errorf("solve: %w", context.DeadlineExceeded), code: 1, hint: "--timeout"},
		{name: "plain", err: errors.New("boom"), code: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if got := handleError(&buf, tc.err); got != tc.code {
				t.Fatalf("expected exit code %d, got %d", tc.code, got)
			}
			if tc.err == nil && buf.Len() != 0 {
				t.Fatalf("expected no output, got %q", buf.String())
			}
			if tc.hint != "" && !strings.Contains(buf.String(), tc.hint) {
				t.Fatalf("expected hint %q, got %q", tc.hint, buf.String())
			}
		})
	}
}

func TestExitStatus(t *testing.T) {
	if err := exitStatus(context.Background(), 0); err != nil {
		t.Fatalf("clean exit: %v", err)
	}
	var exitErr *exitCodeError
	if err := exitStatus(context.Background(), 2); !errors.As(err, &exitErr) || exitErr.code != 2 {
		t.Fatalf("expected exit code 2, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := exitStatus(ctx, 143); err != nil {
		t.Fatalf("requested shutdown must be clean, got %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	args, err := parseCommand(`streamlit run "my app.py" --server.port=8600`)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	want := []string{"streamlit", "run", "my app.py", "--server.port=8600"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, args)
	}
	if args, err := parseCommand("  "); err != nil || args != nil {
		t.Fatalf("blank command: %v %v", args, err)
	}
	if _, err := parseCommand(`streamlit "unterminated`); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := validateEnv([]string{"A=1", "NOVALUE"}); err == nil {
		t.Fatalf("expected env validation error")
	}
}

func TestRepositoryFrom(t *testing.T) {
	repo, err := repositoryFrom("registry.example.com/team/studio-brain:dev")
	if err != nil {
		t.Fatalf("repositoryFrom: %v", err)
	}
	if repo != "registry.example.com/team/studio-brain" {
		t.Fatalf("unexpected repository %q", repo)
	}
}

func TestValidatePlatform(t *testing.T) {
	for _, ok := range []string{"", "linux/amd64", "linux/arm64/v8"} {
		if err := validatePlatform(ok); err != nil {
			t.Fatalf("validatePlatform(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"amd64", "linux/not-an-arch!"} {
		if err := validatePlatform(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
