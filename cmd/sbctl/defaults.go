package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/containerd/platforms"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/appconfig"
)

// loadDefaults reads the global config and the .sbctl.yaml of the repository
// that holds contextDir.
func loadDefaults(cmd *cobra.Command, contextDir string) (appconfig.Config, error) {
	abs, err := filepath.Abs(contextDir)
	if err != nil {
		return appconfig.Config{}, err
	}
	repo := appconfig.FindRepoRoot(abs)
	return appconfig.Load(cmd.Context(), appconfig.DefaultGlobalPath(), appconfig.DefaultRepoPath(repo))
}

// applyStringDefault sets *dst from value when the flag was not given on the
// command line or through the environment.
func applyStringDefault(cmd *cobra.Command, flag string, dst *string, value string) {
	if value == "" || cmd.Flags().Changed(flag) {
		return
	}
	*dst = value
}

// validatePlatform accepts an empty value or an os/arch[/variant] specifier.
func validatePlatform(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !strings.Contains(raw, "/") {
		return fmt.Errorf("invalid platform %q (expected os/arch like linux/amd64)", raw)
	}
	if _, err := platforms.Parse(raw); err != nil {
		return fmt.Errorf("invalid platform %q: %w", raw, err)
	}
	return nil
}
