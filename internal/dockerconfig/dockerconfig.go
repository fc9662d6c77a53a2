// Package dockerconfig loads registry credentials in the Docker CLI format so
// base image pulls and pushes use the same logins as `docker login`.
package dockerconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/credentials"
)

// Load reads the config at path, or the default Docker config when path is
// empty. A missing file yields an empty config with the platform's
// credential store detected.
func Load(path string, stderr io.Writer) (*configfile.ConfigFile, error) {
	if path == "" {
		cfg := config.LoadDefaultConfigFile(stderr)
		if cfg == nil {
			return nil, errors.New("unable to load docker config")
		}
		return cfg, nil
	}
	cfg := configfile.New(path)
	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) > 0:
		if err := cfg.LoadFromReader(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parse docker config %s: %w", path, err)
		}
	case err != nil && !os.IsNotExist(err):
		return nil, err
	}
	if !cfg.ContainsAuth() {
		cfg.CredentialsStore = credentials.DetectDefaultStore(cfg.CredentialsStore)
	}
	return cfg, nil
}

// UseAuthfile points the Docker config lookup (and every keychain built on
// it) at the directory holding path.
func UseAuthfile(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return os.Setenv(config.EnvOverrideConfigDir, filepath.Dir(abs))
}
