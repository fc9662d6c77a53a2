// File: internal/recipe/recipe.go
// Brief: Internal recipe package implementation for 'recipe'.

// Package recipe holds the typed description of the application image: the
// base environment, the dependency and source materialization steps and the
// launch contract. Every other package derives its work from Recipe.Steps.
package recipe

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	DefaultName           = "studio-brain"
	DefaultInterpreter    = "python"
	DefaultVersion        = "3.11"
	DefaultVariant        = "slim"
	DefaultWorkDir        = "/app"
	DefaultManifest       = "requirements.txt"
	DefaultEntryFile      = "app.py"
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8501
	DefaultStartupTimeout = 60 * time.Second
)

// Recipe is the declarative image build pipeline.
type Recipe struct {
	Name     string       `json:"name" validate:"required"`
	Base     BaseImage    `json:"base"`
	System   SystemLayer  `json:"system"`
	Env      []EnvVar     `json:"env,omitempty" validate:"dive"`
	WorkDir  string       `json:"workDir" validate:"required,startswith=/"`
	Manifest ManifestSpec `json:"manifest"`
	Source   SourceSpec   `json:"source"`
	Launch   LaunchSpec   `json:"launch"`
	Ignore   []string     `json:"ignore,omitempty"`
}

// BaseImage selects the interpreter runtime image.
type BaseImage struct {
	Interpreter string `json:"interpreter" validate:"required"`
	Version     string `json:"version" validate:"required"`
	Variant     string `json:"variant,omitempty"`
	Digest      string `json:"digest,omitempty" validate:"omitempty,startswith=sha256:,len=71"`
}

// Tag is the version tag of the base image, e.g. "3.11-slim".
func (b BaseImage) Tag() string {
	if strings.TrimSpace(b.Variant) == "" {
		return b.Version
	}
	return b.Version + "-" + b.Variant
}

// Reference renders the pullable image reference.
func (b BaseImage) Reference() string {
	ref := b.Interpreter + ":" + b.Tag()
	if b.Digest != "" {
		ref += "@" + b.Digest
	}
	return ref
}

// Pinned reports whether the interpreter version names at least a minor
// release or the image is pinned by digest.
func (b BaseImage) Pinned() bool {
	if b.Digest != "" {
		return true
	}
	v := strings.TrimSpace(b.Version)
	if v == "" || v == "latest" {
		return false
	}
	return strings.Count(v, ".") >= 1
}

// SystemLayer is the OS toolchain installed on top of the base image.
type SystemLayer struct {
	Manager    string   `json:"manager" validate:"oneof=apt"`
	Packages   []string `json:"packages" validate:"dive,required"`
	CleanCache bool     `json:"cleanCache"`
}

// EnvVar is one image environment entry.
type EnvVar struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

func (e EnvVar) String() string {
	return e.Name + "=" + e.Value
}

// ManifestSpec locates the dependency manifest and the installer command.
type ManifestSpec struct {
	Path      string   `json:"path" validate:"required"`
	Installer []string `json:"installer,omitempty"`
}

// InstallCommand returns the installer argv, defaulting to pip.
func (m ManifestSpec) InstallCommand() []string {
	if len(m.Installer) > 0 {
		return append([]string(nil), m.Installer...)
	}
	return []string{"pip", "install", "--no-cache-dir", "-r", m.Path}
}

// SourceSpec locates the application source tree and its destination.
type SourceSpec struct {
	Path string `json:"path" validate:"required"`
	Dest string `json:"dest" validate:"required"`
}

// LaunchSpec is the runtime contract of the single foreground process.
type LaunchSpec struct {
	Command        []string `json:"command,omitempty"`
	EntryFile      string   `json:"entryFile" validate:"required"`
	Host           string   `json:"host" validate:"required,ip|hostname"`
	Port           int      `json:"port" validate:"min=1,max=65535"`
	StartupTimeout Duration `json:"startupTimeout,omitempty"`
}

// Duration accepts "30s" style strings or integer seconds in YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse duration %s: expected string or seconds", string(b))
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// Default returns the recipe of the Studio Brain application.
func Default() Recipe {
	return Recipe{
		Name: DefaultName,
		Base: BaseImage{
			Interpreter: DefaultInterpreter,
			Version:     DefaultVersion,
			Variant:     DefaultVariant,
		},
		System: SystemLayer{
			Manager:    "apt",
			Packages:   []string{"build-essential", "gcc", "g++"},
			CleanCache: true,
		},
		Env: []EnvVar{
			{Name: "PYTHONDONTWRITEBYTECODE", Value: "1"},
			{Name: "PYTHONUNBUFFERED", Value: "1"},
		},
		WorkDir:  DefaultWorkDir,
		Manifest: ManifestSpec{Path: DefaultManifest},
		Source:   SourceSpec{Path: ".", Dest: "."},
		Launch: LaunchSpec{
			EntryFile:      DefaultEntryFile,
			Host:           DefaultHost,
			Port:           DefaultPort,
			StartupTimeout: Duration{DefaultStartupTimeout},
		},
		Ignore: DefaultIgnore(),
	}
}

// DefaultIgnore lists paths that never belong in the source layer. The
// application persists its vector store under chroma_db/.
func DefaultIgnore() []string {
	return []string{
		".git",
		".venv",
		"venv",
		"__pycache__",
		"**/__pycache__",
		"*.pyc",
		"chroma_db",
		".sbctl",
		".env",
		"Dockerfile",
		".dockerignore",
	}
}

// Load reads a YAML or JSON recipe and overlays it on Default.
func Load(path string) (Recipe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("read recipe: %w", err)
	}
	return Decode(raw)
}

// Decode overlays raw YAML or JSON on Default.
func Decode(raw []byte) (Recipe, error) {
	r := Default()
	if strings.TrimSpace(string(raw)) == "" {
		return r, nil
	}
	if err := yaml.UnmarshalStrict(raw, &r); err != nil {
		return Recipe{}, fmt.Errorf("decode recipe: %w", err)
	}
	return r, nil
}

// Encode renders the recipe as YAML.
func (r Recipe) Encode() ([]byte, error) {
	return yaml.Marshal(r)
}

// StartupTimeout returns the launch timeout, falling back to the default.
func (r Recipe) StartupTimeout() time.Duration {
	if r.Launch.StartupTimeout.Duration <= 0 {
		return DefaultStartupTimeout
	}
	return r.Launch.StartupTimeout.Duration
}

// EnvList returns the environment as KEY=VALUE strings in declaration order.
func (r Recipe) EnvList() []string {
	out := make([]string, 0, len(r.Env))
	for _, e := range r.Env {
		out = append(out, e.String())
	}
	return out
}

// LaunchCommand is the fixed invocation of the application server. Only the
// entry file and the bind address vary; the port flag is emitted when it
// differs from the server default.
func (r Recipe) LaunchCommand() []string {
	if len(r.Launch.Command) > 0 {
		return append([]string(nil), r.Launch.Command...)
	}
	cmd := []string{"streamlit", "run", r.Launch.EntryFile, "--server.address=" + r.Launch.Host}
	if r.Launch.Port != DefaultPort {
		cmd = append(cmd, "--server.port="+strconv.Itoa(r.Launch.Port))
	}
	return cmd
}

// PortSpec is the exposed port in "8501/tcp" form.
func (r Recipe) PortSpec() string {
	return strconv.Itoa(r.Launch.Port) + "/tcp"
}
